/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package policy defines PolicyHost, the interface through which ingress,
// the scheduled queue and the dispatcher consult hot-reloadable routing
// and shaping decisions. Every callback that would otherwise
// be a dynamically-loaded scripting hook is a method here instead.
package policy

import (
	"context"
	"time"
)

// Value is an opaque datum produced by a PolicyHost. The core never
// introspects it beyond the type switch these accessors provide, except
// when applying rebind metadata mutations, where it expects a String.
type Value struct {
	kind  valueKind
	str   string
	num   float64
	boo   bool
	arr   []Value
	obj   map[string]Value
}

type valueKind int

const (
	KindString valueKind = iota
	KindInt
	KindFloat
	KindBool
	KindArray
	KindObject
)

func String(s string) Value               { return Value{kind: KindString, str: s} }
func Int(n int64) Value                   { return Value{kind: KindInt, num: float64(n)} }
func Float(f float64) Value               { return Value{kind: KindFloat, num: f} }
func Bool(b bool) Value                   { return Value{kind: KindBool, boo: b} }
func Array(items []Value) Value           { return Value{kind: KindArray, arr: items} }
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

func (v Value) Kind() valueKind { return v.kind }

// AsString returns v's string content and whether v was actually a
// KindString; the rebind path relies on this to skip non-string values.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsInt() (int64, bool)     { return int64(v.num), v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.num, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool)     { return v.boo, v.kind == KindBool }
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// Decision is the tagged-variant result of a routing policy call: exactly
// one of Accept/Reject/Defer is populated:
// Accept{queue, meta_overrides} | Reject{code, reason} | Defer{duration}.
type Decision struct {
	kind decisionKind

	// Accept fields.
	Queue         string
	MetaOverrides map[string]Value

	// Reject fields.
	Code   int
	Reason string

	// Defer fields.
	Delay time.Duration
}

type decisionKind int

const (
	decisionAccept decisionKind = iota
	decisionReject
	decisionDefer
)

func Accept(queue string, metaOverrides map[string]Value) Decision {
	return Decision{kind: decisionAccept, Queue: queue, MetaOverrides: metaOverrides}
}

func Reject(code int, reason string) Decision {
	return Decision{kind: decisionReject, Code: code, Reason: reason}
}

func Defer(delay time.Duration) Decision {
	return Decision{kind: decisionDefer, Delay: delay}
}

func (d Decision) IsAccept() bool { return d.kind == decisionAccept }
func (d Decision) IsReject() bool { return d.kind == decisionReject }
func (d Decision) IsDefer() bool  { return d.kind == decisionDefer }

// Envelope carries the information a routing decision is made from: it is
// deliberately a flat struct of scalars/maps rather than a *message.Message
// so that a PolicyHost implementation has no way to mutate spool state
// directly - only through the returned Decision.
type Envelope struct {
	Sender     string
	Recipient  string
	Meta       map[string]interface{}
	RemoteAddr string
}

// PolicyHost is implemented by whatever backs the hot-reloadable routing
// and shaping rules: a built-in Go policy, an embedded scripting host, or
// a thin RPC client to an external shaping sidecar. Every method receives
// the caller's last-seen Epoch so a stale host can be detected and
// swapped without the caller needing to know why the epoch moved.
type PolicyHost interface {
	// Route decides the destination queue and any metadata overrides for
	// a newly-ingested message.
	Route(ctx context.Context, env Envelope, epoch uint64) (Decision, error)

	// RecipientBatchSize returns the maximum number of RCPT TO commands to
	// batch into one SMTP transaction for the given destination, used by
	// the dispatcher's recipient-batch split.
	RecipientBatchSize(ctx context.Context, routingDomain string, epoch uint64) (int, error)

	// Epoch returns the ConfigEpoch generation the host currently
	// believes is live, so callers holding an older value know to discard
	// epoch-tagged caches before calling again.
	Epoch() uint64
}

// Static is the zero-configuration PolicyHost: it always accepts into a
// fixed queue with no overrides, used when no scripting/shaping host is
// configured: routing falls back to the recipient domain when nothing
// more specific is configured.
type Static struct {
	DefaultQueue     string
	DefaultBatchSize int
	CurrentEpoch     uint64
}

func (s Static) Route(_ context.Context, env Envelope, _ uint64) (Decision, error) {
	queue := s.DefaultQueue
	if queue == "" {
		queue = recipientDomain(env.Recipient)
	}
	return Accept(queue, nil), nil
}

func (s Static) RecipientBatchSize(_ context.Context, _ string, _ uint64) (int, error) {
	if s.DefaultBatchSize <= 0 {
		return 100, nil
	}
	return s.DefaultBatchSize, nil
}

func (s Static) Epoch() uint64 { return s.CurrentEpoch }

func recipientDomain(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return addr
}
