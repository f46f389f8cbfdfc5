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

// Package message implements the in-memory Message object: lazily loaded
// body/meta backed by the spool, the mutable meta bag that drives queue
// routing, and the two on-the-wire encodings (spool persistence and
// node-to-node transfer).
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/outflowmta/outflow/internal/id"
)

// Well-known meta keys. Queue routing, scheduling and egress selection all
// flow through these rather than dedicated struct fields, matching the
// "mutable key/value bag" data model.
const (
	MetaQueue          = "queue"
	MetaCampaign       = "campaign"
	MetaTenant         = "tenant"
	MetaDomain         = "domain"
	MetaRoutingDomain  = "routing_domain"
	MetaEgressSource   = "egress_source"
	MetaEgressPool     = "egress_pool"
	MetaNumAttempts    = "num_attempts"
	MetaCreated        = "created"
	MetaDue            = "due"

	// MetaEnvelopeSender and MetaRecipients mirror the envelopeSender/
	// recipients struct fields into the persisted meta bag so a Message
	// can be reconstructed from its spool entry alone after a restart,
	// rather than relying on the in-memory delivery session that
	// produced them.
	MetaEnvelopeSender = "envelope_sender"
	MetaRecipients     = "recipients"
)

// Loader lazily fetches the parts of a Message that were not supplied at
// construction time. internal/spool.Store implements this.
type Loader interface {
	LoadBody(id.SpoolId) ([]byte, error)
	LoadMeta(id.SpoolId) (map[string]interface{}, error)
}

// Scheduling carries the subset of scheduling hints that do not belong in
// the generic meta bag because every message has them.
type Scheduling struct {
	FirstAttempt time.Time
	MaxAttempts  int
	Expiration   time.Time
}

// Message is the in-memory handle to one piece of mail. Body and meta may
// be absent until LoadBodyIfNeeded/LoadMetaIfNeeded are called; this lets a
// ScheduledQueue hold millions of entries without keeping every body
// resident.
type Message struct {
	mu sync.RWMutex

	id             id.SpoolId
	envelopeSender string
	recipients     []string

	meta       map[string]interface{}
	metaLoaded bool

	body       []byte
	bodyLoaded bool

	scheduling Scheduling

	loader Loader
}

// NewFromParts constructs a fully in-memory Message — the path used by
// Ingress, which has the envelope and body in hand and has not yet
// persisted either.
func NewFromParts(msgID id.SpoolId, envelopeSender string, recipients []string, body []byte, meta map[string]interface{}) *Message {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	now := time.Now()
	if _, ok := meta[MetaCreated]; !ok {
		meta[MetaCreated] = now
	}
	if _, ok := meta[MetaDue]; !ok {
		meta[MetaDue] = now
	}
	if _, ok := meta[MetaNumAttempts]; !ok {
		meta[MetaNumAttempts] = 0
	}
	meta[MetaEnvelopeSender] = envelopeSender
	meta[MetaRecipients] = append([]string(nil), recipients...)

	return &Message{
		id:             msgID,
		envelopeSender: envelopeSender,
		recipients:     append([]string(nil), recipients...),
		body:           normalizeCRLF(body),
		bodyLoaded:     true,
		meta:           meta,
		metaLoaded:     true,
	}
}

// NewLazy constructs a Message whose body/meta are recovered on demand
// through loader — the path used when reconstructing a ScheduledQueue entry
// from disk on startup.
func NewLazy(msgID id.SpoolId, envelopeSender string, recipients []string, loader Loader) *Message {
	return &Message{
		id:             msgID,
		envelopeSender: envelopeSender,
		recipients:     append([]string(nil), recipients...),
		loader:         loader,
	}
}

// LoadFromSpool reconstructs a Message from its spool entry alone,
// reading meta eagerly (to recover envelopeSender/recipients, which are
// cached struct fields rather than being re-read from the meta bag on
// every call) but leaving the body lazy. Used wherever a message is
// addressed only by SpoolId: ScheduledQueue/ReadyQueue recovery,
// RebindAll/XferAll and the ready queue's dispatch loop.
func LoadFromSpool(msgID id.SpoolId, loader Loader) (*Message, error) {
	meta, err := loader.LoadMeta(msgID)
	if err != nil {
		return nil, fmt.Errorf("message %s: load meta: %w", msgID, err)
	}

	sender, _ := meta[MetaEnvelopeSender].(string)
	recipients := decodeStringSlice(meta[MetaRecipients])

	return &Message{
		id:             msgID,
		envelopeSender: sender,
		recipients:     recipients,
		meta:           meta,
		metaLoaded:     true,
		loader:         loader,
	}, nil
}

// decodeStringSlice tolerates both a native []string (an in-memory
// Message that was never round-tripped through JSON) and the []interface{}
// of strings JSON unmarshaling into map[string]interface{} produces.
func decodeStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// normalizeCRLF rewrites any lone LF (not already preceded by CR) to CRLF,
// so bodies built from mixed-line-ending sources (HTTP inject clients in
// particular) always persist in wire format.
func normalizeCRLF(body []byte) []byte {
	out := make([]byte, 0, len(body)+16)
	for i := 0; i < len(body); i++ {
		if body[i] == '\n' && (i == 0 || body[i-1] != '\r') {
			out = append(out, '\r', '\n')
			continue
		}
		out = append(out, body[i])
	}
	return out
}

func (m *Message) ID() id.SpoolId { return m.id }

func (m *Message) EnvelopeSender() string { return m.envelopeSender }

func (m *Message) Recipients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.recipients...)
}

// SetRecipients narrows the recipient list in place, used by the ready
// queue when a batch partially fails: the recipients that were accepted
// or bounced outright are dropped and only the ones still needing a
// retry are kept, before the message is reinserted into the wheel.
func (m *Message) SetRecipients(recipients []string) error {
	if err := m.LoadMetaIfNeeded(); err != nil {
		return err
	}
	m.mu.Lock()
	m.recipients = append([]string(nil), recipients...)
	m.meta[MetaRecipients] = append([]string(nil), recipients...)
	m.mu.Unlock()
	return nil
}

func (m *Message) Scheduling() Scheduling {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduling
}

func (m *Message) SetScheduling(s Scheduling) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduling = s
}

// LoadMetaIfNeeded fetches meta from the loader the first time it is
// needed. Safe to call repeatedly.
func (m *Message) LoadMetaIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metaLoaded {
		return nil
	}
	if m.loader == nil {
		m.meta = map[string]interface{}{}
		m.metaLoaded = true
		return nil
	}
	meta, err := m.loader.LoadMeta(m.id)
	if err != nil {
		return fmt.Errorf("message %s: load meta: %w", m.id, err)
	}
	m.meta = meta
	m.metaLoaded = true
	return nil
}

// LoadBodyIfNeeded fetches the RFC 5322 body from the loader the first time
// it is needed.
func (m *Message) LoadBodyIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bodyLoaded {
		return nil
	}
	if m.loader == nil {
		return fmt.Errorf("message %s: body not resident and no loader attached", m.id)
	}
	body, err := m.loader.LoadBody(m.id)
	if err != nil {
		return fmt.Errorf("message %s: load body: %w", m.id, err)
	}
	m.body = body
	m.bodyLoaded = true
	return nil
}

// Body returns the CRLF-normalized RFC 5322 bytes, loading them first if
// necessary.
func (m *Message) Body() ([]byte, error) {
	if err := m.LoadBodyIfNeeded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.body, nil
}

// Shrink drops the in-memory body, retaining only the persisted copy. Used
// by a ScheduledQueue maintainer to keep resident memory bounded; the next
// Body() call re-fetches via loader.
func (m *Message) Shrink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loader == nil {
		// Nothing to reload from; shrinking would lose the body forever.
		return
	}
	m.body = nil
	m.bodyLoaded = false
}

// GetMeta reads a single meta key, loading meta first if necessary.
func (m *Message) GetMeta(key string) (interface{}, error) {
	if err := m.LoadMetaIfNeeded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[key], nil
}

// SetMeta writes a single meta key. num_attempts is monotonic: callers must
// use IncrementAttempts rather than SetMeta(MetaNumAttempts, ...) to go
// backwards, but SetMeta does not itself enforce that — the scheduled queue
// is the sole writer of that key during normal operation.
func (m *Message) SetMeta(key string, value interface{}) error {
	if err := m.LoadMetaIfNeeded(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// MetaSnapshot returns a shallow copy of the whole meta bag.
func (m *Message) MetaSnapshot() (map[string]interface{}, error) {
	if err := m.LoadMetaIfNeeded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out, nil
}

// NumAttempts returns the current attempt counter.
func (m *Message) NumAttempts() (int, error) {
	v, err := m.GetMeta(MetaNumAttempts)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, nil
	}
}

// IncrementAttempts enforces the "monotonically non-decreasing, +1 per
// attempt" invariant and returns the new value.
func (m *Message) IncrementAttempts() (int, error) {
	n, err := m.NumAttempts()
	if err != nil {
		return 0, err
	}
	n++
	if err := m.SetMeta(MetaNumAttempts, n); err != nil {
		return 0, err
	}
	return n, nil
}

// Created returns the message's creation time, used to infer an attempt
// count on spool recovery, when the persisted attempt count is unknown
// or stale but the message's creation time is not.
func (m *Message) Created() (time.Time, error) {
	v, err := m.GetMeta(MetaCreated)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("message %s: parse created: %w", m.id, err)
		}
		return parsed, nil
	default:
		return time.Time{}, nil
	}
}

// Due returns the message's current due time. Meta round-tripped through
// the spool's JSON encoding comes back as an RFC 3339 string rather than
// a time.Time, the same int/float64 split NumAttempts handles for
// num_attempts.
func (m *Message) Due() (time.Time, error) {
	v, err := m.GetMeta(MetaDue)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("message %s: parse due: %w", m.id, err)
		}
		return parsed, nil
	default:
		return time.Time{}, nil
	}
}

// SetDue updates the due time, clamping to now if due is in the past — the
// ScheduledQueue contract requires due >= created, but a message may be
// reinserted with a due time computed before "now" drifted forward; this
// guards the invariant at the single point where due is written.
func (m *Message) SetDue(due time.Time) error {
	if due.Before(time.Now()) {
		due = time.Now()
	}
	return m.SetMeta(MetaDue, due)
}

// GetQueueName derives the ScheduledQueue name from meta, in the canonical
// form "campaign:tenant@domain!routing_domain" with every component
// optional. If meta already carries an explicit "queue" value (set by a
// rebind or by policy), that value is used verbatim instead.
func (m *Message) GetQueueName() (string, error) {
	meta, err := m.MetaSnapshot()
	if err != nil {
		return "", err
	}

	if q, ok := meta[MetaQueue].(string); ok && q != "" {
		return q, nil
	}

	return BuildQueueName(
		stringMeta(meta, MetaCampaign),
		stringMeta(meta, MetaTenant),
		stringMeta(meta, MetaDomain),
		stringMeta(meta, MetaRoutingDomain),
	), nil
}

func stringMeta(meta map[string]interface{}, key string) string {
	s, _ := meta[key].(string)
	return s
}

// BuildQueueName assembles the canonical queue-name string from its
// optional components.
func BuildQueueName(campaign, tenant, domain, routingDomain string) string {
	var b strings.Builder
	if campaign != "" {
		b.WriteString(campaign)
		b.WriteByte(':')
	}
	if tenant != "" {
		b.WriteString(tenant)
	}
	if domain != "" {
		b.WriteByte('@')
		b.WriteString(domain)
	}
	if routingDomain != "" {
		b.WriteByte('!')
		b.WriteString(routingDomain)
	}
	return b.String()
}

// xferEnvelope is the line-one JSON metadata for SerializeForXfer /
// DeserializeFromXfer: the source SpoolId, sender, recipients and meta map,
// followed by an LF and the raw RFC 5322 body.
type xferEnvelope struct {
	SourceID   string                 `json:"source_id"`
	Sender     string                 `json:"sender"`
	Recipients []string               `json:"recipients"`
	Meta       map[string]interface{} `json:"meta"`
}

// SerializeForXfer encodes m as one JSON line (source id, sender,
// recipients, meta merged with extra) followed by LF and the raw body.
func (m *Message) SerializeForXfer(extra map[string]interface{}) ([]byte, error) {
	meta, err := m.MetaSnapshot()
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		meta[k] = v
	}
	body, err := m.Body()
	if err != nil {
		return nil, err
	}

	env := xferEnvelope{
		SourceID:   m.id.String(),
		Sender:     m.envelopeSender,
		Recipients: m.Recipients(),
		Meta:       meta,
	}
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(line)+1+len(body))
	out = append(out, line...)
	out = append(out, '\n')
	out = append(out, body...)
	return out, nil
}

// DeserializeFromXfer decodes the wire format produced by SerializeForXfer.
// The returned Message carries a freshly derived SpoolId that preserves the
// source id's timestamp component (DeriveNewWithClonedTimestamp), so
// node-local enumeration order still reflects original creation order.
func DeserializeFromXfer(data []byte) (*Message, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("message: xfer envelope: missing metadata line")
	}
	line, body := data[:nl], data[nl+1:]

	var env xferEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("message: xfer envelope: %w", err)
	}

	sourceID, err := id.Parse(env.SourceID)
	if err != nil {
		return nil, fmt.Errorf("message: xfer source id: %w", err)
	}
	newID, err := sourceID.DeriveNewWithClonedTimestamp()
	if err != nil {
		return nil, fmt.Errorf("message: xfer derive id: %w", err)
	}

	return NewFromParts(newID, env.Sender, env.Recipients, body, env.Meta), nil
}
