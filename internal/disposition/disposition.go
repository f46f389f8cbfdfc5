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

// Package disposition implements the structured disposition log:
// one newline-delimited-JSON, zstd-framed segment file per record
// type, rotated on a fixed interval and marked read-only on close so a
// tailing consumer can tell a segment is finished being written. A single
// bounded channel feeds one drain goroutine, which is what gives the
// logger its back-pressure behaviour: once the channel is full, enqueue
// blocks the caller rather than dropping the record.
//
// The set of fields a lifecycle event carries mirrors what a queue's DSN
// emission path needs to know about a delivery attempt; storage uses a
// plain os.File under a directory root. The compressed/rotated segment
// format itself is documented in DESIGN.md.
package disposition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/message"
)

// RecordType names one of the lifecycle events the disposition log
// must be able to emit, and doubles as the segment filename prefix.
type RecordType string

const (
	Reception        RecordType = "reception"
	Delivery         RecordType = "delivery"
	Bounce           RecordType = "bounce"
	TransientFailure RecordType = "transient_failure"
	Expiration       RecordType = "expiration"
	AdminBounce      RecordType = "admin_bounce"
	OOB              RecordType = "oob"
	Feedback         RecordType = "feedback"
	AdminRebind      RecordType = "admin_rebind"
)

// Record is one line of one segment. Every field mirrors the
// disposition record field list; fields that do not apply to a given
// RecordType are left at their zero value and omitted from the encoded
// JSON.
type Record struct {
	Type        RecordType `json:"type"`
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Sender      string     `json:"sender,omitempty"`
	Recipients  []string   `json:"recipients,omitempty"`
	Recipient   string     `json:"recipient,omitempty"`
	Queue       string     `json:"queue,omitempty"`
	Site        string     `json:"site,omitempty"`
	Size        int        `json:"size,omitempty"`
	Response    string     `json:"response,omitempty"`
	PeerAddress string     `json:"peer_address,omitempty"`
	NumAttempts int        `json:"num_attempts,omitempty"`
	BounceClass string     `json:"bounce_class,omitempty"`

	EgressPool   string `json:"egress_pool,omitempty"`
	EgressSource string `json:"egress_source,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	TLSVersion string `json:"tls_version,omitempty"`
	TLSCipher  string `json:"tls_cipher,omitempty"`

	NextAttempt *time.Time `json:"next_attempt,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// HeaderCapture decides which message headers, if any, are copied into a
// Record's Headers map, capturing headers per policy.
// A nil HeaderCapture captures nothing.
type HeaderCapture func(msg *message.Message) map[string]string

// Config wires a Logger to its storage and policy.
type Config struct {
	// Dir is the directory segment files are written under; created if
	// missing.
	Dir string
	// RotateInterval bounds how long one segment stays open before it is
	// closed, marked read-only, and replaced. Zero defaults to one hour.
	RotateInterval time.Duration
	// QueueDepth bounds the channel enqueue sends on. Zero defaults to
	// 4096.
	QueueDepth int

	Headers HeaderCapture

	// Hostname names this MTA in a generated returned-mail notification's
	// Reporting-MTA/From/Message-Id fields. Required for Reinject to have
	// any effect; left empty, notifications are simply never generated.
	Hostname string
	// Reinject, if non-nil, turns a final permanent per-recipient failure
	// into a real returned-mail notification Message handed back into the
	// scheduled-queue path. A nil Reinject leaves Bounce/AdminBouncer.Bounce
	// exactly as log-only as before.
	Reinject Reinjector

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.RotateInterval <= 0 {
		c.RotateInterval = time.Hour
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
}

// Logger is the disposition log's single entry point: readyq.Disposition,
// the ingress packages, and the admin overlay handlers all funnel their
// lifecycle records through one of its methods.
type Logger struct {
	cfg Config

	records chan Record

	mu       sync.Mutex
	segments map[RecordType]*segment

	wg sync.WaitGroup
}

// NewLogger starts a Logger and its drain goroutine. Call Close on
// shutdown to flush and mark every open segment complete.
func NewLogger(cfg Config) (*Logger, error) {
	cfg.setDefaults()

	l := &Logger{
		cfg:      cfg,
		records:  make(chan Record, cfg.QueueDepth),
		segments: make(map[RecordType]*segment),
	}

	l.wg.Add(1)
	go l.drain()

	return l, nil
}

// enqueue blocks until the record has been accepted onto the bounded
// channel: disposition records are never dropped under back-pressure.
// Close must not be called while a producer may still be
// calling enqueue: the lifecycle package's Activity tracking is what
// guarantees every in-flight disposition call has returned before
// shutdown closes the channel out from under it.
func (l *Logger) enqueue(rec Record) {
	l.records <- rec
}

// Delivery implements readyq.Disposition.
func (l *Logger) Delivery(_ context.Context, msg *message.Message, recipient, mxHost string, tlsLevel int) {
	l.enqueue(l.base(Delivery, msg, recipient, mxHost, "", tlsLevel))
}

// TransientFailure implements readyq.Disposition.
func (l *Logger) TransientFailure(_ context.Context, msg *message.Message, recipient string, err error, nextAttempt time.Time) {
	rec := l.base(TransientFailure, msg, recipient, "", responseOf(err), 0)
	if err != nil {
		rec.BounceClass = errs.KindOf(err).String()
	}
	if !nextAttempt.IsZero() {
		rec.NextAttempt = &nextAttempt
	}
	l.enqueue(rec)
}

// Bounce implements readyq.Disposition: a permanent per-recipient failure
// observed while dispatching, as opposed to an admin-triggered bounce
// (see AdminBouncer in bounce.go), which is logged as AdminBounce instead.
func (l *Logger) Bounce(_ context.Context, msg *message.Message, recipient string, err error) {
	rec := l.base(Bounce, msg, recipient, "", responseOf(err), 0)
	if err != nil {
		rec.BounceClass = errs.KindOf(err).String()
	}
	l.enqueue(rec)

	l.generateNDR(msg, []recipientFailure{{Recipient: recipient, Err: err}})
}

// Reception records a message's acceptance by Ingress, before it has been
// attempted at all.
func (l *Logger) Reception(_ context.Context, msg *message.Message, peerAddress string) {
	rec := l.recordFor(Reception, msg)
	rec.Recipients = msg.Recipients()
	rec.PeerAddress = peerAddress
	l.enqueue(rec)
}

// Expiration records a message that was discarded for exceeding max_age
// without ever having been retried again (distinct from the Bounce emitted
// by requeueTransient's expiry path, which already has a specific
// recipient and error in hand).
func (l *Logger) Expiration(_ context.Context, msg *message.Message) {
	l.enqueue(l.recordFor(Expiration, msg))
}

// Feedback records an out-of-band abuse feedback loop report correlated to
// a previously delivered message.
func (l *Logger) Feedback(_ context.Context, msg *message.Message, reason string) {
	rec := l.recordFor(Feedback, msg)
	rec.Reason = reason
	l.enqueue(rec)
}

// OOB records an out-of-band bounce notification (a DSN received from a
// downstream relay well after the original delivery attempt concluded)
// correlated to a previously delivered message.
func (l *Logger) OOB(_ context.Context, msg *message.Message, reason string) {
	rec := l.recordFor(OOB, msg)
	rec.Reason = reason
	l.enqueue(rec)
}

// AdminRebind records a Rebind overlay application against msg.
func (l *Logger) AdminRebind(_ context.Context, msg *message.Message, reason string) {
	rec := l.recordFor(AdminRebind, msg)
	rec.Reason = reason
	l.enqueue(rec)
}

func (l *Logger) base(typ RecordType, msg *message.Message, recipient, mxHost, response string, tlsLevel int) Record {
	rec := l.recordFor(typ, msg)
	rec.Recipient = recipient
	rec.Site = mxHost
	rec.Response = response
	if tlsLevel > 0 {
		rec.TLSVersion = fmt.Sprintf("level-%d", tlsLevel)
	}
	return rec
}

func (l *Logger) recordFor(typ RecordType, msg *message.Message) Record {
	rec := Record{
		Type:      typ,
		ID:        msg.ID().String(),
		SessionID: uuid.NewString(),
		Timestamp: time.Now(),
		Sender:    msg.EnvelopeSender(),
	}

	if queue, err := msg.GetQueueName(); err == nil {
		rec.Queue = queue
	}
	if attempts, err := msg.NumAttempts(); err == nil {
		rec.NumAttempts = attempts
	}
	if body, err := msg.Body(); err == nil {
		rec.Size = len(body)
	}
	if pool, err := msg.GetMeta(message.MetaEgressPool); err == nil {
		if s, ok := pool.(string); ok {
			rec.EgressPool = s
		}
	}
	if source, err := msg.GetMeta(message.MetaEgressSource); err == nil {
		if s, ok := source.(string); ok {
			rec.EgressSource = s
		}
	}
	if l.cfg.Headers != nil {
		rec.Headers = l.cfg.Headers(msg)
	}

	return rec
}

func responseOf(err error) string {
	if err == nil {
		return ""
	}
	return errs.SMTPError(err).Message
}

// drain is the Logger's single consumer: it owns the segments map (so no
// lock is needed to access it from here) and is the only goroutine that
// ever writes to a segment file.
func (l *Logger) drain() {
	defer l.wg.Done()

	for rec := range l.records {
		seg, err := l.segmentFor(rec.Type)
		if err != nil {
			l.cfg.Logger.Error("disposition: failed to open segment", err, "type", string(rec.Type))
			continue
		}
		if err := seg.writeRecord(rec); err != nil {
			l.cfg.Logger.Error("disposition: failed to write record", err, "type", string(rec.Type))
		}
	}

	l.mu.Lock()
	for _, seg := range l.segments {
		if err := seg.close(); err != nil {
			l.cfg.Logger.Error("disposition: failed to close segment on shutdown", err)
		}
	}
	l.segments = make(map[RecordType]*segment)
	l.mu.Unlock()
}

func (l *Logger) segmentFor(typ RecordType) (*segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, ok := l.segments[typ]
	if ok && !seg.needsRotation(l.cfg.RotateInterval) {
		return seg, nil
	}
	if ok {
		if err := seg.close(); err != nil {
			l.cfg.Logger.Error("disposition: failed to close segment for rotation", err, "type", string(typ))
		}
	}

	seg, err := newSegment(l.cfg.Dir, typ)
	if err != nil {
		return nil, err
	}
	l.segments[typ] = seg
	return seg, nil
}

// Close stops accepting new records, drains whatever is already queued,
// and marks every open segment complete. It blocks until the drain
// goroutine has finished.
func (l *Logger) Close() error {
	close(l.records)
	l.wg.Wait()
	return nil
}
