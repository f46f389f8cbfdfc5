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

// Package schedq implements the ScheduledQueue: a
// per-destination queue of messages awaiting their next delivery
// attempt, backed by one of the Strategy implementations, driven by a
// maintainer goroutine that applies admin overlays before promoting due
// messages to a ReadyQueue.
package schedq

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/spool"

	"github.com/outflowmta/outflow/framework/log"
)

// InsertContext is the structured reason insert() takes,
// consulted by the maintainer when it decides side effects for a message
// (e.g. whether its first maintainer pass should be logged as a fresh
// reception versus a retry).
type InsertContext int

const (
	InsertReceived InsertContext = iota
	InsertRequeued
	InsertRebound
	InsertTransferred
)

func (c InsertContext) String() string {
	switch c {
	case InsertReceived:
		return "received"
	case InsertRequeued:
		return "requeued"
	case InsertRebound:
		return "rebound"
	case InsertTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// ReadyInserter is the seam between a ScheduledQueue and its associated
// ReadyQueue(s); internal/readyq.Queue implements it.
type ReadyInserter interface {
	InsertReady(ctx context.Context, queueName string, msgID id.SpoolId) error
}

// Bouncer records a disposition for, and unlinks from the spool, a
// message that a Bounce overlay (or max-age expiration) has terminated.
// internal/disposition wires the logging half; Queue only needs the
// callback.
type Bouncer interface {
	Bounce(ctx context.Context, msgID id.SpoolId, reason string) error
}

// Config wires a Queue to its collaborators. Name is the canonical
// `campaign:tenant@domain!routing_domain` queue name
// (message.BuildQueueName); Queue parses it once to evaluate overlay
// Criteria against this queue without re-parsing on every maintainer
// tick.
type Config struct {
	Name     string
	Strategy Strategy
	Spool    *spool.Store
	Overlays *overlay.Registry
	Retry    RetryPolicy
	Ready    ReadyInserter
	Bounce   Bouncer
	Logger   log.Logger

	// TickInterval overrides RetryPolicy.TickInterval()'s derived value
	// when non-zero.
	TickInterval time.Duration
}

// Queue is one ScheduledQueue instance.
type Queue struct {
	cfg Config

	campaign, tenant, domain, routingDomain *string

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	removed map[id.SpoolId]struct{}
}

// New constructs a Queue and starts its maintainer goroutine. Call
// Close to stop it.
func New(cfg Config) *Queue {
	campaign, tenant, domain, routingDomain := splitQueueName(cfg.Name)

	q := &Queue{
		cfg:           cfg,
		campaign:      campaign,
		tenant:        tenant,
		domain:        domain,
		routingDomain: routingDomain,
		notify:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		removed:       make(map[id.SpoolId]struct{}),
	}
	go q.maintainerLoop()
	return q
}

// SplitQueueName reverses message.BuildQueueName's
// `campaign:tenant@domain!routing_domain` form into its optional parts,
// for overlay Criteria matching. Exported so internal/readyq can derive
// the same Criteria tuple for its own suspend-overlay checks without
// duplicating the parse.
func SplitQueueName(name string) (campaign, tenant, domain, routingDomain *string) {
	return splitQueueName(name)
}

func splitQueueName(name string) (campaign, tenant, domain, routingDomain *string) {
	rest := name
	if i := strings.IndexByte(rest, '!'); i >= 0 {
		rd := rest[i+1:]
		routingDomain = &rd
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		d := rest[i+1:]
		domain = &d
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		c := rest[:i]
		campaign = &c
		rest = rest[i+1:]
	}
	if rest != "" {
		tenant = &rest
	}
	return
}

// Insert places msg with due = msg.Due() (clamped to now if earlier) and
// wakes the maintainer. It emits no log of its own.
func (q *Queue) Insert(msg *message.Message, reason InsertContext) error {
	due, err := msg.Due()
	if err != nil {
		return err
	}
	now := time.Now()
	if due.Before(now) {
		due = now
		if err := msg.SetDue(now); err != nil {
			return err
		}
	}
	if err := msg.SetMeta("insert_reason", reason.String()); err != nil {
		return err
	}
	meta, err := msg.MetaSnapshot()
	if err != nil {
		return err
	}
	if err := q.cfg.Spool.StoreMeta(msg.ID(), meta); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.removed, msg.ID())
	q.mu.Unlock()

	q.cfg.Strategy.Insert(Scheduled{ID: msg.ID(), Due: due})
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports how many messages the queue currently holds.
func (q *Queue) Len() int {
	return q.cfg.Strategy.Len()
}

// IsEmpty reports whether the queue holds nothing, the precondition for
// reaping.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue) maintainerLoop() {
	defer close(q.done)

	for {
		q.tick()

		interval := q.cfg.TickInterval
		if interval <= 0 {
			interval = q.cfg.Retry.TickInterval()
		}

		wakeup, has := q.cfg.Strategy.NextWakeup(time.Now())
		sleep := interval
		if has && wakeup < sleep {
			sleep = wakeup
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-q.notify:
			timer.Stop()
		case <-q.stop:
			timer.Stop()
			return
		}
	}
}

// tick performs one maintainer pass: overlay application, then promotion
// of due messages.
func (q *Queue) tick() {
	ctx := context.Background()
	now := time.Now()

	if bounces := q.cfg.Overlays.Match(overlay.KindBounce, q.campaign, q.tenant, q.domain, q.routingDomain, &q.cfg.Name); len(bounces) > 0 {
		for _, entry := range q.cfg.Strategy.DrainAll() {
			if q.cfg.Bounce != nil {
				q.cfg.Bounce.Bounce(ctx, entry.ID, bounces[0].Reason)
			}
		}
		return
	}

	if suspends := q.cfg.Overlays.Match(overlay.KindSuspend, q.campaign, q.tenant, q.domain, q.routingDomain, &q.cfg.Name); len(suspends) > 0 {
		until := suspends[0].SuspendUntil
		for _, entry := range q.cfg.Strategy.DrainDue(now) {
			entry.Due = until
			q.cfg.Strategy.Insert(entry)
		}
		return
	}

	due := q.cfg.Strategy.DrainDue(now)
	for _, entry := range due {
		q.mu.Lock()
		_, wasRemoved := q.removed[entry.ID]
		if wasRemoved {
			delete(q.removed, entry.ID)
		}
		q.mu.Unlock()
		if wasRemoved {
			continue
		}

		if q.cfg.Ready != nil {
			if err := q.cfg.Ready.InsertReady(ctx, q.cfg.Name, entry.ID); err != nil && q.cfg.Logger.Out != nil {
				q.cfg.Logger.Error("schedq: insert_ready failed", err, "queue", q.cfg.Name, "id", entry.ID.String())
			}
		}
	}

	queuedMsgs.WithLabelValues(q.cfg.Name).Set(float64(q.Len()))
}

// RebindAll iterates every message currently held, applies mutate to its
// meta, and re-routes it if mutate changed a queue-determining field
// (campaign/tenant/domain/routing_domain); alwaysFlush forces due to now
// even when routing did not change, per the Open Question decision
// recorded in DESIGN.md.
//
// A changed destination is handed off to reinsert rather than kept in
// this queue's own Strategy: tick() always calls InsertReady with this
// queue's own cfg.Name, so a message left here under a new queue name
// would still be promoted to the ready queue under its old, wrong
// destination. reinsert lets the caller (Registry.RebindAll) place it
// in the *Queue that actually owns the new name.
func (q *Queue) RebindAll(ctx context.Context, loadMsg func(id.SpoolId) (*message.Message, error), mutate func(*message.Message) error, alwaysFlush bool, reinsert func(queueName string, msg *message.Message) error) error {
	all := q.cfg.Strategy.DrainAll()

	for _, entry := range all {
		msg, err := loadMsg(entry.ID)
		if err != nil {
			if q.cfg.Logger.Out != nil {
				q.cfg.Logger.Error("schedq: rebind_all: failed to load message", err, "id", entry.ID.String())
			}
			continue
		}

		before, _ := msg.GetQueueName()
		if err := mutate(msg); err != nil {
			if q.cfg.Logger.Out != nil {
				q.cfg.Logger.Error("schedq: rebind_all: mutate failed", err, "id", entry.ID.String())
			}
			q.cfg.Strategy.Insert(entry)
			continue
		}
		after, err := msg.GetQueueName()
		if err != nil {
			q.cfg.Strategy.Insert(entry)
			continue
		}

		meta, err := msg.MetaSnapshot()
		if err == nil {
			q.cfg.Spool.StoreMeta(entry.ID, meta)
		}

		if after != before {
			msg.SetDue(time.Now())
			if err := reinsert(after, msg); err != nil {
				if q.cfg.Logger.Out != nil {
					q.cfg.Logger.Error("schedq: rebind_all: cross-queue reinsert failed", err, "id", entry.ID.String(), "queue", after)
				}
				q.cfg.Strategy.Insert(Scheduled{ID: entry.ID, Due: time.Now()})
			}
			continue
		}

		due := entry.Due
		if alwaysFlush {
			due = time.Now()
			msg.SetDue(due)
			if meta, err := msg.MetaSnapshot(); err == nil {
				q.cfg.Spool.StoreMeta(entry.ID, meta)
			}
		}
		q.cfg.Strategy.Insert(Scheduled{ID: entry.ID, Due: due})
	}
	return nil
}

// xferQueueSuffix is the synthetic scheduled-queue namespace
// used for staging transfers to another node.
const xferQueueSuffix = ".xfer.kumomta.internal"

// XferAll drains every message and returns them so the caller can
// re-insert them into the `<url>.xfer.kumomta.internal` queue,
// stashing this queue's original due time under a reserved meta key so
// CancelXferAll can restore it.
func (q *Queue) XferAll(loadMsg func(id.SpoolId) (*message.Message, error)) ([]*message.Message, error) {
	var out []*message.Message
	for _, entry := range q.cfg.Strategy.DrainAll() {
		msg, err := loadMsg(entry.ID)
		if err != nil {
			continue
		}
		msg.SetMeta("xfer_origin_queue", q.cfg.Name)
		msg.SetMeta("xfer_origin_due", entry.Due.Format(time.RFC3339Nano))
		if meta, err := msg.MetaSnapshot(); err == nil {
			q.cfg.Spool.StoreMeta(entry.ID, meta)
		}
		out = append(out, msg)
	}
	return out, nil
}

// CancelXferAll is XferAll's inverse: it restores messages staged in an
// xfer queue back to their origin queue and original due time, reading
// back the reserved meta keys XferAll stashed.
func CancelXferAll(dest *Queue, msgs []*message.Message) {
	for _, msg := range msgs {
		originRaw, err := msg.GetMeta("xfer_origin_due")
		due := time.Now()
		if err == nil {
			if s, ok := originRaw.(string); ok {
				if t, perr := time.Parse(time.RFC3339Nano, s); perr == nil {
					due = t
				}
			}
		}
		msg.SetDue(due)
		if meta, err := msg.MetaSnapshot(); err == nil {
			dest.cfg.Spool.StoreMeta(msg.ID(), meta)
		}
		dest.cfg.Strategy.Insert(Scheduled{ID: msg.ID(), Due: due})
	}
}

// Remove tombstones msgID: if it is currently scheduled, the next time
// the strategy drains it due, tick() discards it instead of promoting it
// to the ready queue. Used when a message is bounced or transferred out
// from under the queue by a path other than DrainAll (e.g. a concurrent
// admin action).
func (q *Queue) Remove(msgID id.SpoolId) {
	q.mu.Lock()
	q.removed[msgID] = struct{}{}
	q.mu.Unlock()
	q.cfg.Strategy.Remove(msgID)
}

// TryReap evicts the queue if it is empty, under a compare-and-swap
// check: it re-checks emptiness one more time right
// before confirming eviction to the caller, since a concurrent Insert
// could have landed between an earlier IsEmpty check and this call.
// Only a confirmed-empty queue's maintainer is actually stopped; a
// queue that turns out non-empty by the second check is left running,
// so a caller that gets false back can keep using it.
func (q *Queue) TryReap() bool {
	if !q.IsEmpty() {
		return false
	}
	q.Close()
	if !q.IsEmpty() {
		q.restart()
		return false
	}
	return true
}

// restart relaunches the maintainer goroutine after a TryReap call
// closed it speculatively but then found the queue non-empty (an Insert
// landed mid-reap). Close left q.stop closed, so it must be replaced
// before the loop can run again.
func (q *Queue) restart() {
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.maintainerLoop()
}

// Close stops the maintainer goroutine and waits for it to exit.
func (q *Queue) Close() {
	select {
	case <-q.stop:
		// already closed
	default:
		close(q.stop)
	}
	<-q.done
}
