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

package schedq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
)

// Factory builds a Config for a ScheduledQueue the first time queueName is
// seen. Called with the registry's lock held, so it must not block on
// anything that could itself call back into the registry.
type Factory func(queueName string) (Config, error)

// Registry is the one process-wide map of queue name to *Queue that
// Ingress, the admin HTTP API, and xfer/rebind all address by name rather
// than each keeping their own lookup table: scheduled
// queue registries are concurrent maps allowing lookup/insert/remove
// without blocking other queues."
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	factory Factory

	idleAfter time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRegistry starts a Registry with a background reaper that runs every
// idleAfter/4 (at least once a second) and evicts every Queue that is
// empty at that moment; how long a queue has been empty is not tracked.
// idleAfter defaults to 5 minutes if zero or negative.
func NewRegistry(factory Factory, idleAfter time.Duration) *Registry {
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}
	r := &Registry{
		queues:    make(map[string]*Queue),
		factory:   factory,
		idleAfter: idleAfter,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Insert routes msg to the named queue, creating it on first use.
func (r *Registry) Insert(queueName string, msg *message.Message, reason InsertContext) error {
	q, err := r.getOrCreate(queueName)
	if err != nil {
		return err
	}
	return q.Insert(msg, reason)
}

// RebindAll applies mutate to every message currently held in queueName,
// moving any message whose post-mutate GetQueueName differs into the
// Queue that actually owns the new name (via Insert, so a changed
// destination is never left misfiled under queueName). Returns
// immediately, doing nothing, if queueName has no live Queue.
func (r *Registry) RebindAll(ctx context.Context, queueName string, loadMsg func(id.SpoolId) (*message.Message, error), mutate func(*message.Message) error, alwaysFlush bool) error {
	q, ok := r.Get(queueName)
	if !ok {
		return nil
	}
	return q.RebindAll(ctx, loadMsg, mutate, alwaysFlush, func(after string, msg *message.Message) error {
		return r.Insert(after, msg, InsertRebound)
	})
}

// XferAll drains every message currently queued under queueName and
// re-inserts it into the synthetic "<url>.xfer.kumomta.internal" queue
// used for staging a transfer to another node.
// Returns the number of messages moved; 0 if queueName has no live
// Queue.
func (r *Registry) XferAll(queueName, url string, loadMsg func(id.SpoolId) (*message.Message, error)) (int, error) {
	q, ok := r.Get(queueName)
	if !ok {
		return 0, nil
	}
	msgs, err := q.XferAll(loadMsg)
	if err != nil {
		return 0, err
	}
	dest := url + xferQueueSuffix
	for _, msg := range msgs {
		if err := r.Insert(dest, msg, InsertTransferred); err != nil {
			return 0, fmt.Errorf("schedq registry: xfer into %q: %w", dest, err)
		}
	}
	return len(msgs), nil
}

// CancelXferAll restores every message staged in the xfer queue named
// xferQueueName back to its origin queue and original due time, reading
// the reserved xfer_origin_queue/xfer_origin_due meta keys XferAll
// stashed. xferQueueName must name the staging queue itself (e.g.
// "https://dest.example/inject.xfer.kumomta.internal"), not the
// original source queue, since one xfer queue may have accumulated
// messages transferred from several sources. Returns the number of
// messages restored; 0 if xferQueueName has no live Queue.
func (r *Registry) CancelXferAll(xferQueueName string, loadMsg func(id.SpoolId) (*message.Message, error)) (int, error) {
	xq, ok := r.Get(xferQueueName)
	if !ok {
		return 0, nil
	}
	// Drain directly rather than through xq.XferAll, which would overwrite
	// xfer_origin_queue/xfer_origin_due with the staging queue's own.
	var msgs []*message.Message
	for _, entry := range xq.cfg.Strategy.DrainAll() {
		msg, err := loadMsg(entry.ID)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}

	restored := 0
	for _, msg := range msgs {
		originRaw, err := msg.GetMeta("xfer_origin_queue")
		if err != nil {
			continue
		}
		origin, ok := originRaw.(string)
		if !ok || origin == "" {
			continue
		}
		dest, err := r.getOrCreate(origin)
		if err != nil {
			continue
		}
		CancelXferAll(dest, []*message.Message{msg})
		restored++
	}
	return restored, nil
}

// Get returns the live Queue for name, if one currently exists. Used by
// the admin inspect-sched-q endpoint, which should not instantiate a
// queue that has nothing in it.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	return q, ok
}

// Ensure returns the live Queue for name, creating it via the registry's
// Factory on first use. Unlike Get, it never reports "doesn't exist" -
// callers that need a Scheduler to hand to a newly-created ReadyQueue
// (readyq.Config.Scheduler takes a *Queue directly, not a queue name) use
// this instead of Get so the two registries agree on the same underlying
// Queue instance for a given name.
func (r *Registry) Ensure(name string) (*Queue, error) {
	return r.getOrCreate(name)
}

// Names returns every currently live queue name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	return out
}

func (r *Registry) getOrCreate(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q, nil
	}
	cfg, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("schedq registry: build config for %q: %w", name, err)
	}
	cfg.Name = name
	q := New(cfg)
	r.queues[name] = q
	return q, nil
}

func (r *Registry) reapLoop() {
	defer close(r.done)

	interval := r.idleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.reapOnce()
		case <-r.stop:
			return
		}
	}
}

// reapOnce evicts every currently-empty queue. Unlike ReadyQueue's idle
// window (which waits out a grace period so a connection pool is not torn
// down and rebuilt on every lull), a ScheduledQueue holds no resources
// beyond its Strategy's in-memory entries, so emptiness alone (via
// TryReap's own re-check) is sufficient.
func (r *Registry) reapOnce() {
	r.mu.Lock()
	candidates := make(map[string]*Queue, len(r.queues))
	for name, q := range r.queues {
		candidates[name] = q
	}
	r.mu.Unlock()

	for name, q := range candidates {
		if q.TryReap() {
			r.mu.Lock()
			delete(r.queues, name)
			r.mu.Unlock()
		}
	}
}

// Close stops the reaper and every live Queue's maintainer goroutine.
func (r *Registry) Close() {
	close(r.stop)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.Close()
	}
	r.queues = make(map[string]*Queue)
}
