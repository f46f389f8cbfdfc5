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

package readyq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outflowmta/outflow/internal/id"
)

// Factory builds a Config for a ReadyQueue the first time queueName is
// seen. Called with the registry's lock held, so it must not block on
// anything that could itself call back into the registry.
type Factory func(queueName string) (Config, error)

// Registry is the schedq.ReadyInserter every ScheduledQueue is wired to:
// it lazily creates one Queue per destination queue name and fans
// InsertReady calls out to the right one, so that connection pools stay
// scoped to their own queue without every caller needing to
// manage that lifecycle itself.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	factory Factory

	idleAfter time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRegistry starts a Registry with a background reaper that closes and
// drops any Queue idle for idleAfter, applied automatically rather than
// left to a caller to poll. idleAfter
// defaults to 5 minutes if zero or negative.
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

// InsertReady implements schedq.ReadyInserter.
func (r *Registry) InsertReady(_ context.Context, queueName string, msgID id.SpoolId) error {
	q, err := r.getOrCreate(queueName)
	if err != nil {
		return err
	}
	return q.Insert(msgID)
}

func (r *Registry) getOrCreate(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q, nil
	}
	cfg, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("readyq registry: build config for %q: %w", name, err)
	}
	cfg.Name = name
	q := New(cfg)
	r.queues[name] = q
	return q, nil
}

// States returns a states_snapshot for every currently live Queue.
func (r *Registry) States() []States {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]States, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q.States())
	}
	return out
}

func (r *Registry) reapLoop() {
	defer close(r.done)

	// A quarter of the idle window keeps a queue from lingering for up
	// to 2x idleAfter between checks, without polling so fast that a
	// queue with constant low-volume traffic pays reap-check overhead
	// for nothing.
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

func (r *Registry) reapOnce() {
	r.mu.Lock()
	candidates := make(map[string]*Queue, len(r.queues))
	for name, q := range r.queues {
		candidates[name] = q
	}
	r.mu.Unlock()

	for name, q := range candidates {
		if q.ReapIfIdle(r.idleAfter) {
			r.mu.Lock()
			delete(r.queues, name)
			r.mu.Unlock()
		}
	}
}

// Close stops the reaper and every live Queue. Messages still sitting in
// a Queue's FIFO are drained and returned so the caller (normally the
// lifecycle package, on shutdown) can reinsert them into their
// originating ScheduledQueue rather than losing them.
func (r *Registry) Close() map[string][]id.SpoolId {
	close(r.stop)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string][]id.SpoolId, len(r.queues))
	for name, q := range r.queues {
		q.Close()
		if leftover := q.Drain(); len(leftover) > 0 {
			pending[name] = leftover
		}
	}
	r.queues = make(map[string]*Queue)
	return pending
}
