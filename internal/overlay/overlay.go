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

// Package overlay implements the admin overlay registry: a
// process-wide, TTL-bounded store of Bounce/Suspend/SuspendReadyQ/Rebind
// directives that the scheduled queue maintainer and ready queue dispatch
// loop consult on every wakeup. Expired entries are pruned both lazily
// (skipped during Match) and eagerly (a periodic sweep, default every
// 30s).
package overlay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outflowmta/outflow/internal/policy"
)

// Kind identifies which admin directive an Entry carries.
type Kind int

const (
	KindBounce Kind = iota
	KindSuspend
	KindSuspendReadyQ
	KindRebind
)

// Criteria is the tuple overlays are keyed by. A nil field means "any" -
// it never narrows the match. A non-nil field only matches a message
// whose corresponding value is present and equal: filters narrow,
// and the absence of a filter means "any".
type Criteria struct {
	Campaign      *string
	Tenant        *string
	Domain        *string
	RoutingDomain *string
	Queue         *string
}

// Matches implements the four-case rule verbatim:
//   - Some(requested) vs Some(value): match iff equal
//   - None requested: always matches
//   - Some(requested) vs None value: never matches
//   - None vs None: matches (covered by the "None requested" case)
func (c Criteria) Matches(campaign, tenant, domain, routingDomain, queue *string) bool {
	return matchField(c.Campaign, campaign) &&
		matchField(c.Tenant, tenant) &&
		matchField(c.Domain, domain) &&
		matchField(c.RoutingDomain, routingDomain) &&
		matchField(c.Queue, queue)
}

func matchField(requested, value *string) bool {
	if requested == nil {
		return true
	}
	if value == nil {
		return false
	}
	return *requested == *value
}

// Entry is one admin directive. Only the fields relevant to Kind are
// meaningful; the rest are zero.
type Entry struct {
	ID       string
	Kind     Kind
	Criteria Criteria

	// Bounce.
	Reason string
	Code   int

	// Suspend / SuspendReadyQ: matching messages have their due extended
	// to SuspendUntil rather than being removed.
	SuspendUntil time.Time

	// Rebind.
	MetaOverrides map[string]policy.Value
	AlwaysFlush   bool

	CreatedAt time.Time
	ExpiresAt time.Time // zero means "does not expire on its own"
}

// Registry is the process-wide overlay store. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewRegistry starts a Registry with a background sweep every interval
// (clamped to a 30s floor). Call Close to stop the sweep
// goroutine.
func NewRegistry(interval time.Duration) *Registry {
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	r := &Registry{
		entries:       make(map[string]*Entry),
		sweepInterval: interval,
		stop:          make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Insert adds an entry and returns its id, generating one via
// google/uuid if e.ID is empty. The id is what a later admin call passes
// to Cancel.
func (r *Registry) Insert(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()

	r.mu.Lock()
	r.entries[e.ID] = &e
	r.mu.Unlock()

	return e.ID
}

// Cancel removes an entry by id. It is O(1) (a single map delete) and
// idempotent: cancelling an id that is absent, or was already cancelled,
// is a no-op rather than an error.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Get returns a live (non-expired) entry by id, if present.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || r.expired(e, time.Now()) {
		return Entry{}, false
	}
	return *e, true
}

// Match returns every live entry of the given Kind whose Criteria matches
// the supplied tuple. Expired entries are skipped (lazy prune) even
// between sweeps.
func (r *Registry) Match(kind Kind, campaign, tenant, domain, routingDomain, queue *string) []Entry {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Kind != kind || r.expired(e, now) {
			continue
		}
		if e.Criteria.Matches(campaign, tenant, domain, routingDomain, queue) {
			out = append(out, *e)
		}
	}
	return out
}

// List returns every live entry of the given Kind, for admin listing
// endpoints (e.g. GET /api/admin/suspend/v1). Expired entries are
// skipped (lazy prune) even between sweeps.
func (r *Registry) List(kind Kind) []Entry {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Kind != kind || r.expired(e, now) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (r *Registry) expired(e *Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (r *Registry) sweepLoop() {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweepOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	r.mu.Lock()
	for id, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
}

// Close stops the background sweep goroutine. Safe to call more than
// once.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
