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

// Package lifecycle coordinates process-wide startup and shutdown: it
// tracks outstanding work so shutdown can wait for it to drain, broadcasts
// the shutdown signal to every long-running loop, and exposes the
// configuration epoch those loops should consult before trusting a cached
// value.
package lifecycle

import (
	"sync"

	"github.com/outflowmta/outflow/framework/config"
)

// Activity tracks outstanding work the process must not exit out from
// under. Every goroutine that is mid-delivery, mid-dispatch, or otherwise
// holding state shutdown must not interrupt registers one Begin and calls
// the returned done func when it finishes, the same shape as
// internal/target/queue.Queue's deliveryWg tracks in-flight deliveries
// around a plain sync.WaitGroup.
type Activity struct {
	wg sync.WaitGroup
}

// NewActivity returns an empty Activity tracker.
func NewActivity() *Activity {
	return &Activity{}
}

// Begin registers one unit of outstanding work and returns a func to call
// when that work completes. Calling Begin after Wait has returned is a
// caller error; the supervisor must stop admitting new work (closing
// listeners, refusing new ready-queue dispatches) before it calls Wait.
func (a *Activity) Begin() (done func()) {
	a.wg.Add(1)
	once := sync.Once{}
	return func() {
		once.Do(a.wg.Done)
	}
}

// Wait blocks until every Activity handle obtained via Begin has been
// completed.
func (a *Activity) Wait() {
	a.wg.Wait()
}

// ShutdownSubscription broadcasts a single shutdown signal to every
// subscriber exactly once. Subscribers that were not yet listening when
// Trigger ran still observe the close the next time they select on Done,
// since a closed channel stays readable forever - the same semantics
// context.Context cancellation gives callers that check late.
type ShutdownSubscription struct {
	once sync.Once
	done chan struct{}
}

// NewShutdownSubscription returns a subscription that has not yet fired.
func NewShutdownSubscription() *ShutdownSubscription {
	return &ShutdownSubscription{done: make(chan struct{})}
}

// Done returns the channel loops should select on alongside their own
// work; it closes exactly once, when Trigger is first called.
func (s *ShutdownSubscription) Done() <-chan struct{} {
	return s.done
}

// Trigger broadcasts shutdown to every subscriber. Safe to call more than
// once or from more than one goroutine; only the first call has any
// effect.
func (s *ShutdownSubscription) Trigger() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Triggered reports whether Trigger has already run, without blocking.
func (s *ShutdownSubscription) Triggered() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Supervisor bundles three coordination primitives
// into the one handle a daemon's main package constructs and
// passes down to every long-running component: an Activity tracker, a
// ShutdownSubscription every loop selects on, and the config.Epoch caches
// key their validity to.
type Supervisor struct {
	Activity *Activity
	Shutdown *ShutdownSubscription
	Epoch    *config.Epoch
}

// NewSupervisor builds a Supervisor with fresh, unfired primitives.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		Activity: NewActivity(),
		Shutdown: NewShutdownSubscription(),
		Epoch:    config.NewEpoch(),
	}
}

// StopAndWait triggers the subscription, then waits for every registered
// Activity to complete before returning - the same "stop admitting work,
// then drain what's in flight" order internal/target/queue.Queue.Close
// follows around its own wheel.Close/deliveryWg.Wait pair.
func (s *Supervisor) StopAndWait() {
	s.Shutdown.Trigger()
	s.Activity.Wait()
}

// EpochValue is a cached value tagged with the config.Epoch generation it
// was computed under. Callers should re-derive the value, rather than
// trust Value, once Stale reports that the stored generation no longer
// matches epoch.Current().
type EpochValue[T any] struct {
	mu         sync.RWMutex
	generation uint64
	value      T
}

// Get returns the cached value and the generation it was populated at.
func (c *EpochValue[T]) Get() (value T, generation uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.generation
}

// Set replaces the cached value and records the generation it is now
// valid for.
func (c *EpochValue[T]) Set(value T, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.generation = generation
}

// Stale reports whether the cached value's generation no longer matches
// epoch's current generation, meaning the policy files it was derived
// from have since changed on disk.
func (c *EpochValue[T]) Stale(epoch *config.Epoch) bool {
	_, gen := c.Get()
	return gen != epoch.Current()
}
