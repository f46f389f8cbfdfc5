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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/outflowmta/outflow/internal/overlay"
)

func TestRegistryCreatesOneQueuePerName(t *testing.T) {
	st := newTestSpool(t)
	overlays := overlay.NewRegistry(time.Minute)
	ready := newFakeReady()
	bouncer := newFakeBouncer()

	var mu sync.Mutex
	built := map[string]int{}

	reg := NewRegistry(func(name string) (Config, error) {
		mu.Lock()
		built[name]++
		mu.Unlock()
		return Config{
			Strategy: NewTimerWheelStrategy(),
			Spool:    st,
			Overlays: overlays,
			Retry:    RetryPolicy{},
			Ready:    ready,
			Bounce:   bouncer,
		}, nil
	}, time.Hour)
	defer reg.Close()

	msgA := newTestMessage(t, st, time.Now())
	msgB := newTestMessage(t, st, time.Now())

	if err := reg.Insert("tenant@example.com", msgA, InsertReceived); err != nil {
		t.Fatalf("Insert msgA: %v", err)
	}
	if err := reg.Insert("tenant@example.com", msgB, InsertReceived); err != nil {
		t.Fatalf("Insert msgB: %v", err)
	}
	if err := reg.Insert("other@example.com", msgA, InsertReceived); err != nil {
		t.Fatalf("Insert into second queue: %v", err)
	}

	mu.Lock()
	if built["tenant@example.com"] != 1 {
		t.Fatalf("expected factory called once for tenant@example.com, got %d", built["tenant@example.com"])
	}
	if built["other@example.com"] != 1 {
		t.Fatalf("expected factory called once for other@example.com, got %d", built["other@example.com"])
	}
	mu.Unlock()

	q, ok := reg.Get("tenant@example.com")
	if !ok {
		t.Fatalf("expected tenant@example.com queue to exist")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 entries in tenant@example.com, got %d", q.Len())
	}

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 live queue names, got %v", names)
	}
}

func TestRegistryFactoryErrorPropagates(t *testing.T) {
	reg := NewRegistry(func(name string) (Config, error) {
		return Config{}, fmt.Errorf("no route for %s", name)
	}, time.Hour)
	defer reg.Close()

	st := newTestSpool(t)
	msg := newTestMessage(t, st, time.Now())

	if err := reg.Insert("bogus@example.com", msg, InsertReceived); err == nil {
		t.Fatalf("expected an error from a failing factory")
	}
	if _, ok := reg.Get("bogus@example.com"); ok {
		t.Fatalf("a failed factory call must not leave a queue registered")
	}
}

func TestRegistryReapsEmptyQueues(t *testing.T) {
	st := newTestSpool(t)
	overlays := overlay.NewRegistry(time.Minute)
	ready := newFakeReady()
	bouncer := newFakeBouncer()

	reg := NewRegistry(func(name string) (Config, error) {
		return Config{
			Strategy:     NewTimerWheelStrategy(),
			Spool:        st,
			Overlays:     overlays,
			Retry:        RetryPolicy{},
			Ready:        ready,
			Bounce:       bouncer,
			TickInterval: time.Millisecond,
		}, nil
	}, 50*time.Millisecond)
	defer reg.Close()

	msg := newTestMessage(t, st, time.Now())
	if err := reg.Insert("tenant@example.com", msg, InsertReceived); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case <-ready.inserted:
	case <-time.After(time.Second):
		t.Fatalf("message never promoted to ready")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get("tenant@example.com"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected empty queue to be reaped")
}
