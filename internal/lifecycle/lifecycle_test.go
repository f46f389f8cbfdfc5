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

package lifecycle

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestActivityWaitBlocksUntilAllDone(t *testing.T) {
	a := NewActivity()
	done1 := a.Begin()
	done2 := a.Begin()

	waited := make(chan struct{})
	go func() {
		a.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned before any Begin completed")
	case <-time.After(20 * time.Millisecond):
	}

	done1()

	select {
	case <-waited:
		t.Fatal("Wait returned before both Begin handles completed")
	case <-time.After(20 * time.Millisecond):
	}

	done2()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after both Begin handles completed")
	}
}

func TestActivityDoneIsIdempotent(t *testing.T) {
	a := NewActivity()
	done := a.Begin()
	done()
	done()
	a.Wait()
}

func TestShutdownSubscriptionFiresOnce(t *testing.T) {
	s := NewShutdownSubscription()
	if s.Triggered() {
		t.Fatal("new subscription reports triggered")
	}

	var fired int32
	const subscribers = 8
	results := make(chan bool, subscribers)
	for i := 0; i < subscribers; i++ {
		go func() {
			<-s.Done()
			atomic.AddInt32(&fired, 1)
			results <- true
		}()
	}

	s.Trigger()
	s.Trigger() // must not panic or double-close

	for i := 0; i < subscribers; i++ {
		select {
		case <-results:
		case <-time.After(time.Second):
			t.Fatal("subscriber never observed shutdown")
		}
	}

	if fired != subscribers {
		t.Fatalf("fired = %d, want %d", fired, subscribers)
	}
	if !s.Triggered() {
		t.Fatal("Triggered() false after Trigger()")
	}
}

func TestSupervisorStopAndWaitOrdersShutdownBeforeDrain(t *testing.T) {
	sup := NewSupervisor()
	done := sup.Activity.Begin()

	var sawShutdown int32
	finished := make(chan struct{})
	go func() {
		<-sup.Shutdown.Done()
		atomic.StoreInt32(&sawShutdown, 1)
		done()
	}()

	stopped := make(chan struct{})
	go func() {
		sup.StopAndWait()
		close(stopped)
	}()

	select {
	case <-finished:
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopAndWait never returned")
	}

	if atomic.LoadInt32(&sawShutdown) != 1 {
		t.Fatal("activity completed without observing shutdown signal")
	}
}

func TestEpochValueStaleAfterAdvance(t *testing.T) {
	sup := NewSupervisor()
	cached := &EpochValue[string]{}
	cached.Set("v1", sup.Epoch.Current())

	if cached.Stale(sup.Epoch) {
		t.Fatal("freshly-set value reported stale")
	}

	path := filepath.Join(t.TempDir(), "policy.conf")
	if err := os.WriteFile(path, []byte("accept all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sup.Epoch.Advance([]string{path}); err != nil {
		t.Fatal(err)
	}

	if !cached.Stale(sup.Epoch) {
		t.Fatal("value should be stale once the epoch advances")
	}
}
