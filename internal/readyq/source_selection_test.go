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
	"net"
	"testing"
	"time"

	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/smtpdispatch"
	"github.com/outflowmta/outflow/internal/throttle"
)

// TestSourceSelectionRateThrottlesASingleSource exercises a queue with one
// configured egress source whose rate is exhausted after the first
// delivery: the second message must come back as a transient failure
// instead of dispatching.
func TestSourceSelectionRateThrottlesASingleSource(t *testing.T) {
	loader := newMemLoader()
	msgA := newTestMessage(t, loader, []string{"a@dest.example"})
	msgB := newTestMessage(t, loader, []string{"b@dest.example"})

	disp := &fakeDisposition{}

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      &fakeDispatcher{deliver: allSucceed("dest.example")},
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     disp,
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
		PoolName:        "pool-a",
		Sources:         []Source{{Name: "source-a", Rate: RateSpec{Limit: 1, Period: 24 * time.Hour, Burst: 1}}},
		Throttle:        throttle.NewMemoryStore(0),
	})
	defer q.Close()

	if err := q.Insert(msgA.ID()); err != nil {
		t.Fatalf("Insert msgA: %v", err)
	}
	waitForDisposition(t, disp, 1, 0)

	if err := q.Insert(msgB.ID()); err != nil {
		t.Fatalf("Insert msgB: %v", err)
	}
	waitForDisposition(t, disp, 1, 1)

	delivered, transient, bounced := disp.snapshot()
	if len(delivered) != 1 || delivered[0] != "a@dest.example" {
		t.Fatalf("expected a@dest.example to be delivered through the unthrottled source, got %v", delivered)
	}
	if len(transient) != 1 || transient[0] != "b@dest.example" {
		t.Fatalf("expected b@dest.example to transiently fail once the sole source is exhausted, got %v", transient)
	}
	if len(bounced) != 0 {
		t.Fatalf("expected no bounces, got %v", bounced)
	}
}

// TestSourceSelectionFallsBackWithinAPool exercises a two-source pool where
// the first source is already exhausted: selection must fall back to the
// second source rather than treating the batch as failed.
func TestSourceSelectionFallsBackWithinAPool(t *testing.T) {
	loader := newMemLoader()
	msg := newTestMessage(t, loader, []string{"a@dest.example"})

	dispatcher := &fakeDispatcher{deliver: func(_ context.Context, domain, _ string, recipients []string, _ net.IP, _ bool, _ []byte) (*smtpdispatch.Result, error) {
		res := &smtpdispatch.Result{Domain: domain}
		for _, r := range recipients {
			res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{Recipient: r})
		}
		return res, nil
	}}

	disp := newCapturingDisposition()
	store := throttle.NewMemoryStore(0)

	// Pre-exhaust source-a's single-use-per-day budget before the queue
	// ever runs, so the very first batch must fall back to source-b.
	if _, err := store.Throttle(context.Background(), "source:source-a", 1, 24*time.Hour, 1, 1); err != nil {
		t.Fatalf("pre-throttle source-a: %v", err)
	}

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      dispatcher,
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     disp,
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
		PoolName:        "pool-ab",
		Sources: []Source{
			{Name: "source-a", Rate: RateSpec{Limit: 1, Period: 24 * time.Hour, Burst: 1}},
			{Name: "source-b", Rate: RateSpec{Limit: 1, Period: 24 * time.Hour, Burst: 1}},
		},
		Throttle: store,
	})
	defer q.Close()

	if err := q.Insert(msg.ID()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	delivered := disp.waitForDelivery(t)
	meta, err := delivered.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	if meta[message.MetaEgressSource] != "source-b" {
		t.Fatalf("expected fallback to source-b, got %v", meta[message.MetaEgressSource])
	}
	if meta[message.MetaEgressPool] != "pool-ab" {
		t.Fatalf("expected egress pool recorded as pool-ab, got %v", meta[message.MetaEgressPool])
	}
}

// capturingDisposition records the *message.Message handed to Delivery, so
// a test can inspect the meta a dispatch attempt wrote onto the
// loader-reconstructed Message instance rather than the caller's original.
type capturingDisposition struct {
	fakeDisposition
	delivered chan *message.Message
}

func newCapturingDisposition() *capturingDisposition {
	return &capturingDisposition{delivered: make(chan *message.Message, 8)}
}

func (c *capturingDisposition) Delivery(ctx context.Context, msg *message.Message, recipient, mxHost string, tlsLevel int) {
	c.fakeDisposition.Delivery(ctx, msg, recipient, mxHost, tlsLevel)
	c.delivered <- msg
}

func (c *capturingDisposition) waitForDelivery(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-c.delivered:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery record")
		return nil
	}
}

// TestSourceSelectionSkippedWhenNoSourcesConfigured keeps the zero-value
// behavior: a Queue with no Sources never touches egress_source/egress_pool
// meta and never consults the throttle for source selection.
func TestSourceSelectionSkippedWhenNoSourcesConfigured(t *testing.T) {
	loader := newMemLoader()
	msg := newTestMessage(t, loader, []string{"a@dest.example"})

	disp := newCapturingDisposition()
	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      &fakeDispatcher{deliver: allSucceed("dest.example")},
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     disp,
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
	})
	defer q.Close()

	if err := q.Insert(msg.ID()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	delivered := disp.waitForDelivery(t)

	meta, err := delivered.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	if _, ok := meta[message.MetaEgressSource]; ok {
		t.Fatalf("expected no egress_source meta written, got %v", meta[message.MetaEgressSource])
	}
}

func waitForDisposition(t *testing.T, disp *fakeDisposition, wantDelivered, wantTransient int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		delivered, transient, _ := disp.snapshot()
		if len(delivered) >= wantDelivered && len(transient) >= wantTransient {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	delivered, transient, bounced := disp.snapshot()
	t.Fatalf("timed out waiting for disposition records: delivered=%v transient=%v bounced=%v", delivered, transient, bounced)
}
