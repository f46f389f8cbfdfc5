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
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/smtpdispatch"
)

type memLoader struct {
	mu     sync.Mutex
	bodies map[id.SpoolId][]byte
	metas  map[id.SpoolId]map[string]interface{}
}

func newMemLoader() *memLoader {
	return &memLoader{bodies: map[id.SpoolId][]byte{}, metas: map[id.SpoolId]map[string]interface{}{}}
}

func (l *memLoader) LoadBody(i id.SpoolId) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bodies[i], nil
}

func (l *memLoader) LoadMeta(i id.SpoolId) (map[string]interface{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]interface{}, len(l.metas[i]))
	for k, v := range l.metas[i] {
		out[k] = v
	}
	return out, nil
}

func newTestMessage(t *testing.T, loader *memLoader, recipients []string) *message.Message {
	t.Helper()
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	msg := message.NewFromParts(msgID, "sender@source.example", recipients, []byte("Subject: hi\r\n\r\nbody\r\n"), nil)

	meta, err := msg.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	body, err := msg.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}

	loader.mu.Lock()
	loader.bodies[msgID] = body
	loader.metas[msgID] = meta
	loader.mu.Unlock()

	return msg
}

type deliverFunc func(ctx context.Context, domain, mailFrom string, recipients []string, sourceIP net.IP, requireTLS bool, rawBody []byte) (*smtpdispatch.Result, error)

type fakeDispatcher struct {
	deliver deliverFunc
}

func (f *fakeDispatcher) Deliver(ctx context.Context, domain, mailFrom string, recipients []string, sourceIP net.IP, requireTLS bool, rawBody []byte) (*smtpdispatch.Result, error) {
	return f.deliver(ctx, domain, mailFrom, recipients, sourceIP, requireTLS, rawBody)
}

func allSucceed(domain string) deliverFunc {
	return func(_ context.Context, _, _ string, recipients []string, _ net.IP, _ bool, _ []byte) (*smtpdispatch.Result, error) {
		res := &smtpdispatch.Result{Domain: domain, MXHost: "mx." + domain, TLSLevel: 2}
		for _, r := range recipients {
			res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{Recipient: r})
		}
		return res, nil
	}
}

type fakeScheduler struct {
	inserted chan *message.Message
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{inserted: make(chan *message.Message, 8)}
}

func (f *fakeScheduler) Insert(msg *message.Message, _ schedq.InsertContext) error {
	f.inserted <- msg
	return nil
}

type fakeDisposition struct {
	mu        sync.Mutex
	delivered []string
	transient []string
	bounced   []string
}

func (f *fakeDisposition) Delivery(_ context.Context, _ *message.Message, recipient, _ string, _ int) {
	f.mu.Lock()
	f.delivered = append(f.delivered, recipient)
	f.mu.Unlock()
}

func (f *fakeDisposition) TransientFailure(_ context.Context, _ *message.Message, recipient string, _ error, _ time.Time) {
	f.mu.Lock()
	f.transient = append(f.transient, recipient)
	f.mu.Unlock()
}

func (f *fakeDisposition) Bounce(_ context.Context, _ *message.Message, recipient string, _ error) {
	f.mu.Lock()
	f.bounced = append(f.bounced, recipient)
	f.mu.Unlock()
}

func (f *fakeDisposition) snapshot() (delivered, transient, bounced []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...), append([]string(nil), f.transient...), append([]string(nil), f.bounced...)
}

type fakeRemover struct {
	removed chan id.SpoolId
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{removed: make(chan id.SpoolId, 8)}
}

func (f *fakeRemover) Remove(msgID id.SpoolId) error {
	f.removed <- msgID
	return nil
}

func testRetryPolicy() schedq.RetryPolicy {
	return schedq.RetryPolicy{RetryInterval: time.Minute, MaxRetryInterval: time.Hour, MaxAge: 24 * time.Hour}
}

func TestQueueDeliversAllRecipientsSuccessfully(t *testing.T) {
	loader := newMemLoader()
	msg := newTestMessage(t, loader, []string{"a@dest.example", "b@dest.example"})

	disp := &fakeDisposition{}
	remover := newFakeRemover()

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      &fakeDispatcher{deliver: allSucceed("dest.example")},
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     disp,
		SpoolRemove:     remover,
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
	})
	defer q.Close()

	if err := q.Insert(msg.ID()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case got := <-remover.removed:
		if got != msg.ID() {
			t.Fatalf("removed wrong message: got %v want %v", got, msg.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spool removal")
	}

	delivered, _, _ := disp.snapshot()
	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivery records, got %d: %v", len(delivered), delivered)
	}
}

func TestQueueRequeuesTransientFailureWithNarrowedRecipients(t *testing.T) {
	loader := newMemLoader()
	msg := newTestMessage(t, loader, []string{"ok@dest.example", "retry@dest.example"})

	disp := &fakeDisposition{}
	sched := newFakeScheduler()

	dispatcher := &fakeDispatcher{deliver: func(_ context.Context, domain, _ string, recipients []string, _ net.IP, _ bool, _ []byte) (*smtpdispatch.Result, error) {
		res := &smtpdispatch.Result{Domain: domain, MXHost: "mx." + domain}
		for _, r := range recipients {
			if r == "retry@dest.example" {
				res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{
					Recipient: r,
					Err:       &smtp.SMTPError{Code: 450, Message: "try again"},
				})
				continue
			}
			res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{Recipient: r})
		}
		return res, nil
	}}

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      dispatcher,
		Policy:          policy.Static{},
		Scheduler:       sched,
		Disposition:     disp,
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
	})
	defer q.Close()

	if err := q.Insert(msg.ID()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case requeued := <-sched.inserted:
		if got := requeued.Recipients(); len(got) != 1 || got[0] != "retry@dest.example" {
			t.Fatalf("expected narrowed recipient list [retry@dest.example], got %v", got)
		}
		if n, err := requeued.NumAttempts(); err != nil || n != 1 {
			t.Fatalf("expected attempt count 1, got %d (err=%v)", n, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeue")
	}

	delivered, transient, bounced := disp.snapshot()
	if len(delivered) != 1 || delivered[0] != "ok@dest.example" {
		t.Fatalf("expected one delivery for ok@dest.example, got %v", delivered)
	}
	if len(transient) != 1 || transient[0] != "retry@dest.example" {
		t.Fatalf("expected one transient-failure record, got %v", transient)
	}
	if len(bounced) != 0 {
		t.Fatalf("expected no bounces, got %v", bounced)
	}
}

func TestQueueBouncesPermanentFailureAndRemovesFromSpool(t *testing.T) {
	loader := newMemLoader()
	msg := newTestMessage(t, loader, []string{"reject@dest.example"})

	disp := &fakeDisposition{}
	remover := newFakeRemover()

	dispatcher := &fakeDispatcher{deliver: func(_ context.Context, domain, _ string, recipients []string, _ net.IP, _ bool, _ []byte) (*smtpdispatch.Result, error) {
		res := &smtpdispatch.Result{Domain: domain}
		for _, r := range recipients {
			res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{
				Recipient: r,
				Err:       &smtp.SMTPError{Code: 550, Message: "no such user"},
			})
		}
		return res, nil
	}}

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      dispatcher,
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     disp,
		SpoolRemove:     remover,
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
	})
	defer q.Close()

	if err := q.Insert(msg.ID()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case <-remover.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spool removal")
	}

	_, transient, bounced := disp.snapshot()
	if len(bounced) != 1 || bounced[0] != "reject@dest.example" {
		t.Fatalf("expected one bounce record, got %v", bounced)
	}
	if len(transient) != 0 {
		t.Fatalf("expected no transient-failure records, got %v", transient)
	}
}

func TestInsertReturnsErrFullAtCapacity(t *testing.T) {
	loader := newMemLoader()
	msgA := newTestMessage(t, loader, []string{"a@dest.example"})
	msgB := newTestMessage(t, loader, []string{"b@dest.example"})
	msgC := newTestMessage(t, loader, []string{"c@dest.example"})

	gate := make(chan struct{})
	dispatcher := &fakeDispatcher{deliver: func(_ context.Context, domain, _ string, recipients []string, _ net.IP, _ bool, _ []byte) (*smtpdispatch.Result, error) {
		<-gate
		res := &smtpdispatch.Result{Domain: domain}
		for _, r := range recipients {
			res.Recipients = append(res.Recipients, smtpdispatch.RecipientResult{Recipient: r})
		}
		return res, nil
	}}

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      dispatcher,
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     &fakeDisposition{},
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 1,
		MaxReady:        1,
	})
	defer func() {
		close(gate)
		q.Close()
	}()

	if err := q.Insert(msgA.ID()); err != nil {
		t.Fatalf("Insert msgA: %v", err)
	}
	// Give the sole worker a moment to pull msgA off the FIFO and block
	// inside Deliver, so the FIFO is genuinely empty (not just "about to
	// be") when msgB is inserted.
	time.Sleep(50 * time.Millisecond)

	if err := q.Insert(msgB.ID()); err != nil {
		t.Fatalf("Insert msgB: %v", err)
	}
	if err := q.Insert(msgC.ID()); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestReapIfIdleClosesAnEmptyQueue(t *testing.T) {
	loader := newMemLoader()

	q := New(Config{
		Name:            "dest.example",
		Domain:          "dest.example",
		Loader:          loader,
		Dispatcher:      &fakeDispatcher{deliver: allSucceed("dest.example")},
		Policy:          policy.Static{},
		Scheduler:       newFakeScheduler(),
		Disposition:     &fakeDisposition{},
		SpoolRemove:     newFakeRemover(),
		Retry:           testRetryPolicy(),
		ConnectionLimit: 2,
	})

	if !q.ReapIfIdle(0) {
		t.Fatal("expected an empty, idle-for-0 queue to be reaped")
	}
}
