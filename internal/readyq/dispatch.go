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
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/schedq"
)

// worker is one of ConnectionLimit goroutines draining the FIFO. Concurrency
// is bounded simply by the number of running workers, plus panic recovery
// so one broken message can never take the whole queue down with it.
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.fifo) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		msgID := q.fifo[0]
		q.fifo = q.fifo[1:]
		q.inFlight++
		readyMsgs.WithLabelValues(q.cfg.Name).Set(float64(len(q.fifo)))
		q.mu.Unlock()

		q.runProcess(msgID)

		q.mu.Lock()
		q.inFlight--
		q.lastActivity = time.Now()
		q.mu.Unlock()
	}
}

// runProcess wraps process with panic recovery: a processing bug drops
// this one message (left wherever process last put it - the FIFO, the
// ScheduledQueue, or nowhere if it already reached a terminal state)
// rather than crashing the worker pool.
func (q *Queue) runProcess(msgID id.SpoolId) {
	defer func() {
		if r := recover(); r != nil {
			q.cfg.Logger.Msg("readyq: recovered from panic processing message",
				"msg_id", msgID.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	q.process(msgID)
}

// process implements the per-message dispatch steps once a
// worker has pulled msgID off the FIFO. MX resolution, TLS/DANE/MTA-STS
// negotiation, AUTH and connection reuse (steps 4, 6, 7, 9) are entirely
// smtpdispatch.Dispatcher's responsibility; this method covers the
// ready-queue-level concerns layered on top: suspend overlays, the
// connection-rate/message-rate throttles, the whole-queue backoff after
// repeated connection failures, recipient batching, and turning each
// RecipientResult into a disposition record plus a retry-or-bounce
// decision.
func (q *Queue) process(msgID id.SpoolId) {
	ctx := context.Background()

	if q.isSuspended() {
		q.sleepJitter(1*time.Second, 3*time.Second)
		q.requeue(msgID)
		return
	}

	if until := q.currentDelay(); time.Now().Before(until) {
		q.requeue(msgID)
		return
	}

	msg, err := message.LoadFromSpool(msgID, q.cfg.Loader)
	if err != nil {
		q.cfg.Logger.Error("readyq: failed to load message", err, "msg_id", msgID.String())
		return
	}

	remaining := msg.Recipients()
	if len(remaining) == 0 {
		return
	}

	target := q.cfg.Domain
	if q.cfg.RoutingDomain != "" {
		target = q.cfg.RoutingDomain
	}

	epoch := q.cfg.Policy.Epoch()
	batchSize, err := q.cfg.Policy.RecipientBatchSize(ctx, target, epoch)
	if err != nil || batchSize <= 0 {
		batchSize = len(remaining)
	}

	body, err := msg.Body()
	if err != nil {
		q.cfg.Logger.Error("readyq: failed to load message body", err, "msg_id", msgID.String())
		return
	}

	var stillPending []string

	for start := 0; start < len(remaining); start += batchSize {
		end := start + batchSize
		if end > len(remaining) {
			end = len(remaining)
		}
		batch := remaining[start:end]

		source, ok := q.selectSource(ctx)
		if !ok {
			err := fmt.Errorf("OutFlow internal: no sources for %s pool=`%s` are eligible for selection at this time",
				target, q.poolLabel())
			for _, rcpt := range batch {
				q.cfg.Disposition.TransientFailure(ctx, msg, rcpt, err, time.Time{})
			}
			stillPending = append(stillPending, batch...)
			continue
		}
		if source != "" {
			if err := msg.SetMeta(message.MetaEgressSource, source); err != nil {
				q.cfg.Logger.Error("readyq: failed to record selected egress source", err, "msg_id", msgID.String())
			}
			if err := msg.SetMeta(message.MetaEgressPool, q.cfg.PoolName); err != nil {
				q.cfg.Logger.Error("readyq: failed to record egress pool", err, "msg_id", msgID.String())
			}
		}

		if q.throttled(ctx, "conn:"+q.cfg.Name, q.cfg.ConnRate, 1) {
			stillPending = append(stillPending, batch...)
			continue
		}
		if q.throttled(ctx, "msg:"+q.cfg.Name, q.cfg.MsgRate, int64(len(batch))) {
			stillPending = append(stillPending, batch...)
			continue
		}

		res, err := q.cfg.Dispatcher.Deliver(ctx, target, msg.EnvelopeSender(), batch, nil, false, body)
		if err != nil {
			q.recordConnFailure()
			q.cfg.Logger.Error("readyq: delivery attempt failed outright", err,
				"msg_id", msgID.String(), "domain", target)
			for _, rcpt := range batch {
				q.cfg.Disposition.TransientFailure(ctx, msg, rcpt, err, time.Time{})
			}
			stillPending = append(stillPending, batch...)
			continue
		}
		q.recordConnSuccess()

		for _, rr := range res.Recipients {
			if rr.Err == nil {
				q.cfg.Disposition.Delivery(ctx, msg, rr.Recipient, res.MXHost, res.TLSLevel)
				continue
			}
			if pending := q.classify(ctx, msg, rr.Recipient, rr.Err); pending {
				stillPending = append(stillPending, rr.Recipient)
			}
		}
	}

	if len(stillPending) == 0 {
		if q.cfg.SpoolRemove != nil {
			if err := q.cfg.SpoolRemove.Remove(msgID); err != nil {
				q.cfg.Logger.Error("readyq: failed to remove completed message from spool", err,
					"msg_id", msgID.String())
			}
		}
		return
	}

	q.requeueTransient(ctx, msg, stillPending)
}

// classify turns one recipient's delivery error into either a permanent
// bounce (logged now) or a transient failure that should be retried
// (reported back to the caller via its bool return so process can
// collect the full retry set before deciding on a single next-attempt
// delay for the whole message).
func (q *Queue) classify(ctx context.Context, msg *message.Message, recipient string, err error) (pending bool) {
	smtpErr := errs.SMTPError(err)
	if smtpErr.Code/100 == 5 || !errs.KindOf(err).Temporary() {
		q.cfg.Disposition.Bounce(ctx, msg, recipient, err)
		return false
	}
	q.cfg.Disposition.TransientFailure(ctx, msg, recipient, err, time.Time{})
	return true
}

// requeueTransient narrows msg to the recipients still needing delivery,
// advances its attempt counter once for the whole message (a single retry
// delay per message rather than per recipient), and either reschedules it
// through Scheduler or bounces the remaining recipients outright if the
// message has exceeded its retry window.
func (q *Queue) requeueTransient(ctx context.Context, msg *message.Message, pending []string) {
	created, err := msg.Created()
	if err != nil {
		q.cfg.Logger.Error("readyq: failed to read message creation time", err, "msg_id", msg.ID().String())
		created = time.Now()
	}
	age := time.Since(created)

	if q.cfg.Retry.Expired(age) {
		for _, rcpt := range pending {
			q.cfg.Disposition.Bounce(ctx, msg, rcpt, errs.WithKind(errExpired, errs.KindExpiration))
		}
		if q.cfg.SpoolRemove != nil {
			if err := q.cfg.SpoolRemove.Remove(msg.ID()); err != nil {
				q.cfg.Logger.Error("readyq: failed to remove expired message from spool", err,
					"msg_id", msg.ID().String())
			}
		}
		return
	}

	attempts, err := msg.IncrementAttempts()
	if err != nil {
		q.cfg.Logger.Error("readyq: failed to increment attempt counter", err, "msg_id", msg.ID().String())
		return
	}
	if err := msg.SetRecipients(pending); err != nil {
		q.cfg.Logger.Error("readyq: failed to narrow recipient list", err, "msg_id", msg.ID().String())
		return
	}

	nextAttempt := time.Now().Add(q.cfg.Retry.DelayForAttempt(attempts - 1))
	if err := msg.SetDue(nextAttempt); err != nil {
		q.cfg.Logger.Error("readyq: failed to set next due time", err, "msg_id", msg.ID().String())
		return
	}

	if err := q.cfg.Scheduler.Insert(msg, schedq.InsertRequeued); err != nil {
		q.cfg.Logger.Error("readyq: failed to reinsert message for retry", err, "msg_id", msg.ID().String())
	}
}

var errExpired = deadlineExceeded("readyq: message exceeded its retry window")

type deadlineExceeded string

func (d deadlineExceeded) Error() string { return string(d) }

// isSuspended reports whether a live SuspendReadyQ overlay matches this
// queue's Criteria tuple.
func (q *Queue) isSuspended() bool {
	if q.cfg.Overlays == nil {
		return false
	}
	entries := q.cfg.Overlays.Match(overlay.KindSuspendReadyQ, q.campaign, q.tenant, q.domain, q.routingDomain, queuePtr(q.cfg.Name))
	return len(entries) > 0
}

// throttled evaluates one GCRA cell, treating an unconfigured spec (zero
// Limit) or an unconfigured Limiter as always-admitted.
func (q *Queue) throttled(ctx context.Context, key string, spec RateSpec, quantity int64) bool {
	if spec.empty() || q.cfg.Throttle == nil {
		return false
	}
	res, err := q.cfg.Throttle.Throttle(ctx, key, spec.Limit, spec.Period, spec.Burst, quantity)
	if err != nil {
		return false
	}
	return res.Limited
}

// selectSource resolves which configured egress source, if any, the
// current batch dispatches through: round-robin across q.cfg.Sources,
// skipping whichever are currently over their own Rate. ok is false only
// when every configured source is throttled; a Queue with no Sources
// configured always returns ok=true with an empty name, meaning "no
// selection to record" rather than "selection failed".
func (q *Queue) selectSource(ctx context.Context) (name string, ok bool) {
	n := len(q.cfg.Sources)
	if n == 0 {
		return "", true
	}

	start := int(atomic.AddUint64(&q.srcRR, 1)-1) % n
	for i := 0; i < n; i++ {
		src := q.cfg.Sources[(start+i)%n]
		if !q.throttled(ctx, "source:"+src.Name, src.Rate, 1) {
			return src.Name, true
		}
	}
	return "", false
}

func (q *Queue) poolLabel() string {
	if q.cfg.PoolName == "" {
		return "unspecified"
	}
	return q.cfg.PoolName
}

// recordConnFailure tracks the consecutive-failure
// counter, arming a whole-queue backoff once it crosses the configured
// threshold.
func (q *Queue) recordConnFailure() {
	q.failuresMu.Lock()
	defer q.failuresMu.Unlock()
	q.consecutiveFail++
	if q.consecutiveFail >= q.cfg.ConsecutiveFailuresBeforeDelay {
		q.delayedUntil = time.Now().Add(q.cfg.FailureDelay)
	}
}

func (q *Queue) recordConnSuccess() {
	q.failuresMu.Lock()
	defer q.failuresMu.Unlock()
	q.consecutiveFail = 0
	q.delayedUntil = time.Time{}
}

func (q *Queue) currentDelay() time.Time {
	q.failuresMu.Lock()
	defer q.failuresMu.Unlock()
	return q.delayedUntil
}

// requeue puts msgID back at the tail of the FIFO, used for the
// suspend/throttle/backoff cases where the message itself was never
// attempted and needs no retry-window accounting.
func (q *Queue) requeue(msgID id.SpoolId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.fifo = append(q.fifo, msgID)
	readyMsgs.WithLabelValues(q.cfg.Name).Set(float64(len(q.fifo)))
	q.cond.Signal()
}

// sleepJitter blocks for a random duration in [min, max), waking early if
// the queue is closed in the meantime.
func (q *Queue) sleepJitter(min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-time.After(d):
	case <-q.stop:
	}
}
