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

// Package readyq implements the ReadyQueue: a bounded FIFO
// of messages that are due now, drained by a pool of dispatcher workers
// whose count is the queue's connection_limit. Each Queue owns a private
// *smtpdispatch.Dispatcher (and therefore a private connection pool), so
// that "connection pools are owned by their ReadyQueue and never shared
// across queues" holds without readyq needing a second pool
// abstraction of its own.
//
// The worker pool is a buffered semaphore plus one goroutine per in-flight
// item; splitting a Dispatcher.Deliver result into accepted/failed
// recipient lists is what turns it into a retry-or-bounce decision per
// recipient.
package readyq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/smtpdispatch"
	"github.com/outflowmta/outflow/internal/throttle"
)

// Dispatcher is the seam into one recipient batch's SMTP delivery
// attempt; *smtpdispatch.Dispatcher implements it. Kept as an interface
// (rather than taking *smtpdispatch.Dispatcher directly) so the
// retry/bounce/batching logic in this package can be exercised in tests
// without a network.
type Dispatcher interface {
	Deliver(ctx context.Context, domain, mailFrom string, recipients []string, sourceIP net.IP, requireTLS bool, rawBody []byte) (*smtpdispatch.Result, error)
}

// ErrFull is returned by Insert when the queue is already holding
// max_ready messages.
var ErrFull = errors.New("readyq: queue at max_ready capacity")

// Scheduler is the seam back into whichever ScheduledQueue should own a
// message's next retry attempt after a transient per-recipient failure.
// *schedq.Queue implements it directly.
type Scheduler interface {
	Insert(msg *message.Message, reason schedq.InsertContext) error
}

// Disposition records the outcome of one recipient within one delivery
// attempt. internal/disposition implements it; nothing in this package
// inspects the return value because a logging failure must never abort
// delivery.
type Disposition interface {
	Delivery(ctx context.Context, msg *message.Message, recipient, mxHost string, tlsLevel int)
	TransientFailure(ctx context.Context, msg *message.Message, recipient string, err error, nextAttempt time.Time)
	Bounce(ctx context.Context, msg *message.Message, recipient string, err error)
}

// SpoolRemover unlinks a message from the spool once every recipient has
// reached a terminal outcome (delivered or bounced) and nothing remains
// to retry. internal/disposition implements it alongside Disposition,
// since a record must be durably logged before the spool entry it
// describes disappears.
type SpoolRemover interface {
	Remove(msgID id.SpoolId) error
}

// RateSpec configures one throttle.Limiter cell. A zero Limit disables
// the check entirely rather than blocking every request, matching
// internal/limits' "zero means unlimited" convention.
type RateSpec struct {
	Limit  int64
	Period time.Duration
	Burst  int64
}

func (r RateSpec) empty() bool { return r.Limit <= 0 }

// Source is one egress source (a sending IP/hostname identity) a ReadyQueue
// may dispatch through, each independently rate-limited. A Queue with no
// Sources configured skips selection entirely: every batch dispatches
// through the single implicit, unthrottled source it always has, exactly
// as if source selection did not exist.
type Source struct {
	Name string
	Rate RateSpec
}

// Config wires a Queue to its collaborators.
type Config struct {
	// Name is the canonical campaign:tenant@domain!routing_domain queue
	// name this ReadyQueue drains, used for disposition logging and to
	// derive the Criteria tuple SuspendReadyQ overlays match against.
	Name string

	// Domain is the recipient domain delivery is ultimately addressed
	// to; RoutingDomain, if non-empty, overrides it as the MX lookup
	// target while Domain still names the logical destination.
	Domain        string
	RoutingDomain string

	Loader      message.Loader
	Dispatcher  Dispatcher
	Overlays    *overlay.Registry
	Policy      policy.PolicyHost
	Scheduler   Scheduler
	Disposition Disposition
	SpoolRemove SpoolRemover

	Retry schedq.RetryPolicy

	// MaxReady bounds the FIFO; 0 defaults to 1000.
	MaxReady int
	// ConnectionLimit is both the worker pool size and the in-flight
	// connection cap: a message simply waits in
	// the FIFO when every worker is busy, so no separate semaphore is
	// needed beyond the pool itself. 0 defaults to 20.
	ConnectionLimit int

	// ConnRate and MsgRate gate, respectively, how often a worker may
	// open a fresh delivery transaction and how many recipients may be
	// admitted across all of them, both scoped to this queue.
	ConnRate RateSpec
	MsgRate  RateSpec
	Throttle throttle.Limiter

	// PoolName labels the Sources below in disposition records (the
	// EgressPool field); purely informational when Sources is empty.
	PoolName string
	// Sources, when non-empty, is the set of egress sources this queue
	// selects from before each batch: round-robin across whichever
	// members are not currently over their own Rate, recorded into the
	// dispatched message's egress_source/egress_pool meta. If every
	// configured source is currently throttled, the batch is treated as
	// transiently failed with no source eligible rather than dispatched.
	Sources []Source

	// ConsecutiveFailuresBeforeDelay and FailureDelay implement a
	// whole-queue backoff: once this many consecutive whole-batch connection
	// failures have been observed, every worker backs off for
	// FailureDelay before attempting another connection.
	ConsecutiveFailuresBeforeDelay int
	FailureDelay                   time.Duration

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.MaxReady <= 0 {
		c.MaxReady = 1000
	}
	if c.ConnectionLimit <= 0 {
		c.ConnectionLimit = 20
	}
	if c.ConsecutiveFailuresBeforeDelay <= 0 {
		c.ConsecutiveFailuresBeforeDelay = 5
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 30 * time.Second
	}
}

// States is the states_snapshot operation's result: a
// point-in-time view of one ReadyQueue suitable for an admin overlay
// listing or a metrics scrape.
type States struct {
	QueueName               string
	ReadyCount              int
	InFlight                int
	Suspended               bool
	ConsecutiveConnFailures int
	DelayedUntil            time.Time
}

// Queue is one ReadyQueue instance: a bounded FIFO of due message ids
// drained by a fixed-size worker pool.
type Queue struct {
	cfg Config

	campaign, tenant, domain, routingDomain *string

	mu     sync.Mutex
	cond   *sync.Cond
	fifo   []id.SpoolId
	closed bool

	inFlight     int
	lastActivity time.Time

	failuresMu      sync.Mutex
	consecutiveFail int
	delayedUntil    time.Time

	srcRR uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Queue and starts its worker pool. Call Close to stop
// it once it has been reaped or the process is shutting down.
func New(cfg Config) *Queue {
	cfg.setDefaults()

	campaign, tenant, domain, routingDomain := schedq.SplitQueueName(cfg.Name)

	q := &Queue{
		cfg:           cfg,
		campaign:      campaign,
		tenant:        tenant,
		domain:        domain,
		routingDomain: routingDomain,
		lastActivity:  time.Now(),
		stop:          make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < cfg.ConnectionLimit; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Insert places msgID at the back of the FIFO, returning ErrFull if the
// queue is already at MaxReady. It does not itself check due times or
// overlays; callers (typically a schedq.Queue's maintainer, via the
// ReadyInserter seam) are expected to insert only messages that are
// already due.
func (q *Queue) Insert(msgID id.SpoolId) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("readyq %s: insert after close", q.cfg.Name)
	}
	if len(q.fifo) >= q.cfg.MaxReady {
		return ErrFull
	}
	q.fifo = append(q.fifo, msgID)
	q.lastActivity = time.Now()
	q.cond.Signal()
	readyMsgs.WithLabelValues(q.cfg.Name).Set(float64(len(q.fifo)))
	return nil
}

// Len returns the current FIFO depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// States implements the states_snapshot operation.
func (q *Queue) States() States {
	q.mu.Lock()
	ready := len(q.fifo)
	inFlight := q.inFlight
	q.mu.Unlock()

	suspended := q.isSuspended()

	q.failuresMu.Lock()
	fails := q.consecutiveFail
	delayedUntil := q.delayedUntil
	q.failuresMu.Unlock()

	return States{
		QueueName:               q.cfg.Name,
		ReadyCount:              ready,
		InFlight:                inFlight,
		Suspended:               suspended,
		ConsecutiveConnFailures: fails,
		DelayedUntil:            delayedUntil,
	}
}

// ReapIfIdle implements the reap_if_idle operation: if the FIFO has been
// empty with no in-flight worker for at least idleFor, the Queue closes
// its worker pool and reports true so the owning registry can drop its
// reference. A Queue that is reaped while a message is in flight never
// happens, since InFlight > 0 blocks the idle check.
func (q *Queue) ReapIfIdle(idleFor time.Duration) bool {
	q.mu.Lock()
	idle := len(q.fifo) == 0 && q.inFlight == 0 && time.Since(q.lastActivity) >= idleFor
	if idle {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	if idle {
		q.wg.Wait()
	}
	return idle
}

// Close stops every worker, letting any in-flight delivery finish first.
// Messages still sitting in the FIFO are left exactly where they are;
// the caller is responsible for draining or re-inserting them elsewhere
// (the lifecycle package does this on shutdown by reinserting into the
// originating ScheduledQueue).
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
}

// Drain empties and returns the FIFO without affecting in-flight
// deliveries, used by Close's caller to hand unstarted messages back to
// their ScheduledQueue.
func (q *Queue) Drain() []id.SpoolId {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.fifo
	q.fifo = nil
	return out
}

func queuePtr(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}
