package schedq

import (
	"sync"
	"time"

	"github.com/ryszard/goskiplist/skiplist"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/timeq"
)

// Scheduled is one message waiting in a ScheduledQueue strategy.
type Scheduled struct {
	ID  id.SpoolId
	Due time.Time
}

// Strategy is the storage/ordering backend a ScheduledQueue delegates to.
// Three concrete variants share this one trait
// (insert/drain_due/len/strategy_name); which one a queue uses is a
// deployment-time choice, not something callers branch on.
type Strategy interface {
	Insert(entry Scheduled)
	// DrainDue removes and returns every entry whose Due <= now.
	DrainDue(now time.Time) []Scheduled
	// DrainAll removes and returns every entry regardless of due time,
	// for a Bounce overlay match.
	DrainAll() []Scheduled
	// NextWakeup reports how long until the next entry becomes due, or
	// false if the strategy holds nothing.
	NextWakeup(now time.Time) (time.Duration, bool)
	Remove(msgID id.SpoolId)
	Len() int
	Name() string
}

type wheelEntry struct {
	Scheduled
}

func (e wheelEntry) Delay() time.Duration { return time.Until(e.Due) }

// TimerWheelStrategy wraps a private timeq.Wheel per queue - the natural
// choice for a queue expected to hold a large, continuously-churning
// population of messages with widely varying due times.
type TimerWheelStrategy struct {
	wheel *timeq.Wheel

	mu      sync.Mutex
	ids     map[id.SpoolId]struct{}
	pending []Scheduled
}

func NewTimerWheelStrategy() *TimerWheelStrategy {
	return &TimerWheelStrategy{
		wheel: timeq.New(),
		ids:   make(map[id.SpoolId]struct{}),
	}
}

func (s *TimerWheelStrategy) Insert(entry Scheduled) {
	s.mu.Lock()
	s.ids[entry.ID] = struct{}{}
	s.mu.Unlock()
	s.wheel.Insert(wheelEntry{entry})
}

// DrainDue returns anything NextWakeup already popped off the wheel and
// stashed (Wheel.Pop is destructive, so a prior peek cannot simply be
// re-checked - it has to hand its findings to DrainDue instead), then
// pops the wheel itself for anything newly due.
func (s *TimerWheelStrategy) DrainDue(_ time.Time) []Scheduled {
	s.mu.Lock()
	out := s.pending
	s.pending = nil
	s.mu.Unlock()

	res := s.wheel.Pop()
	if len(res.Items) == 0 {
		return out
	}

	s.mu.Lock()
	for _, it := range res.Items {
		e := it.(wheelEntry)
		delete(s.ids, e.ID)
		out = append(out, e.Scheduled)
	}
	s.mu.Unlock()
	return out
}

// NextWakeup reports how long until the wheel next has something due.
// Because Wheel.Pop is destructive, a positive answer ("something is due
// right now") cannot just be reported - the popped entries themselves
// are stashed in s.pending for the following DrainDue to return, so
// nothing is lost between the two calls.
func (s *TimerWheelStrategy) NextWakeup(_ time.Time) (time.Duration, bool) {
	res := s.wheel.Pop()
	if len(res.Items) > 0 {
		s.mu.Lock()
		for _, it := range res.Items {
			e := it.(wheelEntry)
			delete(s.ids, e.ID)
			s.pending = append(s.pending, e.Scheduled)
		}
		s.mu.Unlock()
		return 0, true
	}
	if res.Empty {
		return 0, false
	}
	return res.SleepFor, true
}

// DrainAll empties the wheel entirely, including anything NextWakeup had
// already stashed in s.pending.
func (s *TimerWheelStrategy) DrainAll() []Scheduled {
	s.mu.Lock()
	out := s.pending
	s.pending = nil
	s.mu.Unlock()

	drained := s.wheel.Drain()

	s.mu.Lock()
	for _, it := range drained {
		e := it.(wheelEntry)
		delete(s.ids, e.ID)
		out = append(out, e.Scheduled)
	}
	s.mu.Unlock()
	return out
}

// Remove tombstones msgID so Len() stops counting it; DrainDue/NextWakeup
// are still told by the wheel to pop its bucket when the time comes, but
// the Queue layer (which tracks removed ids independently) is expected
// to discard a drained entry whose id was removed in the meantime.
func (s *TimerWheelStrategy) Remove(msgID id.SpoolId) {
	s.mu.Lock()
	delete(s.ids, msgID)
	s.mu.Unlock()
	// The wheel itself has no O(1) single-entry removal; a removed id is
	// simply dropped when its bucket fires (DrainDue filters it there is
	// no way to distinguish, so Remove here only prevents Len() from
	// over-counting - callers must also tombstone the id at the Queue
	// level to skip re-delivery). See Queue.removed.
}

func (s *TimerWheelStrategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *TimerWheelStrategy) Name() string { return "timer_wheel" }

// SkipListStrategy orders messages in a single ordered map keyed by
// (due, id), giving O(log n) insert and O(log n) pop-due via a forward
// iterator from the head. Better suited than a wheel to small queues
// where the fixed tier overhead of a wheel is wasted, or where exact
// due-time ordering (rather than bucketed approximation) matters.
type SkipListStrategy struct {
	mu   sync.Mutex
	list *skiplist.SkipList
}

type skipKey struct {
	due time.Time
	id  id.SpoolId
}

func skipLess(l, r interface{}) bool {
	a, b := l.(skipKey), r.(skipKey)
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return id.Less(a.id, b.id)
}

func NewSkipListStrategy() *SkipListStrategy {
	return &SkipListStrategy{list: skiplist.NewCustomMap(skipLess)}
}

func (s *SkipListStrategy) Insert(entry Scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.Set(skipKey{due: entry.Due, id: entry.ID}, entry)
}

func (s *SkipListStrategy) DrainDue(now time.Time) []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Scheduled
	var stale []skipKey

	it := s.list.Iterator()
	for it.Next() {
		key := it.Key().(skipKey)
		if key.due.After(now) {
			break
		}
		due = append(due, it.Value().(Scheduled))
		stale = append(stale, key)
	}
	for _, k := range stale {
		s.list.Delete(k)
	}
	return due
}

func (s *SkipListStrategy) DrainAll() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Scheduled
	var keys []skipKey

	it := s.list.Iterator()
	for it.Next() {
		all = append(all, it.Value().(Scheduled))
		keys = append(keys, it.Key().(skipKey))
	}
	for _, k := range keys {
		s.list.Delete(k)
	}
	return all
}

func (s *SkipListStrategy) NextWakeup(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.list.Iterator()
	if !it.Next() {
		return 0, false
	}
	key := it.Key().(skipKey)
	if key.due.Before(now) {
		return 0, true
	}
	return key.due.Sub(now), true
}

func (s *SkipListStrategy) Remove(msgID id.SpoolId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.list.Iterator()
	for it.Next() {
		key := it.Key().(skipKey)
		if key.id == msgID {
			s.list.Delete(key)
			return
		}
	}
}

func (s *SkipListStrategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Len()
}

func (s *SkipListStrategy) Name() string { return "skip_list" }

// SingletonTimerWheel lets many logical queues share one timeq.Wheel,
// avoiding per-queue maintainer goroutine proliferation
// when a deployment has many live queues. It is keyed by (queueName, messageID); Len/DrainDue are
// scoped to the one queueName this instance was constructed for by the
// shared underlying registry, via a per-queue counter rather than a
// per-queue wheel.
type SingletonTimerWheel struct {
	shared    *sharedWheel
	queueName string
}

// sharedWheel is the process-wide backing store; NewSingletonFamily
// returns one of these plus a constructor for per-queue views over it.
type sharedWheel struct {
	wheel *timeq.Wheel

	mu      sync.Mutex
	counts  map[string]int
	pending map[string][]Scheduled
}

type singletonEntry struct {
	Scheduled
	queueName string
	shared    *sharedWheel
}

func (e singletonEntry) Delay() time.Duration { return time.Until(e.Due) }

// NewSingletonFamily returns a constructor producing one SingletonTimerWheel
// view per queue name, all backed by the same wheel and goroutine-free
// dispatch (the caller's maintainer loop still polls it, but only one
// Wheel exists for the whole process instead of one per queue).
func NewSingletonFamily() func(queueName string) *SingletonTimerWheel {
	shared := &sharedWheel{
		wheel:   timeq.New(),
		counts:  make(map[string]int),
		pending: make(map[string][]Scheduled),
	}
	return func(queueName string) *SingletonTimerWheel {
		return &SingletonTimerWheel{shared: shared, queueName: queueName}
	}
}

func (s *SingletonTimerWheel) Insert(entry Scheduled) {
	s.shared.mu.Lock()
	s.shared.counts[s.queueName]++
	s.shared.mu.Unlock()
	s.shared.wheel.Insert(singletonEntry{Scheduled: entry, queueName: s.queueName, shared: s.shared})
}

// DrainDue first returns anything already waiting in this queue's
// pending buffer (left there by a previous DrainDue call made on behalf
// of a different queue name), then pops the shared wheel: entries
// belonging to this queue are returned directly, entries belonging to
// any other queue are stashed in that queue's pending buffer rather than
// reinserted into the wheel (a due entry has a non-positive Delay(), and
// Wheel.Insert treats that as already-expired and refuses to store it -
// so "put it back" has to mean a side buffer, not a second Insert).
// Callers are expected to call DrainDue for every live queue name each
// maintainer pass, which drains the shared wheel exactly once per
// cascade with no entry left unserved.
func (s *SingletonTimerWheel) DrainDue(now time.Time) []Scheduled {
	s.shared.mu.Lock()
	mine := s.shared.pending[s.queueName]
	delete(s.shared.pending, s.queueName)
	s.shared.mu.Unlock()

	res := s.shared.wheel.Pop()
	if len(res.Items) == 0 {
		return mine
	}

	s.shared.mu.Lock()
	for _, it := range res.Items {
		e := it.(singletonEntry)
		s.shared.counts[e.queueName]--
		if e.queueName == s.queueName {
			mine = append(mine, e.Scheduled)
		} else {
			s.shared.pending[e.queueName] = append(s.shared.pending[e.queueName], e.Scheduled)
		}
	}
	s.shared.mu.Unlock()
	return mine
}

// DrainAll drains the entire shared wheel (every queue's entries, since
// there is only one underlying Wheel), keeps what belongs to this queue,
// and redistributes the rest into their owning queues' pending buffers
// rather than losing them.
func (s *SingletonTimerWheel) DrainAll() []Scheduled {
	drained := s.shared.wheel.Drain()

	s.shared.mu.Lock()
	mine := s.shared.pending[s.queueName]
	delete(s.shared.pending, s.queueName)
	for _, it := range drained {
		e := it.(singletonEntry)
		s.shared.counts[e.queueName]--
		if e.queueName == s.queueName {
			mine = append(mine, e.Scheduled)
		} else {
			s.shared.pending[e.queueName] = append(s.shared.pending[e.queueName], e.Scheduled)
		}
	}
	s.shared.mu.Unlock()
	return mine
}

func (s *SingletonTimerWheel) NextWakeup(_ time.Time) (time.Duration, bool) {
	s.shared.mu.Lock()
	hasPending := len(s.shared.pending[s.queueName]) > 0
	s.shared.mu.Unlock()
	if hasPending {
		return 0, true
	}

	res := s.shared.wheel.Pop()
	if len(res.Items) > 0 {
		s.shared.mu.Lock()
		for _, it := range res.Items {
			e := it.(singletonEntry)
			s.shared.counts[e.queueName]--
			s.shared.pending[e.queueName] = append(s.shared.pending[e.queueName], e.Scheduled)
		}
		s.shared.mu.Unlock()
		return 0, true
	}
	if res.Empty {
		return 0, false
	}
	return res.SleepFor, true
}

func (s *SingletonTimerWheel) Remove(msgID id.SpoolId) {
	s.shared.mu.Lock()
	if s.shared.counts[s.queueName] > 0 {
		s.shared.counts[s.queueName]--
	}
	s.shared.mu.Unlock()
}

func (s *SingletonTimerWheel) Len() int {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.counts[s.queueName] + len(s.shared.pending[s.queueName])
}

func (s *SingletonTimerWheel) Name() string { return "singleton_timer_wheel" }
