package timeq

import (
	"testing"
	"time"
)

type fakeEntry struct {
	due time.Time
	val int
}

func (e *fakeEntry) Delay() time.Duration {
	return time.Until(e.due)
}

func TestWheelInsertExpired(t *testing.T) {
	t.Parallel()

	w := New()
	e := &fakeEntry{due: time.Now().Add(-time.Second), val: 1}

	expired, wasExpired := w.Insert(e)
	if !wasExpired {
		t.Fatal("expected an already-due entry to be reported expired")
	}
	if expired.(*fakeEntry).val != 1 {
		t.Errorf("wrong expired entry: %v", expired)
	}
	if w.Len() != 0 {
		t.Errorf("expired entry should not be held by the wheel, Len()=%d", w.Len())
	}
}

func TestWheelPopOrdering(t *testing.T) {
	t.Parallel()

	w := New()
	w.Insert(&fakeEntry{due: time.Now().Add(50 * time.Millisecond), val: 1})
	w.Insert(&fakeEntry{due: time.Now().Add(250 * time.Millisecond), val: 2})

	deadline := time.Now().Add(2 * time.Second)
	var seen []int
	for len(seen) < 2 && time.Now().Before(deadline) {
		res := w.Pop()
		switch {
		case len(res.Items) > 0:
			for _, it := range res.Items {
				seen = append(seen, it.(*fakeEntry).val)
			}
		case res.SleepFor > 0:
			time.Sleep(res.SleepFor)
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected entries to fire in due order [1 2], got %v", seen)
	}
}

func TestWheelCascadesFromCoarseTier(t *testing.T) {
	t.Parallel()

	w := New()
	// A delay inside the minute tier's range (at least one minute); without
	// cascading the bucket would fire up to a minute early relative to the
	// entry's real due time.
	due := time.Now().Add(61 * time.Second)
	w.Insert(&fakeEntry{due: due, val: 42})

	if got := tierFor(time.Until(due)); got == 0 {
		t.Fatalf("test setup expected a coarser-than-second tier, got tier %d", got)
	}

	deadline := time.Now().Add(70 * time.Second)
	var fired bool
	for time.Now().Before(deadline) {
		res := w.Pop()
		if len(res.Items) > 0 {
			if time.Now().Before(due.Add(-10 * time.Millisecond)) {
				t.Fatalf("entry fired before its real due time")
			}
			fired = true
			break
		}
		if res.SleepFor > 0 {
			time.Sleep(res.SleepFor)
			continue
		}
		time.Sleep(time.Millisecond)
	}

	if !fired {
		t.Fatal("entry never fired")
	}
}

func TestWheelDrain(t *testing.T) {
	t.Parallel()

	w := New()
	w.Insert(&fakeEntry{due: time.Now().Add(time.Hour), val: 1})
	w.Insert(&fakeEntry{due: time.Now().Add(24 * time.Hour), val: 2})

	if w.Len() != 2 {
		t.Fatalf("expected 2 entries held, got %d", w.Len())
	}

	drained := w.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected Drain to return 2 entries, got %d", len(drained))
	}
	if w.Len() != 0 {
		t.Errorf("expected wheel empty after Drain, Len()=%d", w.Len())
	}
}
