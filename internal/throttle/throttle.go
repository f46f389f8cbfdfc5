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

// Package throttle implements the Generic Cell Rate Algorithm: a single
// stored "theoretical arrival time" per cell gives the
// same leaky-bucket-with-burst semantics as a token bucket without needing
// a background refill goroutine per key. Two interchangeable Limiter
// backends are provided - MemoryStore for a single process and RedisStore
// for a cell shared across nodes - and both must agree on the formula so
// that switching backends never changes observable throttling behavior.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of a single Throttle call.
type Result struct {
	// Limited is true when the request must be rejected/delayed.
	Limited bool
	// Remaining is the number of additional requests the cell could admit
	// right now without being limited.
	Remaining int64
	// RetryAfter is how long the caller should wait before the request
	// would have been admitted. Zero when Limited is false.
	RetryAfter time.Duration
	// ResetAfter is how long until the cell returns to fully empty.
	ResetAfter time.Duration
}

// Limiter is a GCRA cell store. Implementations must be safe for
// concurrent use from multiple goroutines (and, for RedisStore, multiple
// processes).
type Limiter interface {
	// Throttle evaluates quantity units of demand against a cell
	// identified by key, with the given limit/period/maxBurst
	// parameters. The same (key, limit, period, maxBurst) must always
	// route to the same cell; calling with different parameters for the
	// same logical key is the caller's mistake, not something this
	// package papers over - see Key.
	Throttle(ctx context.Context, key string, limit int64, period time.Duration, maxBurst int64, quantity int64) (Result, error)
}

// Key folds the limiting scope and parameters into a single deterministic
// string so that two callers using different limit/period/maxBurst values
// for what looks like the same name never collide on one stored cell, and
// so a config change naturally starts a fresh cell rather than reusing
// stale accounting from the old parameters.
func Key(scope string, limit int64, period time.Duration, maxBurst int64) string {
	return fmt.Sprintf("%s\x00%d\x00%d\x00%d", scope, limit, int64(period), maxBurst)
}

// gcra computes the new theoretical arrival time and admission result for
// one request against a cell whose previously stored TAT is tat (the zero
// Time if the cell has never been touched). It is the single source of
// truth for the algorithm; MemoryStore calls it directly and RedisStore's
// Lua script implements the same arithmetic so both backends agree.
func gcra(now time.Time, tat time.Time, limit, period, maxBurst, quantity int64) (newTAT time.Time, res Result) {
	if limit <= 0 {
		return tat, Result{Limited: true}
	}

	emissionInterval := time.Duration(int64(period) / limit)
	burstOffset := emissionInterval * time.Duration(maxBurst)

	if tat.Before(now) {
		tat = now
	}

	increment := emissionInterval * time.Duration(quantity)
	candidateTAT := tat.Add(increment)
	allowAt := candidateTAT.Add(-burstOffset)
	diff := now.Sub(allowAt)

	if diff < 0 {
		retryAfter := -diff
		if increment > burstOffset {
			// This single request can never be admitted regardless of
			// wait, since it alone exceeds the whole burst allowance.
			retryAfter = -1
		}
		return tat, Result{
			Limited:    true,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAfter: tat.Sub(now),
		}
	}

	remaining := int64(diff / emissionInterval)
	if remaining > maxBurst {
		remaining = maxBurst
	}

	return candidateTAT, Result{
		Limited:    false,
		Remaining:  remaining,
		ResetAfter: candidateTAT.Sub(now),
	}
}

type memCell struct {
	tat    time.Time
	expiry time.Time
}

// MemoryStore is a process-local Limiter: one mutex-protected map of
// cells, lazily created and reaped on overflow rather than by a
// background ticker.
type MemoryStore struct {
	// MaxCells bounds the map size; 0 means unbounded. When full, Throttle
	// makes one pass reaping expired cells before giving up and treating
	// the request as the policy-reject case (Limited=true).
	MaxCells int

	mu    sync.Mutex
	cells map[string]*memCell
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(maxCells int) *MemoryStore {
	return &MemoryStore{
		MaxCells: maxCells,
		cells:    make(map[string]*memCell),
	}
}

func (m *MemoryStore) Throttle(_ context.Context, key string, limit int64, period time.Duration, maxBurst int64, quantity int64) (Result, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cell, ok := m.cells[key]
	if !ok {
		if m.MaxCells > 0 && len(m.cells) >= m.MaxCells {
			m.reapLocked(now)
			if len(m.cells) >= m.MaxCells {
				return Result{Limited: true}, nil
			}
		}
		cell = &memCell{}
		m.cells[key] = cell
	}

	newTAT, res := gcra(now, cell.tat, limit, period, maxBurst, quantity)
	if !res.Limited {
		cell.tat = newTAT
	}
	// A cell is stale once its TAT has fully drained; keep it alive a
	// little past that so a bursty-then-idle sender doesn't pay the
	// allocation cost of a fresh cell on its very next message.
	cell.expiry = now.Add(res.ResetAfter + period)

	return res, nil
}

func (m *MemoryStore) reapLocked(now time.Time) {
	for k, c := range m.cells {
		if now.After(c.expiry) {
			delete(m.cells, k)
		}
	}
}

// Close releases held cells. MemoryStore holds no goroutines or external
// resources, so this only drops references for the garbage collector.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cells = make(map[string]*memCell)
}
