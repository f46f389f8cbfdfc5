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

import "time"

// RetryPolicy computes the exponential backoff schedule:
// delay_n = min(retry_interval * 2^n, max_retry_interval)
// for the n-th attempt (n >= 0), and the total accumulated age past
// which a message is considered expired.
type RetryPolicy struct {
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MaxAge           time.Duration
}

// DelayForAttempt returns delay_n for the 0-based attempt n (the delay
// added *after* attempt n, before attempt n+1): RetryInterval * 2^n,
// capped at MaxRetryInterval rather than letting it grow unbounded.
func (p RetryPolicy) DelayForAttempt(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := p.RetryInterval
	if p.MaxRetryInterval > 0 && delay > p.MaxRetryInterval {
		return p.MaxRetryInterval
	}
	for i := 0; i < n; i++ {
		delay *= 2
		if p.MaxRetryInterval > 0 && delay >= p.MaxRetryInterval {
			return p.MaxRetryInterval
		}
	}
	return delay
}

// AttemptsForAge infers how many attempts must already have elapsed for
// a message of the given age, by walking the cumulative delay sum until
// it would exceed age. Used on spool recovery, where num_attempts may be
// unknown or stale but the message's creation time is not: the
// attempt count can be inferred from
// `age` by solving the cumulative sum").
func (p RetryPolicy) AttemptsForAge(age time.Duration) int {
	var elapsed time.Duration
	n := 0
	for {
		next := p.DelayForAttempt(n)
		if elapsed+next > age {
			return n
		}
		elapsed += next
		n++
		if n > 1_000_000 {
			// RetryInterval of 0 or similar misconfiguration; bail out
			// rather than loop forever.
			return n
		}
	}
}

// Expired reports whether a message of the given age has exceeded
// MaxAge and must be bounced rather than retried again.
func (p RetryPolicy) Expired(age time.Duration) bool {
	return p.MaxAge > 0 && age >= p.MaxAge
}

// TickInterval derives the maintainer loop's wakeup interval from the
// retry interval: clamp(retry_interval / 20, 1s, 60s), unless the caller
// has set an explicit override (handled by the Queue constructor, not
// here).
func (p RetryPolicy) TickInterval() time.Duration {
	t := p.RetryInterval / 20
	if t < time.Second {
		return time.Second
	}
	if t > 60*time.Second {
		return 60 * time.Second
	}
	return t
}
