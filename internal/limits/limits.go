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

// Package limits restricts the message flow's concurrency and rate
// globally, and per source IP, per source domain and per destination
// domain, using the global/ip/source/destination scopes and the
// rate/concurrency limiter primitives in internal/limits/limiters, but
// built directly from Go values through Spec rather than a config
// directive tree, since this project's hot-reloadable shaping surface is
// the internal/policy.PolicyHost callback model, not a config DSL.
package limits

import (
	"context"
	"net"
	"time"

	"github.com/outflowmta/outflow/internal/limits/limiters"
)

// RateLimit is one token-bucket limiter spec: burst size refilled every
// Interval. A zero Burst makes the limiter a no-op, matching
// limiters.NewRate's own zero-burst convention.
type RateLimit struct {
	Burst    int
	Interval time.Duration
}

// ConcurrencyLimit caps the number of in-flight holders; zero or negative
// Max makes the limiter a no-op, matching limiters.NewSemaphore's own
// convention.
type ConcurrencyLimit struct {
	Max int
}

// ScopeSpec is the set of rate/concurrency limiters active for one scope
// (all/ip/source/destination). Every limiter in Rates and Concurrency
// applies simultaneously: MultiLimit only admits a Take once every
// wrapped limiter does.
type ScopeSpec struct {
	Rates       []RateLimit
	Concurrency []ConcurrencyLimit
}

func (s ScopeSpec) empty() bool {
	return len(s.Rates) == 0 && len(s.Concurrency) == 0
}

func (s ScopeSpec) build() []limiters.L {
	out := make([]limiters.L, 0, len(s.Rates)+len(s.Concurrency))
	for _, r := range s.Rates {
		out = append(out, limiters.NewRate(r.Burst, r.Interval))
	}
	for _, c := range s.Concurrency {
		sem := limiters.NewSemaphore(c.Max)
		out = append(out, &sem)
	}
	return out
}

// Spec configures a Group. An empty Spec produces a Group where every
// scope is unlimited.
type Spec struct {
	Global    ScopeSpec
	PerIP     ScopeSpec
	PerSource ScopeSpec
	PerDest   ScopeSpec

	// BucketTTL is how long an idle per-key bucket survives before it is
	// eligible for reaping; defaults to 1 minute.
	BucketTTL time.Duration
	// MaxBuckets caps each BucketSet's size; defaults to 20010, slightly
	// above the default max recipients-per-batch so one connection-rate
	// burst can't alone exhaust the set.
	MaxBuckets int
}

// Group is a bundle of concurrency/rate limiters scoped globally and per
// source IP, source domain and destination domain, built directly from
// a Spec rather than a module.Module/config.Map directive tree.
type Group struct {
	global limiters.MultiLimit
	ip     *limiters.BucketSet
	source *limiters.BucketSet
	dest   *limiters.BucketSet
}

// NewGroup builds a Group from spec. A scope left at its zero ScopeSpec
// degrades to "unlimited": a nil *BucketSet for ip/source/dest, or an
// empty MultiLimit (a no-op TakeContext) for global.
func NewGroup(spec Spec) *Group {
	ttl := spec.BucketTTL
	if ttl <= 0 {
		ttl = 1 * time.Minute
	}
	maxBuckets := spec.MaxBuckets
	if maxBuckets <= 0 {
		maxBuckets = 20010
	}

	g := &Group{global: limiters.MultiLimit{Wrapped: spec.Global.build()}}

	if !spec.PerIP.empty() {
		s := spec.PerIP
		g.ip = limiters.NewBucketSet(func() limiters.L {
			return &limiters.MultiLimit{Wrapped: s.build()}
		}, ttl, maxBuckets)
	}
	if !spec.PerSource.empty() {
		s := spec.PerSource
		g.source = limiters.NewBucketSet(func() limiters.L {
			return &limiters.MultiLimit{Wrapped: s.build()}
		}, ttl, maxBuckets)
	}
	if !spec.PerDest.empty() {
		s := spec.PerDest
		g.dest = limiters.NewBucketSet(func() limiters.L {
			return &limiters.MultiLimit{Wrapped: s.build()}
		}, ttl, maxBuckets)
	}

	return g
}

// TakeMsg admits one message for global/per-IP/per-source-domain
// accounting, releasing whatever it already acquired if a later scope
// blocks past the 5s timeout.
func (g *Group) TakeMsg(ctx context.Context, addr net.IP, sourceDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}

	if g.ip != nil {
		if err := g.ip.TakeContext(ctx, addr.String()); err != nil {
			g.global.Release()
			return err
		}
	}
	if g.source != nil {
		if err := g.source.TakeContext(ctx, sourceDomain); err != nil {
			g.global.Release()
			if g.ip != nil {
				g.ip.Release(addr.String())
			}
			return err
		}
	}
	return nil
}

// TakeDest admits one outbound connection attempt for per-destination
// accounting; a Group with no destination scope configured never blocks.
func (g *Group) TakeDest(ctx context.Context, domain string) error {
	if g.dest == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.dest.TakeContext(ctx, domain)
}

// ReleaseMsg is TakeMsg's inverse.
func (g *Group) ReleaseMsg(addr net.IP, sourceDomain string) {
	g.global.Release()
	if g.ip != nil {
		g.ip.Release(addr.String())
	}
	if g.source != nil {
		g.source.Release(sourceDomain)
	}
}

// ReleaseDest is TakeDest's inverse.
func (g *Group) ReleaseDest(domain string) {
	if g.dest == nil {
		return
	}
	g.dest.Release(domain)
}

// Close releases any resources the Group's bucket sets hold.
func (g *Group) Close() {
	g.global.Close()
	if g.ip != nil {
		g.ip.Close()
	}
	if g.source != nil {
		g.source.Close()
	}
	if g.dest != nil {
		g.dest.Close()
	}
}
