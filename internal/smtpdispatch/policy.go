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

package smtpdispatch

import (
	"context"
	"crypto/tls"
	"os"
	"runtime/debug"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mtasts"

	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/future"
	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/framework/module"
)

// ConnPolicy authenticates the MX selection and the TLS connection used for
// one delivery attempt to one domain, per the
// STARTTLS/DANE/MTA-STS matrix. A fresh ConnPolicy is obtained from a
// PolicyFactory for every domain a Dispatcher connects to.
type ConnPolicy interface {
	// PrepareDomain may start asynchronous lookups needed by CheckMX/CheckConn;
	// it runs before the MX lookup.
	PrepareDomain(ctx context.Context, domain string)

	// PrepareConn may start asynchronous lookups specific to one candidate MX
	// host; it runs before the TCP/TLS handshake to that host.
	PrepareConn(ctx context.Context, mx string)

	// CheckMX runs after PrepareDomain/PrepareConn but before connecting, and
	// may raise mxLevel or reject the candidate outright.
	CheckMX(ctx context.Context, mxLevel module.MXLevel, domain, mx string, dnssec bool) (module.MXLevel, error)

	// CheckConn runs after the TLS handshake (successful or not) and may
	// raise tlsLevel, override a failed X.509 verification, or reject the
	// connection outright.
	CheckConn(ctx context.Context, mxLevel module.MXLevel, tlsLevel module.TLSLevel, domain, mx string, tlsState tls.ConnectionState) (module.TLSLevel, error)
}

// PolicyFactory constructs one ConnPolicy per delivery attempt. Factories are
// stateful across attempts (caches, background refreshers); the ConnPolicy
// values they hand out are not.
type PolicyFactory interface {
	NewDelivery() ConnPolicy
}

// mtastsPolicy enforces RFC 8461 MTA-STS: candidate MX hosts not covered by
// the domain's published policy are rejected outright in "enforce" mode, and
// in that mode TLS with a verified certificate is required for every
// connection; in "testing" mode nothing is rejected.
type mtastsPolicy struct {
	cache     *mtasts.Cache
	mtastsGet func(context.Context, string) (*mtasts.Policy, error)
	stop      chan struct{}
	log       log.Logger
}

// NewMTASTSPolicy builds an MTA-STS policy backed by an on-disk cache at
// dir, refreshed every 12h by a background goroutine started by
// StartUpdater.
func NewMTASTSPolicy(dir string, logger log.Logger) (*mtastsPolicy, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cache := mtasts.NewFSCache(dir)
	cache.Resolver = dns.DefaultResolver()
	return &mtastsPolicy{cache: cache, mtastsGet: cache.Get, log: logger}, nil
}

// StartUpdater starts the periodic cache-refresh goroutine. Call Close to
// stop it.
func (c *mtastsPolicy) StartUpdater() {
	c.stop = make(chan struct{})
	go c.updater()
}

func (c *mtastsPolicy) updater() {
	defer func() {
		if err := recover(); err != nil {
			c.log.Printf("panic during MTA-STS update: %v\n%s", err, debug.Stack())
		}
	}()

	if err := c.cache.Refresh(); err != nil {
		c.log.Error("MTA-STS cache refresh error", err)
	}

	t := time.NewTicker(12 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.cache.Refresh(); err != nil {
				c.log.Error("MTA-STS cache refresh error", err)
			}
		case <-c.stop:
			close(c.stop)
			return
		}
	}
}

func (c *mtastsPolicy) Close() {
	if c.stop != nil {
		c.stop <- struct{}{}
	}
}

func (c *mtastsPolicy) NewDelivery() ConnPolicy {
	return &mtastsDelivery{c: c}
}

type mtastsDelivery struct {
	c         *mtastsPolicy
	policyFut *future.Future
}

func (d *mtastsDelivery) PrepareDomain(ctx context.Context, domain string) {
	d.policyFut = future.New()
	go func() {
		d.policyFut.Set(d.c.mtastsGet(ctx, domain))
	}()
}

func (d *mtastsDelivery) PrepareConn(ctx context.Context, mx string) {}

func (d *mtastsDelivery) CheckMX(ctx context.Context, mxLevel module.MXLevel, domain, mx string, dnssec bool) (module.MXLevel, error) {
	policyI, err := d.policyFut.GetContext(ctx)
	if err != nil {
		d.c.log.DebugMsg("MTA-STS unavailable", "err", err, "domain", domain)
		return module.MXNone, nil
	}
	policy := policyI.(*mtasts.Policy)

	if !policy.Match(mx) {
		if policy.Mode == mtasts.ModeEnforce {
			return module.MXNone, errs.WithKind(&smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 0},
				Message:      "MX does not match published MTA-STS policy",
			}, errs.KindProtocolPermanent)
		}
		return module.MXNone, nil
	}
	return module.MX_MTASTS, nil
}

func (d *mtastsDelivery) CheckConn(ctx context.Context, mxLevel module.MXLevel, tlsLevel module.TLSLevel, domain, mx string, tlsState tls.ConnectionState) (module.TLSLevel, error) {
	policyI, err := d.policyFut.GetContext(ctx)
	if err != nil {
		return module.TLSNone, nil
	}
	policy := policyI.(*mtasts.Policy)
	if policy.Mode != mtasts.ModeEnforce {
		return module.TLSNone, nil
	}

	if !tlsState.HandshakeComplete {
		return module.TLSNone, errs.WithKind(&smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable (MTA-STS)",
		}, errs.KindProtocolTransient)
	}
	if tlsState.VerifiedChains == nil {
		return module.TLSNone, errs.WithKind(&smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "Certificate is not trusted but MTA-STS requires authentication",
		}, errs.KindProtocolTransient)
	}
	return module.TLSNone, nil
}

// dnssecPolicy raises mxLevel to MX_DNSSEC when the MX lookup itself was
// DNSSEC-authenticated; it makes no TLS assertions of its own.
type dnssecPolicy struct{}

func NewDNSSECPolicy() PolicyFactory { return dnssecPolicy{} }

func (dnssecPolicy) NewDelivery() ConnPolicy { return dnssecDelivery{} }

type dnssecDelivery struct{}

func (dnssecDelivery) PrepareDomain(ctx context.Context, domain string) {}
func (dnssecDelivery) PrepareConn(ctx context.Context, mx string)       {}

func (dnssecDelivery) CheckMX(ctx context.Context, mxLevel module.MXLevel, domain, mx string, dnssec bool) (module.MXLevel, error) {
	if dnssec {
		return module.MX_DNSSEC, nil
	}
	return module.MXNone, nil
}

func (dnssecDelivery) CheckConn(ctx context.Context, mxLevel module.MXLevel, tlsLevel module.TLSLevel, domain, mx string, tlsState tls.ConnectionState) (module.TLSLevel, error) {
	return module.TLSNone, nil
}

// localPolicy is the admin-configured floor: deliveries must reach at least
// MinMXLevel/MinTLSLevel regardless of what remote servers advertise.
type localPolicy struct {
	MinTLSLevel module.TLSLevel
	MinMXLevel  module.MXLevel
}

func NewLocalPolicy(minTLS module.TLSLevel, minMX module.MXLevel) PolicyFactory {
	return localPolicy{MinTLSLevel: minTLS, MinMXLevel: minMX}
}

func (l localPolicy) NewDelivery() ConnPolicy { return l }

func (l localPolicy) PrepareDomain(ctx context.Context, domain string) {}
func (l localPolicy) PrepareConn(ctx context.Context, mx string)       {}

func (l localPolicy) CheckMX(ctx context.Context, mxLevel module.MXLevel, domain, mx string, dnssec bool) (module.MXLevel, error) {
	if mxLevel < l.MinMXLevel {
		return module.MXNone, errs.WithKind(&smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Failed to establish the MX record authenticity",
		}, errs.KindProtocolTransient)
	}
	return module.MXNone, nil
}

func (l localPolicy) CheckConn(ctx context.Context, mxLevel module.MXLevel, tlsLevel module.TLSLevel, domain, mx string, tlsState tls.ConnectionState) (module.TLSLevel, error) {
	if tlsLevel < l.MinTLSLevel {
		return module.TLSNone, errs.WithKind(&smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "TLS is not available or unauthenticated but required",
		}, errs.KindProtocolTransient)
	}
	return module.TLSNone, nil
}
