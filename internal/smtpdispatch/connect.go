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
	"crypto/x509"
	"net"
	"sort"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/config"
	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/module"
	"github.com/outflowmta/outflow/internal/smtpconn"
	"github.com/outflowmta/outflow/internal/smtpconn/pool"
)

var smtpPort = "25"

// mxConn is one pooled connection to a recipient domain's MX, tagged with
// the security levels established when it was opened so a later message
// that carries REQUIRETLS can refuse to reuse a weaker one (reusing it would
// let an attacker force "pool poisoning" down to plaintext).
type mxConn struct {
	*smtpconn.C

	domain   string
	dnssecOk bool
	errored  bool

	reuseLimit   int
	transactions int

	mxLevel  module.MXLevel
	tlsLevel module.TLSLevel
}

func (c *mxConn) Usable() bool {
	if c.C == nil || c.transactions > c.reuseLimit || c.C.Client() == nil {
		return false
	}
	return c.C.Client().Reset() == nil
}

func (c *mxConn) Close() error {
	return c.C.Close()
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError, x509.ConstraintViolationError, x509.CertificateInvalidError, *tls.CertificateVerificationError:
		return true
	default:
		return false
	}
}

// attempt holds the state for one connection attempt to one domain, shared
// by connect/attemptMX/connectionForDomain/newConn/lookupMX. It carries
// the state one delivery attempt accumulates across MX candidates.
type attempt struct {
	d        *Dispatcher
	domain   string
	policies []ConnPolicy
}

// connect attempts STARTTLS with X.509 verification first, falling back to
// unauthenticated TLS and then plaintext as necessary.
func (a *attempt) connect(ctx context.Context, conn *mxConn, host string, tlsCfg *tls.Config) (tlsLevel module.TLSLevel, tlsErr, err error) {
	tlsLevel = module.TLSAuthenticated
	if tlsCfg != nil {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = host
	}

retry:
	_, err = conn.Connect(ctx, config.Endpoint{Host: host, Port: smtpPort}, false, nil)
	if err != nil {
		return module.TLSNone, nil, err
	}

	starttlsOk, _ := conn.Client().Extension("STARTTLS")
	if starttlsOk && tlsCfg != nil {
		if err := conn.Client().StartTLS(tlsCfg); err != nil {
			tlsErr = err

			if isVerifyError(err) && tlsLevel == module.TLSAuthenticated {
				a.d.Log.Error("TLS verify error, trying without authentication", err, "remote_server", host, "domain", conn.domain)
				tlsCfg.InsecureSkipVerify = true
				tlsLevel = module.TLSEncrypted
				conn.DirectClose()
				goto retry
			}

			a.d.Log.Error("TLS error, trying plaintext", err, "remote_server", host, "domain", conn.domain)
			tlsCfg = nil
			tlsLevel = module.TLSNone
			conn.DirectClose()
			goto retry
		}
	} else {
		tlsLevel = module.TLSNone
	}

	return tlsLevel, tlsErr, nil
}

func (a *attempt) attemptMX(ctx context.Context, conn *mxConn, record *net.MX) error {
	mxLevel := module.MXNone

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range a.policies {
		policyLevel, err := p.CheckMX(connCtx, mxLevel, conn.domain, record.Host, conn.dnssecOk)
		if err != nil {
			return err
		}
		if policyLevel > mxLevel {
			mxLevel = policyLevel
		}
		p.PrepareConn(ctx, record.Host)
	}

	tlsLevel, tlsErr, err := a.connect(connCtx, conn, record.Host, a.d.TLSConfig)
	if err != nil {
		return err
	}

	tlsState, _ := conn.Client().TLSConnectionState()
	for _, p := range a.policies {
		policyLevel, err := p.CheckConn(connCtx, mxLevel, tlsLevel, conn.domain, record.Host, tlsState)
		if err != nil {
			conn.Close()
			return errs.WithFields(err, map[string]interface{}{"tls_err": tlsErr})
		}
		if policyLevel > tlsLevel {
			tlsLevel = policyLevel
		}
	}

	conn.mxLevel = mxLevel
	conn.tlsLevel = tlsLevel
	mxLevelCnt.WithLabelValues(conn.domain, mxLevel.String()).Inc()
	tlsLevelCnt.WithLabelValues(conn.domain, tlsLevel.String()).Inc()
	return nil
}

func (a *attempt) lookupMX(ctx context.Context, domain string) (dnssecOk bool, records []*net.MX, err error) {
	if a.d.ExtResolver != nil {
		dnssecOk, records, err = a.d.ExtResolver.AuthLookupMX(ctx, domain)
	} else {
		records, err = a.d.Resolver.LookupMX(ctx, dns.FQDN(domain))
	}
	if err != nil {
		return false, nil, errs.WithKind(err, errs.KindTransport)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })

	// RFC 5321 §5.1: fall back to the domain itself when there is no MX.
	if len(records) == 0 {
		records = append(records, &net.MX{Host: domain, Pref: 0})
	}

	return dnssecOk, records, nil
}

func (a *attempt) newConn(ctx context.Context, domain string) (*mxConn, error) {
	conn := &mxConn{
		reuseLimit: a.d.ConnReuseLimit,
		C:          smtpconn.New(),
		domain:     domain,
	}
	conn.Dialer = a.d.Dialer
	conn.Log = a.d.Log
	conn.Hostname = a.d.Hostname
	conn.AddrInSMTPMsg = true
	if a.d.ConnectTimeout != 0 {
		conn.ConnectTimeout = a.d.ConnectTimeout
	}
	if a.d.CommandTimeout != 0 {
		conn.CommandTimeout = a.d.CommandTimeout
	}

	for _, p := range a.policies {
		p.PrepareDomain(ctx, domain)
	}

	dnssecOk, records, err := a.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	conn.dnssecOk = dnssecOk

	var lastErr error
	for _, record := range records {
		if record.Host == "." {
			return nil, errs.WithKind(&smtp.SMTPError{
				Code:         556,
				EnhancedCode: smtp.EnhancedCode{5, 1, 10},
				Message:      "domain does not accept email (null MX)",
			}, errs.KindProtocolPermanent)
		}

		if err := a.attemptMX(ctx, conn, record); err != nil {
			a.d.Log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		break
	}

	if conn.Client() == nil {
		kind := errs.KindTransport
		if lastErr != nil && !errs.IsTemporaryOrUnspec(lastErr) {
			kind = errs.KindProtocolPermanent
		}
		return nil, errs.WithKind(errs.WithFields(lastErr, map[string]interface{}{"domain": domain}), kind)
	}

	return conn, nil
}

// connectionForDomain returns a pooled or freshly dialed connection ready to
// accept MAIL FROM for mailFrom, enforcing requireTLS: connections
// below the required level are refused
// rather than silently downgraded, and REQUIRETLS deliveries never reuse a
// cached connection (reuse would let an attacker force a weaker one).
func (a *attempt) connectionForDomain(ctx context.Context, domain, mailFrom string, opts smtp.MailOptions, requireTLS bool) (*mxConn, error) {
	pooledConn, err := a.d.pool.Get(ctx, domain)
	if err != nil {
		return nil, err
	}

	var conn *mxConn
	if pooledConn != nil && !requireTLS {
		conn = pooledConn.(*mxConn)
	} else {
		conn, err = a.newConn(ctx, domain)
		if err != nil {
			return nil, err
		}
	}

	if requireTLS {
		if conn.tlsLevel < module.TLSAuthenticated {
			conn.Close()
			return nil, errs.WithKind(&smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 30},
				Message:      "TLS is not available or unauthenticated but required (REQUIRETLS)",
			}, errs.KindProtocolPermanent)
		}
		if conn.mxLevel < module.MX_MTASTS {
			conn.Close()
			return nil, errs.WithKind(&smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 30},
				Message:      "failed to establish MX record authenticity (REQUIRETLS)",
			}, errs.KindProtocolPermanent)
		}
	}

	if err := a.d.Limits.TakeDest(ctx, domain); err != nil {
		conn.Close()
		return nil, err
	}

	if ok, _ := conn.Client().Extension("REQUIRETLS"); a.d.RelaxedRequireTLS && !ok {
		opts.RequireTLS = false
	}

	if err := conn.Mail(ctx, mailFrom, opts); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}
