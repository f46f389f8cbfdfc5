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
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/future"
	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/framework/module"
)

// Used to override verification time in DANE-TA tests.
var verifyDANETime time.Time

// verifyDANE checks whether TLSA records require TLS use and match the
// certificate and name used by the server, per RFC 7672.
//
// overridePKIX indicates whether DANE should make server authentication
// succeed even if PKIX/X.509 verification failed or was skipped: if
// InsecureSkipVerify is set and verifyDANE returns overridePKIX=true, the
// server certificate should be trusted anyway.
func verifyDANE(recs []dns.TLSA, connState tls.ConnectionState) (overridePKIX bool, err error) {
	tlsErr := errs.WithKind(&smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "TLS is required but unsupported or failed (enforced by DANE)",
	}, errs.KindProtocolPermanent)

	// RFC 7672 §2.2: absence of records (DNSSEC-authenticated denial of
	// existence) is not itself a reason to require TLS.
	if len(recs) == 0 {
		return false, nil
	}

	if !connState.HandshakeComplete {
		return false, tlsErr
	}

	var (
		eeRecs []dns.TLSA
		taRecs []dns.TLSA
	)
	for _, rec := range recs {
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}

		switch rec.Usage {
		case 2:
			taRecs = append(taRecs, rec)
		case 3:
			eeRecs = append(eeRecs, rec)
		default:
			continue
		}
	}

	// RFC 7672 §2.1.1: authentication is not required if every record is
	// unusable.
	if len(eeRecs) == 0 && len(taRecs) == 0 {
		return false, nil
	}

	for _, rec := range eeRecs {
		if rec.Verify(connState.PeerCertificates[0]) == nil {
			// RFC 7672 §3.1.1: SAN/CN are not considered, expired
			// certificates are fine too.
			return true, nil
		}
	}

	noMatch := errs.WithKind(&smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
	}, errs.KindProtocolPermanent)

	if len(taRecs) == 0 {
		return true, noMatch
	}

	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         x509.NewCertPool(),
		CurrentTime:   verifyDANETime,
	}
	for _, cert := range connState.PeerCertificates {
		root := false
		for _, rec := range taRecs {
			if cert.IsCA && rec.Verify(cert) == nil {
				opts.Roots.AddCert(cert)
				root = true
			}
		}
		if !root {
			opts.Intermediates.AddCert(cert)
		}
	}

	if _, err := connState.PeerCertificates[0].Verify(opts); err == nil {
		return true, nil
	}

	return false, noMatch
}

// danePolicy raises tlsLevel to TLSAuthenticated when a DNSSEC-authenticated
// TLSA record for the MX matches the presented certificate, per RFC 7672.
type danePolicy struct {
	extResolver *dns.ExtResolver
	log         log.Logger
}

// NewDANEPolicy builds a DANE policy. If a DNSSEC-validating resolver cannot
// be initialized, the returned policy is a no-op rather than an error — DANE
// then simply never raises the TLS level, since it is one input
// to the security matrix rather than a hard requirement.
func NewDANEPolicy(logger log.Logger) PolicyFactory {
	extResolver, err := dns.NewExtResolver()
	if err != nil {
		logger.Error("DANE support is no-op: unable to init DNSSEC-aware resolver", err)
	}
	return &danePolicy{extResolver: extResolver, log: logger}
}

func (c *danePolicy) NewDelivery() ConnPolicy {
	return &daneDelivery{c: c}
}

type daneDelivery struct {
	c       *danePolicy
	tlsaFut *future.Future
}

func (d *daneDelivery) PrepareDomain(ctx context.Context, domain string) {}

func (d *daneDelivery) discoverTLSA(ctx context.Context, mx string) ([]dns.TLSA, error) {
	adA, rname, err := d.c.extResolver.CheckCNAMEAD(ctx, mx)
	if err != nil {
		// RFC 7672: any I/O error (including SERVFAIL) should defer
		// delivery rather than treat DANE as absent.
		return nil, err
	}
	if rname == "" {
		return nil, nil
	}
	if !adA {
		// A non-DNSSEC-authenticated A/AAAA lookup means the host cannot
		// have an authenticated TLSA record either; skip the extra query
		// unless the name is itself a CNAME worth checking.
		if rname == mx {
			d.c.log.Debugln("skipping DANE for", mx, "due to non-authenticated address records")
			return nil, nil
		}
		cnameAD, _, err := d.c.extResolver.AuthLookupCNAME(ctx, mx)
		if err != nil {
			return nil, err
		}
		if !cnameAD {
			d.c.log.Debugln("skipping DANE for", mx, "due to non-authenticated CNAME record")
			return nil, nil
		}
	}

	if rname != mx {
		ad, recs, err := d.c.extResolver.AuthLookupTLSA(ctx, "25", "tcp", rname)
		if err != nil && !dns.IsNotFound(err) {
			return nil, err
		}
		if ad && len(recs) != 0 {
			d.c.log.Debugln("using", len(recs), "DANE records at", rname, "to authenticate", mx)
			return recs, nil
		}
		d.c.log.Debugln("ignoring non-authenticated TLSA records for", rname)
	}

	ad, recs, err := d.c.extResolver.AuthLookupTLSA(ctx, "25", "tcp", mx)
	if err != nil && !dns.IsNotFound(err) {
		return nil, err
	}
	if !ad {
		d.c.log.Debugln("ignoring non-authenticated TLSA records for", mx)
		return nil, nil
	}
	return recs, nil
}

func (d *daneDelivery) PrepareConn(ctx context.Context, mx string) {
	if d.c.extResolver == nil {
		return
	}
	d.tlsaFut = future.New()
	go func() {
		d.tlsaFut.Set(d.discoverTLSA(ctx, dns.FQDN(mx)))
	}()
}

func (d *daneDelivery) CheckMX(ctx context.Context, mxLevel module.MXLevel, domain, mx string, dnssec bool) (module.MXLevel, error) {
	return module.MXNone, nil
}

func (d *daneDelivery) CheckConn(ctx context.Context, mxLevel module.MXLevel, tlsLevel module.TLSLevel, domain, mx string, tlsState tls.ConnectionState) (module.TLSLevel, error) {
	if d.c.extResolver == nil {
		return module.TLSNone, nil
	}

	recsI, err := d.tlsaFut.GetContext(ctx)
	if err != nil {
		if dns.IsNotFound(err) {
			return module.TLSNone, nil
		}
		// A resolution failure here could also mean a bogus DNSSEC
		// signature; we can't distinguish the two, so treat it as DANE
		// failure but mark it retryable.
		return module.TLSNone, errs.WithTemporary(err, true)
	}
	recs := recsI.([]dns.TLSA)

	overridePKIX, err := verifyDANE(recs, tlsState)
	if err != nil {
		return module.TLSNone, err
	}
	if overridePKIX {
		return module.TLSAuthenticated, nil
	}
	return module.TLSNone, nil
}
