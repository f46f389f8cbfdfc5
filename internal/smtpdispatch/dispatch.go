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

// Package smtpdispatch implements the SMTP Dispatcher state machine: one
// outbound delivery attempt per recipient batch, covering MX lookup,
// STARTTLS/DANE/MTA-STS negotiation, connection pooling and per-recipient
// disposition.
package smtpdispatch

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/address"
	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/limits"
	"github.com/outflowmta/outflow/internal/smtpconn/pool"
)

// Config configures a Dispatcher: the host identity it presents, its
// resolver and dialer, the outbound security policies it runs, and the
// rate/concurrency limits it observes.
type Config struct {
	Hostname  string
	LocalIP   string
	ForceIPv4 bool

	TLSConfig *tls.Config

	Resolver    dns.Resolver
	ExtResolver *dns.ExtResolver

	Policies []PolicyFactory

	Limits            *limits.Group
	RelaxedRequireTLS bool

	ConnReuseLimit int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Pool pool.Config

	Log log.Logger
}

// Dispatcher delivers one recipient batch at a time to the MX hosts of a
// single domain, pooling connections across batches, and operates
// directly on internal/message.Message rather than an abstract delivery
// interface. Fields are exported because attempt/connect.go, built
// alongside this file, reads them directly (attempt is an unexported
// helper type scoped to one delivery, not a client of this package).
type Dispatcher struct {
	Hostname string

	TLSConfig *tls.Config

	Resolver    dns.Resolver
	ExtResolver *dns.ExtResolver
	Dialer      func(ctx context.Context, network, addr string) (net.Conn, error)

	Policies          []PolicyFactory
	Limits            *limits.Group
	RelaxedRequireTLS bool

	ConnReuseLimit int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Log log.Logger

	pool *pool.P
}

// New builds a Dispatcher from cfg: a plain net.Dialer optionally pinned
// to a local address and/or forced to IPv4, and a bounded connection pool
// keyed by recipient domain.
func New(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		Hostname:          cfg.Hostname,
		TLSConfig:         cfg.TLSConfig,
		Resolver:          cfg.Resolver,
		ExtResolver:       cfg.ExtResolver,
		Policies:          cfg.Policies,
		Limits:            cfg.Limits,
		RelaxedRequireTLS: cfg.RelaxedRequireTLS,
		ConnReuseLimit:    cfg.ConnReuseLimit,
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		Log:               cfg.Log,
	}
	if d.Resolver == nil {
		d.Resolver = dns.DefaultResolver()
	}
	if d.ConnReuseLimit == 0 {
		d.ConnReuseLimit = 10
	}
	if d.Limits == nil {
		d.Limits = &limits.Group{}
	}

	dialer := (&net.Dialer{}).DialContext
	if cfg.LocalIP != "" {
		addr, err := net.ResolveTCPAddr("tcp", cfg.LocalIP+":0")
		if err != nil {
			return nil, fmt.Errorf("smtpdispatch: failed to parse local_ip: %w", err)
		}
		dialer = (&net.Dialer{LocalAddr: addr}).DialContext
	}
	if cfg.ForceIPv4 {
		inner := dialer
		dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network == "tcp" {
				network = "tcp4"
			}
			return inner(ctx, network, addr)
		}
	}
	d.Dialer = dialer

	poolCfg := cfg.Pool
	if poolCfg.MaxKeys == 0 {
		poolCfg.MaxKeys = 20000
	}
	if poolCfg.MaxConnsPerKey == 0 {
		poolCfg.MaxConnsPerKey = 10
	}
	if poolCfg.MaxConnLifetimeSec == 0 {
		poolCfg.MaxConnLifetimeSec = 150
	}
	if poolCfg.StaleKeyLifetimeSec == 0 {
		poolCfg.StaleKeyLifetimeSec = 60 * 5
	}
	d.pool = pool.New(poolCfg)

	return d, nil
}

func (d *Dispatcher) Close() error {
	d.pool.Close()
	return nil
}

func (d *Dispatcher) newAttempt(domain string) *attempt {
	policies := make([]ConnPolicy, 0, len(d.Policies))
	for _, f := range d.Policies {
		policies = append(policies, f.NewDelivery())
	}
	return &attempt{d: d, domain: domain, policies: policies}
}

// RecipientResult is the per-recipient outcome of one Deliver call: either
// the remote server accepted the recipient's copy of the message (Err ==
// nil) or it did not, with Err carrying an errs.Kind classification a
// caller can feed straight into the ScheduledQueue's retry/bounce logic.
type RecipientResult struct {
	Recipient string
	Err       error
}

// Result is everything a caller needs to turn one Deliver call into
// disposition records: the negotiated security levels (so a TransientFailure
// or Delivery record can report what was actually used) and one outcome
// per recipient that was accepted into the SMTP transaction.
type Result struct {
	Domain   string
	MXHost   string
	MXLevel  int
	TLSLevel int

	Recipients []RecipientResult
}

// Deliver runs one outbound SMTP transaction against domain, delivering
// rawBody (the message's full RFC 5322 bytes, header and body together) to
// recipients. It returns a Result describing each recipient's outcome even
// when the transaction as a whole fails outright (e.g. no recipient was
// accepted); the returned error is non-nil only when the batch could not be
// attempted at all (e.g. connection setup failed for every recipient).
//
// requireTLS mirrors the per-message REQUIRETLS SMTP extension (RFC 8689):
// when set, a connection is refused rather than reused or downgraded if it
// did not negotiate an authenticated TLS channel to an MX validated by at
// least MTA-STS.
func (d *Dispatcher) Deliver(ctx context.Context, domain, mailFrom string, recipients []string, sourceIP net.IP, requireTLS bool, rawBody []byte) (*Result, error) {
	if sourceIP == nil {
		sourceIP = net.IPv4(127, 0, 0, 1)
	}

	var sourceDomain string
	if mailFrom != "" {
		if _, domain, err := address.Split(mailFrom); err == nil {
			sourceDomain = domain
		}
	}

	if err := d.Limits.TakeMsg(ctx, sourceIP, sourceDomain); err != nil {
		return nil, errs.WithKind(&smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "high load, try again later",
		}, errs.KindProtocolTransient)
	}
	defer d.Limits.ReleaseMsg(sourceIP, sourceDomain)

	a := d.newAttempt(domain)

	conn, err := a.connectionForDomain(ctx, domain, mailFrom, smtp.MailOptions{RequireTLS: requireTLS}, requireTLS)
	if err != nil {
		return nil, err
	}

	res := &Result{Domain: domain, MXHost: conn.ServerName(), MXLevel: int(conn.mxLevel), TLSLevel: int(conn.tlsLevel)}

	var accepted []string
	for _, rcpt := range recipients {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			res.Recipients = append(res.Recipients, RecipientResult{Recipient: rcpt, Err: err})
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) > 0 {
		hdr, body, err := splitRawMessage(rawBody)
		if err != nil {
			for _, rcpt := range accepted {
				res.Recipients = append(res.Recipients, RecipientResult{Recipient: rcpt, Err: errs.WithKind(err, errs.KindInternal)})
			}
			conn.errored = true
		} else if err := conn.Data(ctx, hdr, bytes.NewReader(body)); err != nil {
			for _, rcpt := range accepted {
				res.Recipients = append(res.Recipients, RecipientResult{Recipient: rcpt, Err: err})
			}
			conn.errored = true
		} else {
			for _, rcpt := range accepted {
				res.Recipients = append(res.Recipients, RecipientResult{Recipient: rcpt, Err: nil})
			}
		}
	}

	d.closeOrReturn(conn)

	return res, nil
}

// splitRawMessage separates the RFC 5322 header block from the body so it
// can be handed to smtpconn.C.Data, which writes the two independently
// (textproto.WriteHeader followed by io.Copy of the body reader).
func splitRawMessage(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("smtpdispatch: malformed message: %w", err)
	}
	rest, err := readAll(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("smtpdispatch: malformed message: %w", err)
	}
	return hdr, rest, nil
}

func readAll(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(br); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// closeOrReturn tears down a connection that errored, exhausted its reuse
// budget, or lost its underlying client; otherwise it goes back in the
// pool for the next batch to this domain.
func (d *Dispatcher) closeOrReturn(conn *mxConn) {
	d.Limits.ReleaseDest(conn.domain)
	conn.transactions++

	if conn.C == nil || conn.transactions > d.ConnReuseLimit || conn.Client() == nil || conn.errored {
		d.Log.Debugf("disconnected from %s (errored=%v,transactions=%v)", conn.ServerName(), conn.errored, conn.transactions)
		conn.Close()
		return
	}

	d.Log.Debugf("returning connection for %s to pool", conn.ServerName())
	d.pool.Return(conn.domain, conn)
}
