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

// Package smtp implements the ESMTP half of Ingress: an
// emersion/go-smtp Backend that normalizes, splits by destination queue,
// persists, logs a Reception record and hands each resulting Message to
// a schedq.Registry.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/disposition"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/spool"
)

// Config wires an Endpoint to its collaborators and listener set. Rather
// than a config.Map-driven Init, this is a plain struct populated
// by the daemon's own config loader; the block-structured parser this
// module's ambient stack otherwise uses has no ESMTP-specific knobs of
// its own to contribute here.
type Config struct {
	Addrs    []string
	Hostname string

	MaxMessageBytes int64
	MaxRecipients   int
	MaxHeaderBytes  int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	TLSConfig         *tls.Config
	AllowInsecureAuth bool

	// TrustedXClient lists the CIDRs XCLIENT is honored from: XCLIENT is
	// only trusted when the peer is inside one of these ranges.
	TrustedXClient []net.IPNet

	// Credentials, if non-empty, enables AUTH PLAIN against this fixed
	// username/password set. A pluggable SASL backend with mechanisms
	// beyond PLAIN is out of scope for this package.
	Credentials map[string]string

	Resolver    dns.Resolver
	Policy      policy.PolicyHost
	Scheduled   *schedq.Registry
	Disposition *disposition.Logger
	Spool       *spool.Store

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 32 * 1024 * 1024
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 20000
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 * 1024 * 1024
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Minute
	}
	if c.Resolver == nil {
		c.Resolver = dns.DefaultResolver()
	}
	if c.Policy == nil {
		c.Policy = policy.Static{}
	}
}

// Endpoint is one ESMTP listener set sharing a single go-smtp Server and
// Backend.
type Endpoint struct {
	cfg  Config
	serv *smtp.Server

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New constructs an Endpoint. Call ListenAndServe to start accepting
// connections.
func New(cfg Config) *Endpoint {
	cfg.setDefaults()

	endp := &Endpoint{cfg: cfg}
	endp.serv = smtp.NewServer(&backend{endp: endp})
	endp.serv.Domain = cfg.Hostname
	endp.serv.ReadTimeout = cfg.ReadTimeout
	endp.serv.WriteTimeout = cfg.WriteTimeout
	endp.serv.MaxMessageBytes = cfg.MaxMessageBytes
	endp.serv.MaxRecipients = cfg.MaxRecipients
	endp.serv.EnableSMTPUTF8 = true
	endp.serv.EnableREQUIRETLS = true
	endp.serv.TLSConfig = cfg.TLSConfig
	endp.serv.AllowInsecureAuth = cfg.AllowInsecureAuth || cfg.TLSConfig == nil
	endp.serv.ErrorLog = cfg.Logger

	return endp
}

// ListenAndServe opens every configured address and starts accepting
// connections; it returns once every listener has been opened, with
// serving continuing on background goroutines until Close.
func (endp *Endpoint) ListenAndServe() error {
	for _, addr := range endp.cfg.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			endp.Close()
			return fmt.Errorf("ingress/smtp: listen %s: %w", addr, err)
		}
		if len(endp.cfg.TrustedXClient) > 0 {
			ln = newTrustedListener(ln, endp.cfg.TrustedXClient)
		}

		endp.mu.Lock()
		endp.listeners = append(endp.listeners, ln)
		endp.mu.Unlock()

		endp.wg.Add(1)
		go func(ln net.Listener) {
			defer endp.wg.Done()
			if err := endp.serv.Serve(ln); err != nil {
				endp.cfg.Logger.Debugf("ingress/smtp: listener closed: %v", err)
			}
		}(ln)
	}
	return nil
}

// Close stops every listener and waits for their Serve goroutines to
// return.
func (endp *Endpoint) Close() error {
	endp.mu.Lock()
	for _, ln := range endp.listeners {
		ln.Close()
	}
	endp.mu.Unlock()

	err := endp.serv.Close()
	endp.wg.Wait()
	return err
}

type backend struct {
	endp *Endpoint
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{
		endp: b.endp,
		conn: c,
		log:  b.endp.cfg.Logger,
	}, nil
}
