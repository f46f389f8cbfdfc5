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
	"testing"

	"github.com/outflowmta/outflow/framework/errs"
	"github.com/outflowmta/outflow/framework/module"
)

func TestLocalPolicyRejectsBelowMXFloor(t *testing.T) {
	p := NewLocalPolicy(module.TLSNone, module.MX_DNSSEC).NewDelivery()

	if _, err := p.CheckMX(context.Background(), module.MXNone, "example.com", "mx1.example.com", false); err == nil {
		t.Fatal("expected rejection below MX floor")
	} else if errs.KindOf(err) != errs.KindProtocolTransient {
		t.Fatalf("expected KindProtocolTransient, got %v", errs.KindOf(err))
	}

	if _, err := p.CheckMX(context.Background(), module.MX_DNSSEC, "example.com", "mx1.example.com", true); err != nil {
		t.Fatalf("unexpected rejection at floor: %v", err)
	}
}

func TestLocalPolicyRejectsBelowTLSFloor(t *testing.T) {
	p := NewLocalPolicy(module.TLSAuthenticated, module.MXNone).NewDelivery()

	if _, err := p.CheckConn(context.Background(), module.MXNone, module.TLSEncrypted, "example.com", "mx1.example.com", tls.ConnectionState{}); err == nil {
		t.Fatal("expected rejection below TLS floor")
	}

	if _, err := p.CheckConn(context.Background(), module.MXNone, module.TLSAuthenticated, "example.com", "mx1.example.com", tls.ConnectionState{}); err != nil {
		t.Fatalf("unexpected rejection at floor: %v", err)
	}
}

func TestDNSSECPolicyRaisesMXLevelOnlyWhenAuthenticated(t *testing.T) {
	p := NewDNSSECPolicy().NewDelivery()

	lvl, err := p.CheckMX(context.Background(), module.MXNone, "example.com", "mx1.example.com", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl != module.MXNone {
		t.Fatalf("expected MXNone for non-DNSSEC lookup, got %v", lvl)
	}

	lvl, err = p.CheckMX(context.Background(), module.MXNone, "example.com", "mx1.example.com", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl != module.MX_DNSSEC {
		t.Fatalf("expected MX_DNSSEC for DNSSEC-authenticated lookup, got %v", lvl)
	}
}
