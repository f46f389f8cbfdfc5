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

package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// authenticate admits a request if it passes any one of the three
// supported methods: trusted source IP, HTTP Basic, or Bearer. A
// Config with none of TrustedIPs/BasicUsers/BearerTokens configured
// admits every request, matching an admin API left deliberately open on
// a loopback-only listener.
func (endp *Endpoint) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !endp.requiresAuth() || endp.trustedRemote(r) || endp.basicOK(r) || endp.bearerOK(r) {
			next.ServeHTTP(w, r)
			return
		}
		respondError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (endp *Endpoint) requiresAuth() bool {
	c := &endp.cfg
	return len(c.TrustedIPs) > 0 || len(c.BasicUsers) > 0 || len(c.BearerTokens) > 0
}

func (endp *Endpoint) trustedRemote(r *http.Request) bool {
	if len(endp.cfg.TrustedIPs) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range endp.cfg.TrustedIPs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (endp *Endpoint) basicOK(r *http.Request) bool {
	if len(endp.cfg.BasicUsers) == 0 {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	want, ok := endp.cfg.BasicUsers[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
}

func (endp *Endpoint) bearerOK(r *http.Request) bool {
	if len(endp.cfg.BearerTokens) == 0 {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	_, ok := endp.cfg.BearerTokens[token]
	return ok
}
