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

// Package httpapi implements the HTTP inject API and the admin HTTP API:
// JSON-over-HTTP endpoints for submitting mail and for
// bouncing, suspending, rebinding and transferring in-flight messages,
// backed by a go-chi/chi router in the same "one Endpoint owning one
// http.Server and its listeners" shape internal/endpoint/openmetrics uses
// for its own HTTP surface.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/disposition"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/readyq"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/spool"
)

// Config wires an Endpoint to its collaborators, listener set and
// authentication policy. A plain struct populated by the daemon's own
// config loader, for the same reason internal/ingress/smtp.Config is -
// see that package's DESIGN.md entry.
type Config struct {
	Addrs []string

	// RequestBodyLimit bounds a decoded request body, including after
	// gzip/deflate inflation. Zero defaults to 32 MiB.
	RequestBodyLimit int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TrustedIPs, BasicUsers and BearerTokens are the three accepted
	// authentication methods (trusted-IP OR HTTP Basic
	// OR Bearer); any one of them succeeding admits the request.
	TrustedIPs   []net.IPNet
	BasicUsers   map[string]string
	BearerTokens map[string]struct{}

	Policy      policy.PolicyHost
	Scheduled   *schedq.Registry
	Ready       *readyq.Registry
	Overlays    *overlay.Registry
	Disposition *disposition.Logger
	Spool       *spool.Store

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.RequestBodyLimit <= 0 {
		c.RequestBodyLimit = 32 * 1024 * 1024
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Policy == nil {
		c.Policy = policy.Static{}
	}
}

// Endpoint is one HTTP listener set serving the inject and admin APIs
// from a single chi router.
type Endpoint struct {
	cfg Config
	mux *chi.Mux
	srv http.Server

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New constructs an Endpoint. Call ListenAndServe to start accepting
// connections.
func New(cfg Config) *Endpoint {
	cfg.setDefaults()

	endp := &Endpoint{cfg: cfg}
	endp.mux = chi.NewRouter()
	endp.mux.Use(middleware.Recoverer)
	endp.mux.Use(endp.authenticate)

	endp.mux.Post("/api/inject/v1", endp.handleInject)
	endp.mux.Post("/api/admin/bounce/v1", endp.handleBounce)
	endp.mux.Post("/api/admin/suspend/v1", endp.handleSuspendCreate)
	endp.mux.Get("/api/admin/suspend/v1", endp.handleSuspendList)
	endp.mux.Delete("/api/admin/suspend/v1", endp.handleSuspendCancel)
	endp.mux.Post("/api/admin/suspend-ready-q/v1", endp.handleSuspendReadyQ)
	endp.mux.Post("/api/admin/rebind/v1", endp.handleRebind)
	endp.mux.Post("/api/admin/xfer/v1", endp.handleXfer)
	endp.mux.Post("/api/admin/xfer/cancel/v1", endp.handleXferCancel)
	endp.mux.Get("/api/admin/inspect-sched-q/v1", endp.handleInspectSchedQ)
	endp.mux.Get("/api/admin/ready-q-states/v1", endp.handleReadyQStates)

	endp.srv.Handler = endp.mux
	endp.srv.ReadTimeout = cfg.ReadTimeout
	endp.srv.WriteTimeout = cfg.WriteTimeout
	endp.srv.ErrorLog = nil

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
			return fmt.Errorf("ingress/httpapi: listen %s: %w", addr, err)
		}

		endp.mu.Lock()
		endp.listeners = append(endp.listeners, ln)
		endp.mu.Unlock()

		endp.wg.Add(1)
		go func(ln net.Listener) {
			defer endp.wg.Done()
			if err := endp.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				endp.cfg.Logger.Error("ingress/httpapi: listener exited", err)
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := endp.srv.Shutdown(ctx)
	endp.wg.Wait()
	return err
}

// Handler exposes the assembled router directly, for tests that want to
// drive it with httptest without opening a real listener.
func (endp *Endpoint) Handler() http.Handler {
	return endp.mux
}
