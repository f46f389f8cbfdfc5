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

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/outflowmta/outflow/framework/dns"
	fmodule "github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/framework/module"
	"github.com/outflowmta/outflow/internal/disposition"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/ingress/httpapi"
	"github.com/outflowmta/outflow/internal/ingress/smtp"
	"github.com/outflowmta/outflow/internal/lifecycle"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/readyq"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/smtpconn/pool"
	"github.com/outflowmta/outflow/internal/smtpdispatch"
	"github.com/outflowmta/outflow/internal/spool"
	"github.com/outflowmta/outflow/internal/throttle"
)

// daemon holds every long-lived collaborator outflowd wires together: the
// spool, the two queue registries, the ingress endpoints and the
// lifecycle.Supervisor coordinating shutdown across all of them. Its
// component set is fixed at compile time, so there is no module registry
// here to resolve a pluggable graph from a parsed config tree.
type daemon struct {
	cfg daemonConfig
	sup *lifecycle.Supervisor

	spool       *spool.Store
	overlays    *overlay.Registry
	disposition *disposition.Logger
	scheduled   *schedq.Registry
	ready       *readyq.Registry

	smtpEndpoint *smtp.Endpoint
	httpEndpoint *httpapi.Endpoint
}

func newDaemon(cfgPath string) (*daemon, error) {
	cfg, configPaths, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	sup := lifecycle.NewSupervisor()
	if _, _, err := sup.Epoch.Advance(configPaths); err != nil {
		return nil, fmt.Errorf("outflowd: initial config epoch: %w", err)
	}

	st, err := spool.Open(spool.Config{Dir: cfg.SpoolDir, Logger: fmodule.DefaultLogger})
	if err != nil {
		return nil, fmt.Errorf("outflowd: open spool: %w", err)
	}

	overlays := overlay.NewRegistry(time.Minute)

	// d is built up field by field rather than all at once: disp needs a
	// Reinjector that reaches d.scheduled, which does not exist yet at
	// this point, so it closes over d itself and reads d.scheduled lazily
	// at call time - the same forward-reference trick d.scheduled's own
	// factory below already relies on for d.ready.
	d := &daemon{
		cfg:      cfg,
		sup:      sup,
		spool:    st,
		overlays: overlays,
	}

	disp, err := disposition.NewLogger(disposition.Config{
		Dir:      cfg.DispositionDir,
		Hostname: cfg.Hostname,
		Reinject: &daemonReinjector{d: d},
		Logger:   fmodule.DefaultLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("outflowd: open disposition log: %w", err)
	}
	d.disposition = disp

	bouncer := &disposition.AdminBouncer{Logger: disp, Loader: st, Remove: st}

	retry := schedq.RetryPolicy{
		RetryInterval:    cfg.RetryInterval,
		MaxRetryInterval: cfg.MaxRetryInterval,
		MaxAge:           cfg.MaxAge,
	}

	egressSources, err := parseEgressSources(cfg.EgressSources)
	if err != nil {
		return nil, fmt.Errorf("outflowd: %w", err)
	}
	egressThrottle := throttle.NewMemoryStore(0)

	d.scheduled = schedq.NewRegistry(func(name string) (schedq.Config, error) {
		return schedq.Config{
			Strategy: schedq.NewTimerWheelStrategy(),
			Spool:    st,
			Overlays: overlays,
			Retry:    retry,
			Ready:    d.ready,
			Bounce:   bouncer,
			Logger:   fmodule.DefaultLogger,
		}, nil
	}, 10*time.Minute)

	resolver := dns.DefaultResolver()

	d.ready = readyq.NewRegistry(func(name string) (readyq.Config, error) {
		_, _, domain, routingDomain := schedq.SplitQueueName(name)
		domainName := domain
		if domainName == nil {
			return readyq.Config{}, fmt.Errorf("outflowd: ready queue %q has no domain component", name)
		}
		mxTarget := *domainName
		if routingDomain != nil && *routingDomain != "" {
			mxTarget = *routingDomain
		}

		scheduled, err := d.scheduled.Ensure(name)
		if err != nil {
			return readyq.Config{}, err
		}

		dispatcher, err := smtpdispatch.New(smtpdispatch.Config{
			Hostname: cfg.Hostname,
			Resolver: resolver,
			Policies: []smtpdispatch.PolicyFactory{
				smtpdispatch.NewLocalPolicy(module.TLSNone, module.MXNone),
				smtpdispatch.NewDNSSECPolicy(),
			},
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: time.Minute,
			Pool:           pool.Config{},
			Log:            fmodule.DefaultLogger,
		})
		if err != nil {
			return readyq.Config{}, err
		}

		return readyq.Config{
			Domain:          *domainName,
			RoutingDomain:   mxTarget,
			Loader:          st,
			Dispatcher:      dispatcher,
			Overlays:        overlays,
			Policy:          policy.Static{},
			Scheduler:       scheduled,
			Disposition:     disp,
			SpoolRemove:     st,
			Retry:           retry,
			MaxReady:        cfg.MaxReady,
			ConnectionLimit: cfg.ConnectionLimit,
			PoolName:        cfg.EgressPoolName,
			Sources:         egressSources,
			Throttle:        egressThrottle,
			Logger:          fmodule.DefaultLogger,
		}, nil
	}, 10*time.Minute)

	d.smtpEndpoint = smtp.New(smtp.Config{
		Addrs:       cfg.SMTPListen,
		Hostname:    cfg.Hostname,
		Resolver:    resolver,
		Policy:      policy.Static{},
		Scheduled:   d.scheduled,
		Disposition: disp,
		Spool:       st,
		Logger:      fmodule.DefaultLogger,
	})

	httpCfg := httpapi.Config{
		Addrs:            cfg.HTTPAdminListen,
		RequestBodyLimit: cfg.RequestBodyLimit,
		Policy:           policy.Static{},
		Scheduled:        d.scheduled,
		Ready:            d.ready,
		Overlays:         overlays,
		Disposition:      disp,
		Spool:            st,
		Logger:           fmodule.DefaultLogger,
	}
	if cfg.AdminBasicUser != "" {
		httpCfg.BasicUsers = map[string]string{cfg.AdminBasicUser: cfg.AdminBasicPass}
	}
	if cfg.AdminBearerToken != "" {
		httpCfg.BearerTokens = map[string]struct{}{cfg.AdminBearerToken: {}}
	}
	d.httpEndpoint = httpapi.New(httpCfg)

	return d, nil
}

// Start opens every configured listener. Each ready-queue worker and
// scheduled-queue maintainer goroutine is already running once its
// Registry's factory has created it on first use, so Start's only job is
// to start accepting new work from the outside.
func (d *daemon) Start() error {
	if err := d.smtpEndpoint.ListenAndServe(); err != nil {
		return err
	}
	if len(d.cfg.HTTPAdminListen) > 0 {
		if err := d.httpEndpoint.ListenAndServe(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown triggers the shutdown subscription so any Activity-tracked
// goroutine can begin unwinding, stops admitting new connections, waits
// for in-flight activity, drains the ready queues back into their
// scheduled queues, and only then closes the scheduled-queue registry,
// the disposition log and the spool.
func (d *daemon) Shutdown() error {
	d.sup.Shutdown.Trigger()

	if err := d.smtpEndpoint.Close(); err != nil {
		fmodule.DefaultLogger.Debugf("outflowd: smtp endpoint close: %v", err)
	}
	if len(d.cfg.HTTPAdminListen) > 0 {
		if err := d.httpEndpoint.Close(); err != nil {
			fmodule.DefaultLogger.Debugf("outflowd: http endpoint close: %v", err)
		}
	}

	d.sup.Activity.Wait()

	if err := lifecycle.DrainReadyQueues(d.ready, d.scheduled, func(msgID id.SpoolId) (*message.Message, error) {
		return message.LoadFromSpool(msgID, d.spool)
	}); err != nil {
		fmodule.DefaultLogger.Debugf("outflowd: drain ready queues: %v", err)
	}

	d.scheduled.Close()

	if err := d.disposition.Close(); err != nil {
		return fmt.Errorf("outflowd: close disposition log: %w", err)
	}
	if err := d.spool.Close(); err != nil {
		return fmt.Errorf("outflowd: close spool: %w", err)
	}
	return nil
}

// daemonReinjector implements disposition.Reinjector against the live
// spool and scheduled-queue registry, mirroring ingress/smtp's own
// persist-then-schedule sequence so a returned-mail notification enters
// the system exactly the way an Ingress-accepted message would.
type daemonReinjector struct {
	d *daemon
}

func (r *daemonReinjector) Reinject(queueName string, msg *message.Message) error {
	body, err := msg.Body()
	if err != nil {
		return err
	}
	if err := r.d.spool.StoreBody(msg.ID(), body); err != nil {
		return fmt.Errorf("outflowd: reinject: store body: %w", err)
	}
	meta, err := msg.MetaSnapshot()
	if err != nil {
		return err
	}
	if err := r.d.spool.StoreMeta(msg.ID(), meta); err != nil {
		return fmt.Errorf("outflowd: reinject: store meta: %w", err)
	}
	if err := r.d.scheduled.Insert(queueName, msg, schedq.InsertReceived); err != nil {
		return fmt.Errorf("outflowd: reinject: insert into %s: %w", queueName, err)
	}
	return nil
}

// parseEgressSources turns the egress_source directive's "name:limit/period"
// entries into readyq.Source values. An empty list is not an error: it
// means no pool is configured and every ReadyQueue dispatches through its
// single implicit, unthrottled source exactly as before this existed.
func parseEgressSources(specs []string) ([]readyq.Source, error) {
	sources := make([]readyq.Source, 0, len(specs))
	for _, spec := range specs {
		name, rate, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("egress_source %q: expected name:limit/period", spec)
		}
		limitStr, periodStr, ok := strings.Cut(rate, "/")
		if !ok {
			return nil, fmt.Errorf("egress_source %q: expected limit/period", spec)
		}
		limit, err := strconv.ParseInt(limitStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("egress_source %q: bad limit: %w", spec, err)
		}
		period, err := time.ParseDuration(periodStr)
		if err != nil {
			return nil, fmt.Errorf("egress_source %q: bad period: %w", spec, err)
		}
		sources = append(sources, readyq.Source{
			Name: name,
			Rate: readyq.RateSpec{Limit: limit, Period: period, Burst: limit},
		})
	}
	return sources, nil
}
