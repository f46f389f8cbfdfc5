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
	"os"
	"time"

	"github.com/outflowmta/outflow/framework/cfgparser"
	"github.com/outflowmta/outflow/framework/config"
)

// daemonConfig is the flat set of top-level directives outflowd.conf
// accepts. It deliberately stays to a single config.Map pass over global
// directives (hostname, state_dir, ...) rather than reaching for a
// module/instance system: this daemon has one spool, one set of
// registries and one of each ingress endpoint, not a graph of pluggable
// modules.
type daemonConfig struct {
	Hostname string

	SpoolDir       string
	DispositionDir string

	SMTPListen       []string
	HTTPAdminListen  []string
	RequestBodyLimit int64

	AdminBasicUser  string
	AdminBasicPass  string
	AdminBearerToken string

	MaxReady        int
	ConnectionLimit int

	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MaxAge           time.Duration

	// EgressPoolName labels every ready queue's selected source in
	// disposition records; EgressSources lists the pool's members as
	// "name:limit/period" entries (e.g. "source-a:100/24h"). Neither is
	// required: an empty EgressSources leaves source selection disabled,
	// matching every ready queue's single implicit, unthrottled source.
	EgressPoolName string
	EgressSources  []string

	PolicyFiles []string
}

// loadConfig reads and parses path with the standard
// parser.Read-then-config.Map sequence.
func loadConfig(path string) (daemonConfig, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return daemonConfig{}, nil, fmt.Errorf("outflowd: open config: %w", err)
	}
	defer f.Close()

	nodes, err := cfgparser.Read(f, path)
	if err != nil {
		return daemonConfig{}, nil, fmt.Errorf("outflowd: parse config: %w", err)
	}

	cfg := daemonConfig{}
	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("hostname", false, true, "", &cfg.Hostname)
	m.String("spool_dir", false, true, "", &cfg.SpoolDir)
	m.String("disposition_dir", false, true, "", &cfg.DispositionDir)
	m.StringList("smtp_listen", false, true, nil, &cfg.SMTPListen)
	m.StringList("http_admin_listen", false, false, nil, &cfg.HTTPAdminListen)
	m.Int64("request_body_limit", false, false, 10*1024*1024, &cfg.RequestBodyLimit)
	m.String("admin_basic_user", false, false, "", &cfg.AdminBasicUser)
	m.String("admin_basic_pass", false, false, "", &cfg.AdminBasicPass)
	m.String("admin_bearer_token", false, false, "", &cfg.AdminBearerToken)
	m.Int("max_ready", false, false, 1000, &cfg.MaxReady)
	m.Int("connection_limit", false, false, 20, &cfg.ConnectionLimit)
	m.Duration("retry_interval", false, false, 15*time.Minute, &cfg.RetryInterval)
	m.Duration("max_retry_interval", false, false, 4*time.Hour, &cfg.MaxRetryInterval)
	m.Duration("max_age", false, false, 4*24*time.Hour, &cfg.MaxAge)
	m.String("egress_pool", false, false, "", &cfg.EgressPoolName)
	m.StringList("egress_source", false, false, nil, &cfg.EgressSources)
	m.StringList("policy_file", false, false, nil, &cfg.PolicyFiles)

	if _, err := m.Process(); err != nil {
		return daemonConfig{}, nil, fmt.Errorf("outflowd: %w", err)
	}

	// configPaths feeds framework/config.Epoch.Advance: the main file
	// plus every file named by policy_file, so an on-disk edit to either
	// bumps the epoch and invalidates anything cached against it.
	configPaths := append([]string{path}, cfg.PolicyFiles...)

	return cfg, configPaths, nil
}
