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

// Command outflowd is the OutFlow MTA daemon: it reads a block-structured
// configuration file, wires the spool, scheduled/ready queue registries,
// the SMTP dispatcher and the ESMTP/HTTP ingress endpoints together, and
// then blocks until a termination signal asks it to drain and exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/outflowmta/outflow/framework/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "/etc/outflow/outflow.conf", "path to configuration file")
		logTargets   = flag.String("log", "stderr", "comma-separated logging target(s)")
		printVersion = flag.Bool("v", false, "print version and exit")
	)
	flag.BoolVar(&log.DefaultLogger.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if *printVersion {
		fmt.Println("outflowd", BuildInfo())
		return 0
	}

	out, err := logOutputOption(strings.Split(*logTargets, ","))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log.DefaultLogger.Out = out

	absCfg, err := filepath.Abs(*configPath)
	if err != nil {
		log.Println(err)
		return 2
	}

	d, err := newDaemon(absCfg)
	if err != nil {
		log.Println(err)
		return 2
	}

	if err := d.Start(); err != nil {
		log.Println(err)
		return 2
	}

	sig := waitForShutdownSignal()
	log.DefaultLogger.Debugf("outflowd: received %v, draining", sig)

	if err := d.Shutdown(); err != nil {
		log.Println(err)
		return 1
	}

	return 0
}

// BuildInfo is the single version line a -v invocation reports, without
// the caller needing to know how the version string itself is assembled.
func BuildInfo() string {
	return "outflowd (development build)"
}
