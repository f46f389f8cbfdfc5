//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

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
	"os"
	"os/signal"
	"syscall"

	"github.com/outflowmta/outflow/framework/log"
)

// waitForShutdownSignal blocks until SIGTERM, SIGHUP or SIGINT asks
// outflowd to drain and exit, then returns that signal. A second signal
// received while the first is still being handled forces an immediate
// os.Exit(1) rather than waiting on a Shutdown that may be stuck draining
// a stalled connection.
func waitForShutdownSignal() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)

	s := <-sig

	go func() {
		forced := <-sig
		log.Printf("outflowd: forced shutdown due to signal (%v)!", forced)
		os.Exit(1)
	}()

	return s
}
