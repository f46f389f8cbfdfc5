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

package config

var (
	// StateDirectory holds the spool and disposition-log data that must
	// survive across restarts.
	//
	// Must not change after initialization in cmd/outflowd/main.go.
	StateDirectory string

	// RuntimeDirectory holds transient data (PID file, control socket)
	// that should be cleared across restarts. Preferred over os.TempDir,
	// which is global and world-readable on most systems.
	//
	// Must not change after initialization in cmd/outflowd/main.go.
	RuntimeDirectory string
)
