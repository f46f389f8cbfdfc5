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

import (
	"io"

	parser "github.com/outflowmta/outflow/framework/cfgparser"
)

// Node is the parsed form of a single configuration directive or block; see
// framework/cfgparser for the grammar (Caddyfile-derived: name args... { ... }).
type Node = parser.Node

// NodeErr formats an error annotated with node's source file and line.
func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}

// Read parses a configuration file, expanding imports, snippets, macros and
// environment variable references.
func Read(r io.Reader, location string) ([]Node, error) {
	return parser.Read(r, location)
}
