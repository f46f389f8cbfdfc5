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

import "github.com/prometheus/client_golang/prometheus"

var mxLevelCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outflow",
		Subsystem: "dispatch",
		Name:      "conns_mx_level",
		Help:      "Outbound connections established with a specific MX security level",
	},
	[]string{"domain", "level"},
)

var tlsLevelCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outflow",
		Subsystem: "dispatch",
		Name:      "conns_tls_level",
		Help:      "Outbound connections established with a specific TLS security level",
	},
	[]string{"domain", "level"},
)

func init() {
	prometheus.MustRegister(mxLevelCnt)
	prometheus.MustRegister(tlsLevelCnt)
}
