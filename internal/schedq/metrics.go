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

package schedq

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "outflow",
		Subsystem: "schedq",
		Name:      "length",
		Help:      "Number of messages currently held in a scheduled queue",
	},
	[]string{"queue"},
)

func init() {
	prometheus.MustRegister(queuedMsgs)
}
