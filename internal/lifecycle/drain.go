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

package lifecycle

import (
	"fmt"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/readyq"
	"github.com/outflowmta/outflow/internal/schedq"
)

// DrainReadyQueues closes ready, the one process-wide readyq.Registry, and
// reinserts every message still sitting in a ready-queue FIFO back into
// its originating ScheduledQueue so a shutdown never drops mail that had
// already left the scheduled stage but had not yet been handed to a
// connection. loader reconstructs a *message.Message from the SpoolId
// alone, the same contract RebindAll/XferAll already depend on.
func DrainReadyQueues(ready *readyq.Registry, scheduled *schedq.Registry, loader func(id.SpoolId) (*message.Message, error)) error {
	leftover := ready.Close()

	var firstErr error
	for queueName, ids := range leftover {
		for _, msgID := range ids {
			msg, err := loader(msgID)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("lifecycle: reload %s for requeue: %w", msgID, err)
				}
				continue
			}
			if err := scheduled.Insert(queueName, msg, schedq.InsertRequeued); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("lifecycle: requeue %s into %s: %w", msgID, queueName, err)
				}
			}
		}
	}
	return firstErr
}
