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

package disposition

import (
	"context"
	"errors"
	"fmt"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
)

// SpoolRemover unlinks a message from the spool. *spool.Store implements
// it directly; kept as an interface here for the same reason readyq keeps
// its own copy of the same seam.
type SpoolRemover interface {
	Remove(msgID id.SpoolId) error
}

// AdminBouncer implements schedq.Bouncer: a Bounce overlay (or a max-age
// expiration caught by the maintainer before a message ever reached a
// ReadyQueue) addresses the message only by id, so its Bounce method has a
// different shape than Logger's own per-recipient Bounce method above
// (readyq.Disposition.Bounce takes an already-loaded *message.Message and
// a single recipient's error). Keeping the two on separate types avoids a
// same-name, different-signature collision on Logger while still letting
// both share the same underlying segment writer.
type AdminBouncer struct {
	Logger *Logger
	Loader message.Loader
	Remove SpoolRemover
}

// Bounce loads msg by id, records one AdminBounce per recipient, and
// unlinks it from the spool. reason is the overlay's operator-supplied
// explanation, carried verbatim into each record.
func (b *AdminBouncer) Bounce(ctx context.Context, msgID id.SpoolId, reason string) error {
	msg, err := message.LoadFromSpool(msgID, b.Loader)
	if err != nil {
		return fmt.Errorf("disposition: admin bounce: load %s: %w", msgID, err)
	}

	recipients := msg.Recipients()
	if len(recipients) == 0 {
		recipients = []string{""}
	}
	failures := make([]recipientFailure, 0, len(recipients))
	for _, rcpt := range recipients {
		rec := b.Logger.recordFor(AdminBounce, msg)
		rec.Recipient = rcpt
		rec.Reason = reason
		b.Logger.enqueue(rec)

		failures = append(failures, recipientFailure{Recipient: rcpt, Err: errors.New(reason)})
	}
	b.Logger.generateNDR(msg, failures)

	if err := b.Remove.Remove(msgID); err != nil {
		return fmt.Errorf("disposition: admin bounce: remove %s from spool: %w", msgID, err)
	}
	return nil
}
