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

package smtp

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/address"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
)

// recipientGroup accumulates the recipients the routing
// callback placed into the same destination queue, plus the meta
// overrides the policy attached to the first recipient routed there.
type recipientGroup struct {
	recipients []string
	overrides  map[string]policy.Value
}

// Session is one ESMTP transaction. There
// is no module.Delivery/msgpipeline indirection: MAIL/RCPT/DATA directly
// build the in-memory Message(s) this transaction will persist and
// schedule on DATA.
type Session struct {
	endp *Endpoint
	conn *smtp.Conn

	mailFrom string
	opts     smtp.MailOptions

	groups map[string]*recipientGroup

	log log.Logger
}

func (s *Session) peerAddr() string {
	if s.conn == nil || s.conn.Conn() == nil {
		return ""
	}
	addr := s.conn.Conn().RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (s *Session) Reset() {
	s.mailFrom = ""
	s.opts = smtp.MailOptions{}
	s.groups = nil
}

func (s *Session) AuthPlain(username, password string) error {
	if len(s.endp.cfg.Credentials) == 0 {
		return smtp.ErrAuthUnsupported
	}
	want, ok := s.endp.cfg.Credentials[username]
	if !ok || want != password {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Invalid credentials",
		}
	}
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	cleanFrom := from
	if from != "" {
		var err error
		cleanFrom, err = address.CleanDomain(from)
		if err != nil {
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Unable to normalize the sender address",
			}
		}
	}

	s.mailFrom = cleanFrom
	s.opts = *opts
	s.groups = make(map[string]*recipientGroup)
	return nil
}

func (s *Session) Rcpt(to string) error {
	if !address.IsASCII(to) && !s.opts.UTF8 {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII recipients",
		}
	}
	cleanTo, err := address.CleanDomain(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient address",
		}
	}

	decision, err := s.endp.cfg.Policy.Route(context.Background(), policy.Envelope{
		Sender:     s.mailFrom,
		Recipient:  cleanTo,
		RemoteAddr: s.peerAddr(),
	}, s.endp.cfg.Policy.Epoch())
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary routing failure",
		}
	}
	if decision.IsReject() {
		return &smtp.SMTPError{
			Code:         decision.Code,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      decision.Reason,
		}
	}
	if decision.IsDefer() {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Try again later",
		}
	}

	grp, ok := s.groups[decision.Queue]
	if !ok {
		grp = &recipientGroup{overrides: decision.MetaOverrides}
		s.groups[decision.Queue] = grp
	}
	grp.recipients = append(grp.recipients, cleanTo)
	return nil
}

// Data reads the full RFC 5322 content, then persists and schedules one
// Message per destination-queue group the recipients were bucketed into
// during RCPT. The first
// group keeps the SpoolId allocated for this DATA; later groups derive a new
// one sharing its creation timestamp (internal/id's
// DeriveNewWithClonedTimestamp), mirroring how a transferred message
// preserves its original enumeration order.
func (s *Session) Data(r io.Reader) error {
	if len(s.groups) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	limit := s.endp.cfg.MaxMessageBytes
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "I/O error reading message body",
		}
	}
	if int64(len(content)) > limit {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds limit",
		}
	}

	msgID, err := id.New()
	if err != nil {
		return s.internalErr(err)
	}

	first := true
	for queueName, grp := range s.groups {
		groupID := msgID
		if !first {
			groupID, err = msgID.DeriveNewWithClonedTimestamp()
			if err != nil {
				return s.internalErr(err)
			}
		}
		first = false

		meta := map[string]interface{}{
			message.MetaQueue: queueName,
		}
		for k, v := range grp.overrides {
			if sv, ok := v.AsString(); ok {
				meta[k] = sv
			}
		}

		msg := message.NewFromParts(groupID, s.mailFrom, grp.recipients, content, meta)

		if err := s.persistAndSchedule(queueName, msg); err != nil {
			return s.internalErr(err)
		}
	}

	return nil
}

func (s *Session) persistAndSchedule(queueName string, msg *message.Message) error {
	body, err := msg.Body()
	if err != nil {
		return err
	}
	if err := s.endp.cfg.Spool.StoreBody(msg.ID(), body); err != nil {
		return fmt.Errorf("ingress/smtp: store body: %w", err)
	}
	meta, err := msg.MetaSnapshot()
	if err != nil {
		return err
	}
	if err := s.endp.cfg.Spool.StoreMeta(msg.ID(), meta); err != nil {
		return fmt.Errorf("ingress/smtp: store meta: %w", err)
	}

	if s.endp.cfg.Disposition != nil {
		s.endp.cfg.Disposition.Reception(context.Background(), msg, s.peerAddr())
	}

	if err := s.endp.cfg.Scheduled.Insert(queueName, msg, schedq.InsertReceived); err != nil {
		return fmt.Errorf("ingress/smtp: insert into %s: %w", queueName, err)
	}
	return nil
}

func (s *Session) internalErr(err error) error {
	s.log.Error("ingress/smtp: failed to accept message", err)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Internal error, try again later",
	}
}

func (s *Session) Logout() error {
	s.Reset()
	return nil
}
