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
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/framework/address"
	"github.com/outflowmta/outflow/framework/dns"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
)

// Reinjector hands a freshly built Message back to Ingress's usual
// persist-then-schedule path, the seam generateNDR uses so a returned
// mail notification is a real deliverable Message, not just a log
// record. *daemon (cmd/outflowd) implements it against the live spool and
// scheduled-queue registry.
type Reinjector interface {
	Reinject(queueName string, msg *message.Message) error
}

// XKumoRefHeader-equivalent correlation header: every generated
// notification carries the id of the message it reports on, so an
// operator (or a future OOB reconciliation pass) can correlate a bounce
// notification back to the delivery attempt without parsing the body.
const xRefHeader = "X-OutFlow-Ref"

// recipientFailure is one failed recipient's outcome, gathered by the
// caller before calling generateNDR: disposition.Bounce sees failures one
// recipient at a time, but a single notification should report every
// recipient that failed for the same original message in one envelope
// when more than one happens to bounce in the same pass.
type recipientFailure struct {
	Recipient string
	Err       error
}

// generateNDR builds a returned-mail notification for orig and hands it to
// l.cfg.Reinject. It is a no-op (not an error) whenever notification
// generation cannot or must not happen: no Reinjector or no Hostname
// configured, orig has no envelope sender to notify (including orig itself being a previously
// generated notification, which always carries an empty envelope sender -
// this is what prevents a notification about a notification), or building
// the MIME parts fails for some reason worth logging but not worth
// failing the bounce over.
func (l *Logger) generateNDR(orig *message.Message, failures []recipientFailure) {
	if l.cfg.Reinject == nil || l.cfg.Hostname == "" {
		return
	}
	sender := orig.EnvelopeSender()
	if sender == "" {
		// RFC 3464 §2: a DSN must never itself generate a DSN. orig being
		// sender-less is exactly how this package marks a message as
		// itself being a notification (see below).
		return
	}
	if len(failures) == 0 {
		return
	}

	ndrID, err := id.New()
	if err != nil {
		l.cfg.Logger.Error("disposition: failed to allocate id for returned-mail notification", err,
			"msg_id", orig.ID().String())
		return
	}

	body, err := buildNDRBody(l.cfg.Hostname, orig, ndrID, failures)
	if err != nil {
		l.cfg.Logger.Error("disposition: failed to build returned-mail notification", err,
			"msg_id", orig.ID().String())
		return
	}

	// envelopeSender is deliberately "": a notification is never itself
	// notified about, so there is no reply-to-sender path for it to take
	// on its own final failure.
	meta := map[string]interface{}{
		message.MetaDomain: domainOf(sender),
	}
	ndrMsg := message.NewFromParts(ndrID, "", []string{sender}, body, meta)

	queueName, err := ndrMsg.GetQueueName()
	if err != nil {
		l.cfg.Logger.Error("disposition: failed to derive queue for returned-mail notification", err,
			"msg_id", orig.ID().String())
		return
	}

	if err := l.cfg.Reinject.Reinject(queueName, ndrMsg); err != nil {
		l.cfg.Logger.Error("disposition: failed to reinject returned-mail notification", err,
			"msg_id", orig.ID().String())
	}
}

func domainOf(addr string) string {
	_, domain, err := address.Split(addr)
	if err != nil {
		return ""
	}
	return domain
}

// buildNDRBody assembles the full RFC 5322 message for a returned-mail
// notification: a human-readable part, a machine-readable
// message/delivery-status part (RFC 3464), and the complete original
// message - headers and body both, not merely the header block maddy's
// DSN generator embeds, matching the full-message attachment a deployed
// MTA's own bounce mail actually carries.
func buildNDRBody(hostname string, orig *message.Message, ndrID id.SpoolId, failures []recipientFailure) ([]byte, error) {
	origBody, err := orig.Body()
	if err != nil {
		return nil, fmt.Errorf("disposition: load original body: %w", err)
	}

	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)

	reportHeader := textproto.Header{}
	reportHeader.Add("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	reportHeader.Add("Message-Id", fmt.Sprintf("<%s@%s>", ndrID.String(), hostname))
	reportHeader.Add("From", "Mail Delivery Subsystem <mailer-daemon@"+hostname+">")
	reportHeader.Add("To", orig.EnvelopeSender())
	reportHeader.Add("Subject", "Returned mail")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+mw.Boundary())
	reportHeader.Add(xRefHeader, orig.ID().String())

	if err := writeHumanPart(mw, hostname, orig, failures); err != nil {
		return nil, err
	}
	if err := writeDeliveryStatusPart(mw, hostname, orig, failures); err != nil {
		return nil, err
	}
	if err := writeOriginalMessagePart(mw, origBody); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, reportHeader); err != nil {
		return nil, err
	}
	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

var ndrHumanText = template.Must(template.New("ndr-text").Parse(`
This is the mail delivery system at {{.Hostname}}.

Your message could not be delivered to the following recipient(s):
{{range .Failures}}
  {{.Recipient}}: {{.Err}}
{{- end}}

The original message follows this notification as an attachment.
`))

func writeHumanPart(w *textproto.MultipartWriter, hostname string, orig *message.Message, failures []recipientFailure) error {
	h := textproto.Header{}
	h.Add("Content-Transfer-Encoding", "8bit")
	h.Add("Content-Type", `text/plain; charset="utf-8"`)
	h.Add("Content-Description", "Notification")
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	return ndrHumanText.Execute(pw, struct {
		Hostname string
		Failures []recipientFailure
	}{hostname, failures})
}

func writeDeliveryStatusPart(w *textproto.MultipartWriter, hostname string, orig *message.Message, failures []recipientFailure) error {
	h := textproto.Header{}
	h.Add("Content-Type", "message/delivery-status")
	h.Add("Content-Description", "Delivery report")
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	perMsg := textproto.Header{}
	reportingMTA, err := dns.SelectIDNA(false, hostname)
	if err != nil {
		return fmt.Errorf("disposition: reporting-mta idna: %w", err)
	}
	perMsg.Add("Reporting-MTA", "dns; "+reportingMTA)
	perMsg.Add("Arrival-Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	if err := textproto.WriteHeader(pw, perMsg); err != nil {
		return err
	}

	for _, f := range failures {
		rh := textproto.Header{}
		finalRcpt, err := address.SelectIDNA(false, f.Recipient)
		if err != nil {
			finalRcpt = f.Recipient
		}
		rh.Add("Final-Recipient", "rfc822; "+finalRcpt)
		rh.Add("Action", "failed")

		code := smtp.EnhancedCode{5, 0, 0}
		diag := f.Err.Error()
		if smtpErr, ok := f.Err.(*smtp.SMTPError); ok {
			code = smtpErr.EnhancedCode
			diag = fmt.Sprintf("smtp; %d %d.%d.%d %s", smtpErr.Code, code[0], code[1], code[2],
				strings.ReplaceAll(strings.ReplaceAll(smtpErr.Message, "\n", " "), "\r", " "))
		}
		rh.Add("Status", fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2]))
		rh.Add("Diagnostic-Code", diag)
		if err := textproto.WriteHeader(pw, rh); err != nil {
			return err
		}
	}
	return nil
}

func writeOriginalMessagePart(w *textproto.MultipartWriter, origBody []byte) error {
	h := textproto.Header{}
	h.Add("Content-Description", "Undelivered message")
	h.Add("Content-Type", "message/rfc822")
	h.Add("Content-Transfer-Encoding", "8bit")
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = pw.Write(origBody)
	return err
}
