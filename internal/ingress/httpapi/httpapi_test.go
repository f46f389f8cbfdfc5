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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/outflowmta/outflow/internal/disposition"
	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/overlay"
	"github.com/outflowmta/outflow/internal/policy"
	"github.com/outflowmta/outflow/internal/readyq"
	"github.com/outflowmta/outflow/internal/schedq"
	"github.com/outflowmta/outflow/internal/spool"
)

// byDomainPolicy routes each recipient to a queue named after its
// domain, mirroring internal/ingress/smtp's own test policy so a single
// inject request exercises the same multi-queue split.
type byDomainPolicy struct{}

func (byDomainPolicy) Route(_ context.Context, env policy.Envelope, _ uint64) (policy.Decision, error) {
	at := strings.LastIndexByte(env.Recipient, '@')
	domain := env.Recipient[at+1:]
	return policy.Accept(domain, nil), nil
}

func (byDomainPolicy) RecipientBatchSize(_ context.Context, _ string, _ uint64) (int, error) {
	return 100, nil
}

func (byDomainPolicy) Epoch() uint64 { return 0 }

type noopBouncer struct{}

func (noopBouncer) Bounce(_ context.Context, _ id.SpoolId, _ string) error { return nil }

func newTestEndpoint(t *testing.T) (*Endpoint, *spool.Store, *schedq.Registry) {
	t.Helper()

	dir, err := os.MkdirTemp("", "httpapi-spool-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := spool.Open(spool.Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	overlays := overlay.NewRegistry(time.Minute)
	t.Cleanup(overlays.Close)

	sched := schedq.NewRegistry(func(name string) (schedq.Config, error) {
		return schedq.Config{
			Strategy: schedq.NewTimerWheelStrategy(),
			Spool:    st,
			Overlays: overlays,
			Retry:    schedq.RetryPolicy{},
			Ready:    noopReadyInserter{},
			Bounce:   noopBouncer{},
		}, nil
	}, time.Hour)
	t.Cleanup(sched.Close)

	ready := readyq.NewRegistry(func(name string) (readyq.Config, error) {
		return readyq.Config{}, nil
	}, time.Hour)
	t.Cleanup(func() { ready.Close() })

	dispDir, err := os.MkdirTemp("", "httpapi-disp-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dispDir) })
	disp, err := disposition.NewLogger(disposition.Config{Dir: dispDir, RotateInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { disp.Close() })

	endp := New(Config{
		Policy:      byDomainPolicy{},
		Scheduled:   sched,
		Ready:       ready,
		Overlays:    overlays,
		Disposition: disp,
		Spool:       st,
	})

	return endp, st, sched
}

type noopReadyInserter struct{}

func (noopReadyInserter) InsertReady(_ context.Context, _ string, _ id.SpoolId) error { return nil }

func TestHandleInjectRawStringSplitsAcrossQueues(t *testing.T) {
	endp, _, sched := newTestEndpoint(t)

	reqBody := map[string]interface{}{
		"envelope_sender": "sender@src.example",
		"recipients":      []string{"a@dest1.example", "b@dest2.example"},
		"content":         "Subject: hi\r\n\r\nhello\r\n",
	}
	b, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/api/inject/v1", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp injectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SuccessCount != 2 {
		t.Fatalf("expected success_count=2, got %d (errors=%v)", resp.SuccessCount, resp.Errors)
	}

	if q, ok := sched.Get("dest1.example"); !ok || q.Len() != 1 {
		t.Fatalf("expected one message queued under dest1.example")
	}
	if q, ok := sched.Get("dest2.example"); !ok || q.Len() != 1 {
		t.Fatalf("expected one message queued under dest2.example")
	}
}

func TestHandleInjectBuilderObjectComposesMIME(t *testing.T) {
	endp, st, sched := newTestEndpoint(t)

	reqBody := map[string]interface{}{
		"envelope_sender": "sender@src.example",
		"recipients":      []string{"a@dest1.example"},
		"content": map[string]interface{}{
			"subject":   "hello",
			"text_body": "plain body",
			"html_body": "<p>html body</p>",
		},
	}
	b, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/api/inject/v1", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	q, ok := sched.Get("dest1.example")
	if !ok || q.Len() != 1 {
		t.Fatalf("expected one message queued under dest1.example")
	}

	var ids []string
	if err := st.Enumerate(func(e spool.Entry) error {
		ids = append(ids, e.ID.String())
		return nil
	}); err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one spooled message, got %d", len(ids))
	}
}

func TestHandleInjectRejectsEmptyRecipients(t *testing.T) {
	endp, _, _ := newTestEndpoint(t)

	b, _ := json.Marshal(map[string]interface{}{
		"envelope_sender": "sender@src.example",
		"recipients":      []string{},
		"content":         "Subject: hi\r\n\r\nhello\r\n",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/inject/v1", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleInjectBuilderObjectWithoutBodyIs422(t *testing.T) {
	endp, _, _ := newTestEndpoint(t)

	b, _ := json.Marshal(map[string]interface{}{
		"envelope_sender": "sender@src.example",
		"recipients":      []string{"a@dest1.example"},
		"content":         map[string]interface{}{"subject": "hello"},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/inject/v1", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthenticateAdmitsEverythingWhenUnconfigured(t *testing.T) {
	endp, _, _ := newTestEndpoint(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/ready-q-states/v1", nil)
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no auth configured, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsWithoutCredentialsWhenConfigured(t *testing.T) {
	endp, _, _ := newTestEndpoint(t)
	endp.cfg.BasicUsers = map[string]string{"admin": "s3cret"}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/ready-q-states/v1", nil)
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/admin/ready-q-states/v1", nil)
	req2.SetBasicAuth("admin", "s3cret")
	rec2 := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid basic auth, got %d", rec2.Code)
	}
}

func TestHandleBounceThenSuspendListThenCancel(t *testing.T) {
	endp, _, _ := newTestEndpoint(t)

	bounceBody, _ := json.Marshal(map[string]interface{}{
		"reason": "operator requested",
		"code":   550,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/bounce/v1", bytes.NewReader(bounceBody))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bounce: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	suspendBody, _ := json.Marshal(map[string]interface{}{
		"duration": "1h",
	})
	req = httptest.NewRequest(http.MethodPost, "/api/admin/suspend/v1", bytes.NewReader(suspendBody))
	rec = httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var suspendResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &suspendResp); err != nil {
		t.Fatalf("decode suspend response: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/suspend/v1", nil)
	rec = httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend list: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), suspendResp["id"]) {
		t.Fatalf("expected suspend listing to contain the created entry id, got %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/admin/suspend/v1?id="+suspendResp["id"], nil)
	rec = httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend cancel: expected 200, got %d", rec.Code)
	}

	if _, ok := endp.cfg.Overlays.Get(suspendResp["id"]); ok {
		t.Fatalf("expected overlay to be gone after cancel")
	}
}

func TestHandleInspectSchedQReportsDepth(t *testing.T) {
	endp, _, sched := newTestEndpoint(t)

	b, _ := json.Marshal(map[string]interface{}{
		"envelope_sender": "sender@src.example",
		"recipients":      []string{"a@dest1.example"},
		"content":         "Subject: hi\r\n\r\nhello\r\n",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/inject/v1", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("inject: expected 200, got %d", rec.Code)
	}
	_ = sched

	req = httptest.NewRequest(http.MethodGet, "/api/admin/inspect-sched-q/v1?queue=dest1.example", nil)
	rec = httptest.NewRecorder()
	endp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got schedQInspection
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode inspect response: %v", err)
	}
	if got.Depth != 1 {
		t.Fatalf("expected depth=1, got %d", got.Depth)
	}
}
