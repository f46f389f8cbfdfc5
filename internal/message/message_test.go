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

package message

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/outflowmta/outflow/internal/id"
)

func TestSerializeDeserializeXferRoundTrip(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	meta := map[string]interface{}{
		MetaDomain:   "dest.example",
		MetaCampaign: "spring-sale",
	}
	orig := NewFromParts(msgID, "sender@src.example", []string{"a@dest.example", "b@dest.example"}, []byte("From: a\r\n\r\nbody\r\n"), meta)

	extra := map[string]interface{}{
		MetaTenant:    "tenant-7",
		MetaRoutingDomain: "relay.example",
	}
	wire, err := orig.SerializeForXfer(extra)
	if err != nil {
		t.Fatalf("SerializeForXfer: %v", err)
	}

	got, err := DeserializeFromXfer(wire)
	if err != nil {
		t.Fatalf("DeserializeFromXfer: %v", err)
	}

	if got.EnvelopeSender() != orig.EnvelopeSender() {
		t.Fatalf("sender mismatch: got %q want %q", got.EnvelopeSender(), orig.EnvelopeSender())
	}
	if len(got.Recipients()) != 2 {
		t.Fatalf("recipients mismatch: got %v", got.Recipients())
	}

	gotBody, err := got.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	origBody, err := orig.Body()
	if err != nil {
		t.Fatalf("orig Body: %v", err)
	}
	if !bytes.Equal(gotBody, origBody) {
		t.Fatalf("body mismatch: got %q want %q", gotBody, origBody)
	}

	// deserialize(serialize(m, extra)) must carry a meta that is a
	// superset of m's meta unioned with extra.
	gotMeta, err := got.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	origMeta, err := orig.MetaSnapshot()
	if err != nil {
		t.Fatalf("orig MetaSnapshot: %v", err)
	}
	for k, v := range origMeta {
		if !sameJSON(gotMeta[k], v) {
			t.Fatalf("meta key %q: got %v want %v (from original)", k, gotMeta[k], v)
		}
	}
	for k, v := range extra {
		if gotMeta[k] != v {
			t.Fatalf("meta key %q: got %v want %v (from extra)", k, gotMeta[k], v)
		}
	}

	// The derived id preserves the source's timestamp component but is
	// never byte-identical to it.
	if got.ID() == orig.ID() {
		t.Fatalf("expected a freshly derived id, got the same one back")
	}
	if got.ID().Timestamp() != orig.ID().Timestamp() {
		t.Fatalf("derived id should preserve the source timestamp: got %v want %v",
			got.ID().Timestamp(), orig.ID().Timestamp())
	}
}

func TestSerializeForXferExtraOverridesExistingMetaKey(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	orig := NewFromParts(msgID, "sender@src.example", []string{"a@dest.example"}, []byte("body"),
		map[string]interface{}{MetaDomain: "dest.example"})

	wire, err := orig.SerializeForXfer(map[string]interface{}{MetaDomain: "other.example"})
	if err != nil {
		t.Fatalf("SerializeForXfer: %v", err)
	}
	got, err := DeserializeFromXfer(wire)
	if err != nil {
		t.Fatalf("DeserializeFromXfer: %v", err)
	}

	domain, err := got.GetMeta(MetaDomain)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if domain != "other.example" {
		t.Fatalf("expected extra to override original meta, got %v", domain)
	}
}

func TestDeserializeFromXferRejectsMissingEnvelopeLine(t *testing.T) {
	if _, err := DeserializeFromXfer([]byte("no newline here")); err == nil {
		t.Fatalf("expected an error for data with no envelope/body separator")
	}
}

func TestBuildQueueNameComponents(t *testing.T) {
	cases := []struct {
		campaign, tenant, domain, routingDomain string
		want                                    string
	}{
		{"", "", "", "", ""},
		{"", "", "dest.example", "", "@dest.example"},
		{"", "tenant-1", "dest.example", "", "tenant-1@dest.example"},
		{"camp", "tenant-1", "dest.example", "relay.example", "camp:tenant-1@dest.example!relay.example"},
	}
	for _, c := range cases {
		got := BuildQueueName(c.campaign, c.tenant, c.domain, c.routingDomain)
		if got != c.want {
			t.Fatalf("BuildQueueName(%q,%q,%q,%q) = %q, want %q",
				c.campaign, c.tenant, c.domain, c.routingDomain, got, c.want)
		}
	}
}

func TestGetQueueNameHonorsExplicitQueueOverride(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	msg := NewFromParts(msgID, "sender@src.example", []string{"a@dest.example"}, []byte("body"), map[string]interface{}{
		MetaDomain: "dest.example",
		MetaQueue:  "explicit-queue",
	})

	name, err := msg.GetQueueName()
	if err != nil {
		t.Fatalf("GetQueueName: %v", err)
	}
	if name != "explicit-queue" {
		t.Fatalf("expected explicit queue override to win, got %q", name)
	}
}

func TestIncrementAttemptsIsMonotonic(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	msg := NewFromParts(msgID, "sender@src.example", []string{"a@dest.example"}, []byte("body"), nil)

	for want := 1; want <= 3; want++ {
		got, err := msg.IncrementAttempts()
		if err != nil {
			t.Fatalf("IncrementAttempts: %v", err)
		}
		if got != want {
			t.Fatalf("IncrementAttempts call %d: got %d want %d", want, got, want)
		}
	}
}

type stubLoader struct {
	body []byte
	meta map[string]interface{}
	err  error
}

func (s stubLoader) LoadBody(id.SpoolId) ([]byte, error) { return s.body, s.err }
func (s stubLoader) LoadMeta(id.SpoolId) (map[string]interface{}, error) {
	return s.meta, s.err
}

func TestLoadFromSpoolRecoversSenderAndRecipientsFromMeta(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	loader := stubLoader{
		body: []byte("body"),
		meta: map[string]interface{}{
			MetaEnvelopeSender: "sender@src.example",
			MetaRecipients:     []interface{}{"a@dest.example", "b@dest.example"},
			MetaNumAttempts:    float64(2),
		},
	}

	msg, err := LoadFromSpool(msgID, loader)
	if err != nil {
		t.Fatalf("LoadFromSpool: %v", err)
	}
	if msg.EnvelopeSender() != "sender@src.example" {
		t.Fatalf("EnvelopeSender: got %q", msg.EnvelopeSender())
	}
	if len(msg.Recipients()) != 2 {
		t.Fatalf("Recipients: got %v", msg.Recipients())
	}
	attempts, err := msg.NumAttempts()
	if err != nil {
		t.Fatalf("NumAttempts: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("NumAttempts: got %d want 2", attempts)
	}

	body, err := msg.Body()
	if err != nil {
		t.Fatalf("Body (lazy load): %v", err)
	}
	if !bytes.Equal(body, []byte("body")) {
		t.Fatalf("Body: got %q", body)
	}
}

func TestNormalizeCRLFRewritesLoneLF(t *testing.T) {
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	msg := NewFromParts(msgID, "sender@src.example", []string{"a@dest.example"}, []byte("a\nb\r\nc"), nil)
	body, err := msg.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if !bytes.Equal(body, []byte("a\r\nb\r\nc")) {
		t.Fatalf("normalizeCRLF: got %q", body)
	}
}

// sameJSON reports whether a and b have the same JSON encoding. Meta
// crosses the xfer wire as JSON, so a time.Time, int or []string comes
// back as the string, float64 or []interface{} it was encoded as.
func sameJSON(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
