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

package spool

import (
	"bytes"
	"errors"
	"testing"

	"github.com/outflowmta/outflow/internal/id"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreMetaLoadMetaRoundTrip(t *testing.T) {
	st := openTestStore(t)

	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	meta := map[string]interface{}{
		"domain":       "dest.example",
		"num_attempts": float64(3),
	}
	if err := st.StoreMeta(msgID, meta); err != nil {
		t.Fatalf("StoreMeta: %v", err)
	}

	got, err := st.LoadMeta(msgID)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got["domain"] != "dest.example" {
		t.Fatalf("domain mismatch: got %v", got["domain"])
	}
	if got["num_attempts"] != float64(3) {
		t.Fatalf("num_attempts mismatch: got %v", got["num_attempts"])
	}
}

func TestStoreBodyLoadBodyRoundTrip(t *testing.T) {
	st := openTestStore(t)

	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	body := []byte("From: a@example.com\r\n\r\nhello\r\n")
	if err := st.StoreBody(msgID, body); err != nil {
		t.Fatalf("StoreBody: %v", err)
	}

	got, err := st.LoadBody(msgID)
	if err != nil {
		t.Fatalf("LoadBody: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body mismatch: got %q want %q", got, body)
	}
}

func TestLoadMetaOfUnknownIDReturnsErrNotFound(t *testing.T) {
	st := openTestStore(t)

	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	if _, err := st.LoadMeta(msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.LoadBody(msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveDeletesBothMetaAndBody(t *testing.T) {
	st := openTestStore(t)

	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	if err := st.StoreMeta(msgID, map[string]interface{}{"domain": "dest.example"}); err != nil {
		t.Fatalf("StoreMeta: %v", err)
	}
	if err := st.StoreBody(msgID, []byte("body")); err != nil {
		t.Fatalf("StoreBody: %v", err)
	}

	if err := st.Remove(msgID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := st.LoadMeta(msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected meta to be gone, got %v", err)
	}
	if _, err := st.LoadBody(msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected body to be gone, got %v", err)
	}
}

func TestEnumerateVisitsEveryEntryExactlyOnce(t *testing.T) {
	st := openTestStore(t)

	ids := make(map[id.SpoolId]bool)
	for i := 0; i < 5; i++ {
		msgID, err := id.New()
		if err != nil {
			t.Fatalf("id.New: %v", err)
		}
		if err := st.StoreMeta(msgID, map[string]interface{}{"n": i}); err != nil {
			t.Fatalf("StoreMeta: %v", err)
		}
		ids[msgID] = false
	}

	seen := 0
	err := st.Enumerate(func(e Entry) error {
		if e.Corrupt != nil {
			t.Fatalf("unexpected corrupt entry: %v", e.Corrupt)
		}
		if _, ok := ids[e.ID]; !ok {
			t.Fatalf("enumerate yielded unknown id %s", e.ID)
		}
		if ids[e.ID] {
			t.Fatalf("enumerate yielded %s twice", e.ID)
		}
		ids[e.ID] = true
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if seen != len(ids) {
		t.Fatalf("expected %d entries, saw %d", len(ids), seen)
	}
}

func TestCleanupRemovesOrphanedBodies(t *testing.T) {
	st := openTestStore(t)

	orphan, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	if err := st.StoreBody(orphan, []byte("orphaned body, no meta")); err != nil {
		t.Fatalf("StoreBody: %v", err)
	}

	paired, err := orphan.DeriveNewWithClonedTimestamp()
	if err != nil {
		t.Fatalf("DeriveNewWithClonedTimestamp: %v", err)
	}
	if err := st.StoreMeta(paired, map[string]interface{}{"domain": "dest.example"}); err != nil {
		t.Fatalf("StoreMeta: %v", err)
	}
	if err := st.StoreBody(paired, []byte("body with meta")); err != nil {
		t.Fatalf("StoreBody: %v", err)
	}

	removed, err := st.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly one orphan removed, got %d", removed)
	}

	if _, err := st.LoadBody(orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected orphan body to be gone, got %v", err)
	}
	if _, err := st.LoadBody(paired); err != nil {
		t.Fatalf("paired body should survive Cleanup: %v", err)
	}
}
