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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
)

type memLoader struct {
	mu     sync.Mutex
	bodies map[id.SpoolId][]byte
	metas  map[id.SpoolId]map[string]interface{}
}

func newMemLoader() *memLoader {
	return &memLoader{
		bodies: make(map[id.SpoolId][]byte),
		metas:  make(map[id.SpoolId]map[string]interface{}),
	}
}

func (l *memLoader) LoadBody(msgID id.SpoolId) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bodies[msgID], nil
}

func (l *memLoader) LoadMeta(msgID id.SpoolId) (map[string]interface{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metas[msgID], nil
}

func (l *memLoader) put(msgID id.SpoolId, body []byte, meta map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bodies[msgID] = body
	l.metas[msgID] = meta
}

type memRemover struct {
	mu      sync.Mutex
	removed []id.SpoolId
}

func (r *memRemover) Remove(msgID id.SpoolId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, msgID)
	return nil
}

func newTestMessage(t *testing.T, recipients []string) (*message.Message, id.SpoolId) {
	t.Helper()
	msgID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	meta := map[string]interface{}{
		message.MetaDomain: "dest.example",
	}
	msg := message.NewFromParts(msgID, "sender@src.example", recipients, []byte("hello"), meta)
	return msg, msgID
}

func readSegmentLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment %s: %v", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(nil, nil)
	if err != nil {
		t.Fatalf("decode segment %s: %v", path, err)
	}

	lines := []string{}
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}

func TestLoggerWritesDeliveryRecordToSegment(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	msg, _ := newTestMessage(t, []string{"rcpt@dest.example"})
	logger.Delivery(context.Background(), msg, "rcpt@dest.example", "mx1.dest.example", 2)

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "delivery-*.ndjson.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected exactly one delivery segment, got %v (err=%v)", matches, err)
	}

	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Fatalf("segment %s should be read-only after Close, got mode %v", matches[0], info.Mode())
	}

	lines := readSegmentLines(t, matches[0])
	if len(lines) != 1 {
		t.Fatalf("expected 1 record line, got %d: %v", len(lines), lines)
	}
}

func TestLoggerSeparatesRecordTypesIntoDistinctSegments(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	msg, _ := newTestMessage(t, []string{"rcpt@dest.example"})
	logger.Delivery(context.Background(), msg, "rcpt@dest.example", "mx1.dest.example", 0)
	logger.TransientFailure(context.Background(), msg, "rcpt@dest.example", nil, time.Now().Add(time.Minute))
	logger.Bounce(context.Background(), msg, "rcpt@dest.example", nil)

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, prefix := range []string{"delivery", "transient_failure", "bounce"} {
		matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.ndjson.zst"))
		if err != nil || len(matches) != 1 {
			t.Fatalf("expected exactly one %s segment, got %v (err=%v)", prefix, matches, err)
		}
	}
}

func TestAdminBouncerRemovesMessageAndLogsAdminBounce(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	loader := newMemLoader()
	remover := &memRemover{}

	msg, msgID := newTestMessage(t, []string{"a@dest.example", "b@dest.example"})
	meta, err := msg.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	body, err := msg.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	loader.put(msgID, body, meta)

	bouncer := &AdminBouncer{Logger: logger, Loader: loader, Remove: remover}
	if err := bouncer.Bounce(context.Background(), msgID, "operator requested"); err != nil {
		t.Fatalf("Bounce: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(remover.removed) != 1 || remover.removed[0] != msgID {
		t.Fatalf("expected msgID to be removed exactly once, got %v", remover.removed)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "admin_bounce-*.ndjson.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected exactly one admin_bounce segment, got %v (err=%v)", matches, err)
	}
	lines := readSegmentLines(t, matches[0])
	if len(lines) != 2 {
		t.Fatalf("expected 2 admin_bounce records (one per recipient), got %d: %v", len(lines), lines)
	}
}

func TestEnqueueBlocksUntilCloseOnFullQueue(t *testing.T) {
	dir := t.TempDir()
	// A one-slot channel means most of these sends block until the drain
	// goroutine catches up; this just proves that blocking resolves on its
	// own rather than deadlocking.
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour, QueueDepth: 1})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	msg, _ := newTestMessage(t, []string{"rcpt@dest.example"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			logger.Delivery(context.Background(), msg, "rcpt@dest.example", "mx1.dest.example", 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Delivery calls did not all return in time")
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
