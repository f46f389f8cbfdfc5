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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// segment is one open record-type file: zstd-framed newline-delimited
// JSON, one Record per line. A segment is owned exclusively by the
// Logger's drain goroutine, so it needs no locking of its own.
type segment struct {
	typ      RecordType
	path     string
	openedAt time.Time
	file     *os.File
	encoder  *zstd.Encoder
}

// newSegment opens a fresh segment file for typ under dir, named
// `<type>-<YYYYMMDDTHHMMSS UTC stamp>.ndjson.zst` so the filename alone
// identifies record type and the second the segment was opened.
func newSegment(dir string, typ RecordType) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disposition: create segment dir: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s-%s.ndjson.zst", typ, now.UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disposition: open segment %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disposition: start zstd stream for %s: %w", path, err)
	}

	return &segment{
		typ:      typ,
		path:     path,
		openedAt: now,
		file:     f,
		encoder:  enc,
	}, nil
}

func (s *segment) needsRotation(rotateInterval time.Duration) bool {
	return time.Since(s.openedAt) >= rotateInterval
}

func (s *segment) writeRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disposition: encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.encoder.Write(line); err != nil {
		return fmt.Errorf("disposition: write segment %s: %w", s.path, err)
	}
	// Flush rather than buffering indefinitely inside the zstd frame: a
	// tailing consumer following the file by offset must see each record
	// promptly, and the segment itself is still signalled complete only
	// by the read-only permission bits close sets below.
	return s.encoder.Flush()
}

// close finalizes the zstd stream, closes the file, and clears the write
// permission bits so a consumer polling the directory can distinguish a
// finished segment from one still being appended to.
func (s *segment) close() error {
	if err := s.encoder.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("disposition: close zstd stream for %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("disposition: close segment %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o444); err != nil {
		return fmt.Errorf("disposition: mark segment %s read-only: %w", s.path, err)
	}
	return nil
}
