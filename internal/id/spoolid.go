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

// Package id implements SpoolId, the 128-bit identifier used as the key
// into both spool keyspaces (meta, data) and as the correlation id carried
// through queue, dispatch and disposition records.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// Size is the length of a SpoolId in bytes: an 8-byte big-endian
// nanosecond timestamp followed by 8 bytes of entropy.
const Size = 16

// SpoolId is a 128-bit identifier that embeds its creation time in the
// high-order bytes so ids sort, and enumerate, in creation order within a
// single node.
type SpoolId [Size]byte

// New allocates a SpoolId stamped with the current time and fresh entropy.
func New() (SpoolId, error) {
	return newAt(time.Now())
}

func newAt(t time.Time) (SpoolId, error) {
	var id SpoolId
	binary.BigEndian.PutUint64(id[:8], uint64(t.UnixNano()))
	if _, err := rand.Read(id[8:]); err != nil {
		return SpoolId{}, err
	}
	return id, nil
}

// Timestamp extracts the creation time encoded in id.
func (id SpoolId) Timestamp() time.Time {
	nanos := binary.BigEndian.Uint64(id[:8])
	return time.Unix(0, int64(nanos))
}

// DeriveNewWithClonedTimestamp produces a new SpoolId that preserves id's
// timestamp component but carries fresh entropy. Used when importing a
// message transferred from a peer node, so that the local enumeration order
// still reflects the time the message was first created, not the time it
// was received by this node.
func (id SpoolId) DeriveNewWithClonedTimestamp() (SpoolId, error) {
	var out SpoolId
	copy(out[:8], id[:8])
	if _, err := rand.Read(out[8:]); err != nil {
		return SpoolId{}, err
	}
	return out, nil
}

// String renders id as lowercase hex, the canonical displayable form.
func (id SpoolId) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the 16 raw bytes of id, usable directly as a KV store key.
func (id SpoolId) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// IsZero reports whether id is the zero value (never a valid issued id).
func (id SpoolId) IsZero() bool {
	return id == SpoolId{}
}

// Parse decodes a hex-encoded SpoolId previously produced by String.
func Parse(s string) (SpoolId, error) {
	var id SpoolId
	b, err := hex.DecodeString(s)
	if err != nil {
		return SpoolId{}, err
	}
	if len(b) != Size {
		return SpoolId{}, errors.New("id: wrong length for SpoolId")
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes wraps a 16-byte KV store key back into a SpoolId.
func FromBytes(b []byte) (SpoolId, error) {
	var id SpoolId
	if len(b) != Size {
		return SpoolId{}, errors.New("id: wrong length for SpoolId")
	}
	copy(id[:], b)
	return id, nil
}

// Less orders two ids by timestamp then by raw bytes, used by strategies
// (e.g. the SkipList ScheduledQueue) that need a total order distinct from
// due-time.
func Less(a, b SpoolId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
