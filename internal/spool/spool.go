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

// Package spool implements the durable storage of message metadata and
// bodies, keyed by SpoolId (not by content): two
// independent keyspaces (meta, data) keyed by SpoolId, each backed by its
// own embedded ordered key-value store so that a metadata rewrite (e.g. on
// retry) never touches the body.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/outflowmta/outflow/framework/log"
	"github.com/outflowmta/outflow/internal/id"
)

var bucketName = []byte("spool")

// ErrNotFound is returned by Load/LoadMeta when id is not present.
var ErrNotFound = errors.New("spool: id not found")

// Entry is yielded by Enumerate; Corrupt is set (and Meta nil) when a
// stored value failed to decode, so the scan can report it out-of-band
// without aborting.
type Entry struct {
	ID      id.SpoolId
	Meta    map[string]interface{}
	Corrupt error
}

// Config controls durability/location knobs for a Store.
type Config struct {
	// Dir holds meta.db and data.db.
	Dir string
	// Fsync requests bbolt fsync every commit (NoSync=false). Disabling
	// this trades durability for throughput, so it is left as a
	// config knob rather than mandatory.
	Fsync bool

	Logger log.Logger
}

// Store is the Spool: two independent bbolt databases, one for metadata
// (small, frequently rewritten) and one for bodies (large, written once and
// immutable after persistence).
type Store struct {
	cfg  Config
	meta *bolt.DB
	data *bolt.DB
}

// Open creates (if needed) and opens the meta and data stores under
// cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: mkdir: %w", err)
	}

	opts := &bolt.Options{Timeout: 5 * time.Second}

	metaDB, err := bolt.Open(filepath.Join(cfg.Dir, "meta.db"), 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("spool: open meta.db: %w", err)
	}
	metaDB.NoSync = !cfg.Fsync

	dataDB, err := bolt.Open(filepath.Join(cfg.Dir, "data.db"), 0o600, opts)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("spool: open data.db: %w", err)
	}
	dataDB.NoSync = !cfg.Fsync

	for _, db := range []*bolt.DB{metaDB, dataDB} {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			metaDB.Close()
			dataDB.Close()
			return nil, fmt.Errorf("spool: init bucket: %w", err)
		}
	}

	return &Store{cfg: cfg, meta: metaDB, data: dataDB}, nil
}

func (s *Store) Close() error {
	err1 := s.meta.Close()
	err2 := s.data.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func storePut(db *bolt.DB, key id.SpoolId, value []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key.Bytes(), value)
	})
}

func storeGet(db *bolt.DB, key id.SpoolId) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key.Bytes())
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func storeDelete(db *bolt.DB, key id.SpoolId) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key.Bytes())
	})
}

// StoreBody persists the RFC 5322 body. StoreBody returns only after the
// bytes are durable (bbolt commits its mmap'd page to disk synchronously
// unless NoSync is set via Config.Fsync=false).
func (s *Store) StoreBody(msgID id.SpoolId, body []byte) error {
	return storePut(s.data, msgID, body)
}

// LoadBody implements message.Loader.
func (s *Store) LoadBody(msgID id.SpoolId) ([]byte, error) {
	return storeGet(s.data, msgID)
}

// StoreMeta persists the meta bag as JSON. Callers rewrite this far more
// often than the body (every retry touches num_attempts/due), which is why
// meta and data live in separate files.
func (s *Store) StoreMeta(msgID id.SpoolId, meta map[string]interface{}) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spool: encode meta: %w", err)
	}
	return storePut(s.meta, msgID, encoded)
}

// LoadMeta implements message.Loader.
func (s *Store) LoadMeta(msgID id.SpoolId) (map[string]interface{}, error) {
	raw, err := storeGet(s.meta, msgID)
	if err != nil {
		return nil, err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("spool: decode meta %s: %w", msgID, err)
	}
	return meta, nil
}

// Remove deletes a message from both keyspaces. Meta is removed first: if
// the process crashes between the two deletes, Enumerate (which scans meta
// only) will not resurrect an orphaned body, and a later Cleanup pass
// reclaims it.
func (s *Store) Remove(msgID id.SpoolId) error {
	if err := storeDelete(s.meta, msgID); err != nil {
		return fmt.Errorf("spool: remove meta %s: %w", msgID, err)
	}
	if err := storeDelete(s.data, msgID); err != nil {
		return fmt.Errorf("spool: remove data %s: %w", msgID, err)
	}
	return nil
}

// Enumerate streams every entry in the meta store exactly once, for
// startup recovery. A decode failure is reported via Entry.Corrupt rather
// than aborting the scan.
func (s *Store) Enumerate(fn func(Entry) error) error {
	return s.meta.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			msgID, err := id.FromBytes(k)
			if err != nil {
				if cbErr := fn(Entry{Corrupt: fmt.Errorf("spool: bad key: %w", err)}); cbErr != nil {
					return cbErr
				}
				continue
			}

			var meta map[string]interface{}
			if err := json.Unmarshal(v, &meta); err != nil {
				if cbErr := fn(Entry{ID: msgID, Corrupt: fmt.Errorf("spool: bad meta for %s: %w", msgID, err)}); cbErr != nil {
					return cbErr
				}
				continue
			}

			if err := fn(Entry{ID: msgID, Meta: meta}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup performs background compaction: any data-store entry with no
// corresponding meta-store entry is an orphan left by a crash between the
// two Remove deletes, or by a store that failed after persisting the body
// but before the meta, and is deleted.
func (s *Store) Cleanup() (removed int, err error) {
	var orphans []id.SpoolId

	err = s.data.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			msgID, derr := id.FromBytes(k)
			if derr != nil {
				continue
			}
			exists, herr := s.hasMeta(msgID)
			if herr != nil {
				return herr
			}
			if !exists {
				orphans = append(orphans, msgID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, msgID := range orphans {
		if derr := storeDelete(s.data, msgID); derr != nil {
			s.cfg.Logger.Error("spool: cleanup: failed to remove orphan body", derr, "id", msgID.String())
			continue
		}
		removed++
	}

	return removed, nil
}

func (s *Store) hasMeta(msgID id.SpoolId) (bool, error) {
	var found bool
	err := s.meta.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get(msgID.Bytes()) != nil
		return nil
	})
	return found, err
}
