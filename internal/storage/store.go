// Package storage implements the core's durable, content-addressed
// key/value map for blocks, plus a small recovery record so a
// restarted replica doesn't risk equivocating against votes it already
// cast before a crash (see DESIGN.md decision 3).
package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// KV is the minimal durable key/value contract the core and synchronizer
// need. It must be safe for concurrent use: the core writes on block
// delivery and reads on sync requests, while the synchronizer reads on
// ancestor fetch and writes on sync replies delivered by peers.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key []byte, value []byte) error
	Close() error
}

// PebbleKV is a KV backed by an embedded Pebble LSM store, keyed directly
// by the bytes the caller supplies.
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens (creating if necessary) a Pebble store at path.
func OpenPebble(path string) (*PebbleKV, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", path, err)
	}
	return &PebbleKV{db: db}, nil
}

// Get looks up key, returning (nil, false, nil) on a miss.
func (s *PebbleKV) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, fmt.Errorf("storage: close reader: %w", cerr)
	}
	return out, true, nil
}

// Put writes key -> value durably.
func (s *PebbleKV) Put(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("storage: put: %w", err)
	}
	return nil
}

// Close releases the underlying Pebble handle.
func (s *PebbleKV) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}
