// Package storekv persists native module state as JSON-encoded snapshots in
// a LevelDB key space. Only exported fields survive the JSON encoding: a
// lending.Pool is saved through its Snapshot type, while saving a
// cdm.Manager directly does not capture its unexported position registry or
// open flash-loan receipts. Grounded on gateway/auth/nonce_leveldb.go's
// LevelDBNoncePersistence (the same on-disk engine the teacher repo uses for
// durable local state).
package storekv

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a LevelDB-backed key space for native module snapshots.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storekv: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("storekv: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("storekv: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot JSON-encodes v and stores it under key.
func (s *Store) SaveSnapshot(key string, v interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storekv: store not configured")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storekv: encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw, nil)
}

// LoadSnapshot decodes the value stored under key into v. ErrNotFound is
// returned as-is so callers can distinguish "never saved" from a real I/O
// failure.
func (s *Store) LoadSnapshot(key string, v interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storekv: store not configured")
	}
	raw, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ErrNotFound is returned by LoadSnapshot when key has never been saved.
var ErrNotFound = leveldb.ErrNotFound

// Keys returns every stored key with the given prefix, in ascending order.
func (s *Store) Keys(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storekv: store not configured")
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}
