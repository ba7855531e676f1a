package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/jasonkneen/curator/pkg/types"
)

const prefixResp = "resp:" // resp:{fingerprint} → entry JSON

// PebbleStore backs the response cache with a pebble key-value store.
// Pebble's WAL gives the same crash-safety the file backend gets from
// rename, with better behavior for runs holding millions of entries.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) the store at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func respKey(fp types.Fingerprint) []byte {
	return []byte(prefixResp + string(fp))
}

func (s *PebbleStore) Get(fp types.Fingerprint) (*types.Record, bool, error) {
	value, closer, err := s.db.Get(respKey(fp))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	defer closer.Close()

	var entry fileEntry
	if err := json.Unmarshal(value, &entry); err != nil || entry.Record == nil {
		return nil, false, nil
	}
	return entry.Record, true, nil
}

func (s *PebbleStore) Put(fp types.Fingerprint, rec *types.Record) error {
	key := respKey(fp)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return nil
	}

	data, err := json.Marshal(fileEntry{Fingerprint: fp, Record: rec, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
