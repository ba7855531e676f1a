package cache

import (
	"sync"

	"github.com/jasonkneen/curator/pkg/types"
)

// MemStore keeps records in process memory. Nothing survives a restart;
// suited to throwaway runs and tests.
type MemStore struct {
	mu      sync.RWMutex
	records map[types.Fingerprint]*types.Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[types.Fingerprint]*types.Record)}
}

func (s *MemStore) Get(fp types.Fingerprint) (*types.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	return rec, ok, nil
}

func (s *MemStore) Put(fp types.Fingerprint, rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[fp]; exists {
		return nil
	}
	s.records[fp] = rec
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
