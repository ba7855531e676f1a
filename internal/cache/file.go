package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jasonkneen/curator/pkg/types"
)

// FileStore keeps one JSON file per fingerprint under
// <root>/<fp[:2]>/<fp>.json. Writes go to a temp file in the final
// directory and are renamed into place, so a crash mid-write never
// leaves a partial entry a later run could mistake for valid.
type FileStore struct {
	root string
}

type fileEntry struct {
	Fingerprint types.Fingerprint `json:"fingerprint"`
	Record      *types.Record     `json:"record"`
	StoredAt    time.Time         `json:"stored_at"`
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(fp types.Fingerprint) string {
	shard := "00"
	if len(fp) >= 2 {
		shard = string(fp[:2])
	}
	return filepath.Join(s.root, shard, string(fp)+".json")
}

func (s *FileStore) Get(fp types.Fingerprint) (*types.Record, bool, error) {
	data, err := os.ReadFile(s.path(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Record == nil {
		// Unreadable entries are discarded and recomputed rather than
		// failing the row. Renamed writes make this path rare.
		_ = os.Remove(s.path(fp))
		return nil, false, nil
	}
	return entry.Record, true, nil
}

func (s *FileStore) Put(fp types.Fingerprint, rec *types.Record) error {
	target := s.path(fp)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}

	data, err := json.Marshal(fileEntry{Fingerprint: fp, Record: rec, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+string(fp.Short())+"-*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
