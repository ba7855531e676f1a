package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jasonkneen/curator/pkg/types"
)

// Sink appends outcomes to a JSONL file. Outcomes arrive in completion
// order; the file is an unordered multiset keyed by row id.
type Sink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenSink opens (or creates) the outcome file for appending.
func OpenSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &Sink{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one outcome line.
func (s *Sink) Write(o types.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadOutcomes loads a JSONL outcome file.
func ReadOutcomes(path string) ([]types.Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open outcome file: %w", err)
	}
	defer f.Close()

	var out []types.Outcome
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var o types.Outcome
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("parse outcome line: %w", err)
		}
		out = append(out, o)
	}
	return out, scanner.Err()
}

// Compact rewrites an outcome file keeping only terminal rows, via a
// temp file renamed into place. It returns the row ids kept. Used when
// re-running against an outcome file from an interrupted invocation.
func Compact(path string) (map[int]bool, error) {
	outcomes, err := ReadOutcomes(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[int]bool{}, nil
	}
	if err != nil {
		return nil, err
	}

	kept := make(map[int]bool)
	tmpPath := path + ".temp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp outcome file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, o := range outcomes {
		if !o.Kind.Terminal() || o.Kind == types.OutcomeFailed {
			continue
		}
		data, err := json.Marshal(o)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
		kept[o.RowID] = true
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("flush temp outcome file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp outcome file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("replace outcome file: %w", err)
	}
	return kept, nil
}
