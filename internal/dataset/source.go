// Package dataset reads request rows and persists outcome rows. The
// on-disk format is JSONL, one object per line, matching the resumable
// request/response file layout of the batch workflow; succeeded records
// can additionally be exported as parquet for corpus handoff.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jasonkneen/curator/pkg/types"
)

// Defaults fills fields omitted from source rows.
type Defaults struct {
	Provider string
	Model    string
	Schema   string
}

// ReadRequests loads a JSONL request file. Row ids are assigned from
// line position, so the same file always yields the same ids and a
// resumed run lines up with the manifest.
func ReadRequests(path string, defaults Defaults) ([]types.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open request file: %w", err)
	}
	defer f.Close()

	var out []types.Request
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var req types.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("parse request line %d: %w", line+1, err)
		}
		req.RowID = line
		if req.Provider == "" {
			req.Provider = defaults.Provider
		}
		if req.Model == "" {
			req.Model = defaults.Model
		}
		if req.Schema == "" {
			req.Schema = defaults.Schema
		}
		out = append(out, req)
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	return out, nil
}
