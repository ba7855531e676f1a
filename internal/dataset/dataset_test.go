package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jasonkneen/curator/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestReadRequests(t *testing.T) {
	path := writeFile(t, "requests.jsonl", `{"provider":"openai","model":"gpt-4o-mini","messages":[{"role":"user","content":"first"}]}
{"messages":[{"role":"user","content":"second"}]}

{"model":"gpt-4o","messages":[{"role":"user","content":"third"}]}
`)

	requests, err := ReadRequests(path, Defaults{Provider: "mock", Model: "default-model"})
	if err != nil {
		t.Fatalf("ReadRequests failed: %v", err)
	}
	if len(requests) != 3 {
		t.Fatalf("request count: got %d, want 3", len(requests))
	}

	// Row ids follow line position.
	for i, req := range requests {
		if req.RowID != i {
			t.Errorf("row %d id: got %d, want %d", i, req.RowID, i)
		}
	}

	if requests[0].Provider != "openai" {
		t.Errorf("row 0 provider: got %s, want openai", requests[0].Provider)
	}
	if requests[1].Provider != "mock" || requests[1].Model != "default-model" {
		t.Errorf("row 1 defaults not applied: %+v", requests[1])
	}
	if requests[2].Model != "gpt-4o" {
		t.Errorf("row 2 model: got %s, want gpt-4o", requests[2].Model)
	}
}

func TestReadRequestsBadLine(t *testing.T) {
	path := writeFile(t, "requests.jsonl", `{"messages":[]}
not json
`)

	if _, err := ReadRequests(path, Defaults{}); err == nil {
		t.Fatal("want error for malformed line")
	}
}

func TestSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	sink, err := OpenSink(path)
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	want := []types.Outcome{
		{RowID: 0, Kind: types.OutcomeSucceeded, Fingerprint: "fp0", Record: &types.Record{Message: "a"}},
		{RowID: 1, Kind: types.OutcomeFailed, Error: "boom", Attempts: 5},
	}
	for _, o := range want {
		if err := sink.Write(o); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := ReadOutcomes(path)
	if err != nil {
		t.Fatalf("ReadOutcomes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("outcome count: got %d, want 2", len(got))
	}
	if got[0].Record.Message != "a" {
		t.Errorf("record message: got %q, want a", got[0].Record.Message)
	}
	if got[1].Kind != types.OutcomeFailed || got[1].Error != "boom" {
		t.Errorf("failed outcome mismatch: %+v", got[1])
	}
}

func TestSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := OpenSink(path)
		if err != nil {
			t.Fatalf("OpenSink failed: %v", err)
		}
		if err := sink.Write(types.Outcome{RowID: i, Kind: types.OutcomeSucceeded}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		sink.Close()
	}

	got, err := ReadOutcomes(path)
	if err != nil {
		t.Fatalf("ReadOutcomes failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("outcome count: got %d, want 2", len(got))
	}
}

func TestCompactDropsNonTerminalAndFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	sink, err := OpenSink(path)
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	outcomes := []types.Outcome{
		{RowID: 0, Kind: types.OutcomeSucceeded, Record: &types.Record{Message: "keep"}},
		{RowID: 1, Kind: types.OutcomeFailed, Error: "drop"},
		{RowID: 2, Kind: types.OutcomeCancelled},
		{RowID: 3, Kind: types.OutcomeCachedHit, Record: &types.Record{Message: "keep too"}},
		{RowID: 4, Kind: types.OutcomeNotAttempted},
	}
	for _, o := range outcomes {
		sink.Write(o)
	}
	sink.Close()

	kept, err := Compact(path)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(kept) != 2 || !kept[0] || !kept[3] {
		t.Errorf("kept rows: got %v, want rows 0 and 3", kept)
	}

	remaining, err := ReadOutcomes(path)
	if err != nil {
		t.Fatalf("ReadOutcomes after compact failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining outcomes: got %d, want 2", len(remaining))
	}
}

func TestCompactMissingFile(t *testing.T) {
	kept, err := Compact(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(kept) != 0 {
		t.Errorf("kept rows: got %d, want 0", len(kept))
	}
}

func TestExportParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "corpus.parquet")

	outcomes := []types.Outcome{
		{
			RowID:       0,
			Kind:        types.OutcomeSucceeded,
			Fingerprint: "fp0",
			Record: &types.Record{
				Message: "generated text",
				Usage:   types.TokenUsage{Prompt: 10, Completion: 20, Total: 30},
			},
		},
		{RowID: 1, Kind: types.OutcomeFailed, Error: "skipped"},
		{
			RowID:       2,
			Kind:        types.OutcomeCachedHit,
			Fingerprint: "fp2",
			Record:      &types.Record{Message: "cached text"},
		},
	}

	n, err := ExportParquet(path, outcomes)
	if err != nil {
		t.Fatalf("ExportParquet failed: %v", err)
	}
	if n != 2 {
		t.Errorf("exported rows: got %d, want 2", n)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("export file is empty")
	}
}
