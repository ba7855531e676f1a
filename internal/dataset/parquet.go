package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/jasonkneen/curator/pkg/types"
)

const exportSchema = `{
	"Tag": "name=record, repetitiontype=REQUIRED",
	"Fields": [
		{"Tag": "name=row_id, type=INT64"},
		{"Tag": "name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"},
		{"Tag": "name=kind, type=BYTE_ARRAY, convertedtype=UTF8"},
		{"Tag": "name=message, type=BYTE_ARRAY, convertedtype=UTF8"},
		{"Tag": "name=prompt_tokens, type=INT64"},
		{"Tag": "name=completion_tokens, type=INT64"}
	]
}`

type exportRow struct {
	RowID            int64  `json:"row_id"`
	Fingerprint      string `json:"fingerprint"`
	Kind             string `json:"kind"`
	Message          string `json:"message"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// ExportParquet writes the succeeded records of a run to a parquet
// file. Rows without a record (failures, cancellations) are skipped.
func ExportParquet(path string, outcomes []types.Outcome) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create parquet file: %w", err)
	}
	fw := writerfile.NewWriterFile(f)

	pw, err := writer.NewJSONWriter(exportSchema, fw, 2)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	for _, o := range outcomes {
		if o.Record == nil {
			continue
		}
		row := exportRow{
			RowID:            int64(o.RowID),
			Fingerprint:      string(o.Fingerprint),
			Kind:             string(o.Kind),
			Message:          o.Record.Message,
			PromptTokens:     int64(o.Record.Usage.Prompt),
			CompletionTokens: int64(o.Record.Usage.Completion),
		}
		data, err := json.Marshal(row)
		if err != nil {
			continue
		}
		if err := pw.Write(string(data)); err != nil {
			pw.WriteStop()
			f.Close()
			return rows, fmt.Errorf("write parquet row: %w", err)
		}
		rows++
	}
	if err := pw.WriteStop(); err != nil {
		f.Close()
		return rows, fmt.Errorf("finalize parquet file: %w", err)
	}
	return rows, f.Close()
}
