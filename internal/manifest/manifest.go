// Package manifest persists which rows of a run have reached a terminal
// state. A restarted run consults the manifest to skip already-terminal
// rows entirely, which together with the response cache makes
// re-invocation idempotent.
package manifest

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jasonkneen/curator/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Run statuses.
const (
	RunStatusActive   = "active"
	RunStatusComplete = "complete"
	RunStatusAborted  = "aborted"
)

// RunRecord describes one run.
type RunRecord struct {
	ID         string
	Status     string
	TotalRows  int
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// RowRecord is one terminal row outcome.
type RowRecord struct {
	RunID       string
	RowID       int
	Fingerprint types.Fingerprint
	Kind        types.OutcomeKind
	Attempts    int
	Error       string
	CompletedAt time.Time
}

// Store is the sqlite-backed manifest.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the manifest database at dbPath.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	// WAL mode for concurrent readers; sqlite works best with a single
	// writer connection.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize manifest schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a run, or refreshes its totals when it already
// exists (a resumed invocation).
func (s *Store) CreateRun(ctx context.Context, id string, totalRows int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, total_rows, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = ?, total_rows = ?, finished_at = NULL`,
		id, RunStatusActive, totalRows, time.Now().Unix(), RunStatusActive, totalRows)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run complete or aborted.
func (s *Store) FinishRun(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches one run, nil when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, total_rows, created_at, finished_at FROM runs WHERE id = ?`, id)

	var rec RunRecord
	var createdAt int64
	var finishedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Status, &rec.TotalRows, &createdAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		rec.FinishedAt = &t
	}
	return &rec, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, total_rows, created_at, finished_at
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var rec RunRecord
		var createdAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.TotalRows, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0)
			rec.FinishedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkTerminal records a terminal outcome for a row. Non-terminal
// outcomes (cancelled, not attempted) are ignored so a resumed run
// retries them.
func (s *Store) MarkTerminal(ctx context.Context, runID string, o types.Outcome) error {
	if !o.Kind.Terminal() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_rows (run_id, row_id, fingerprint, kind, attempts, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, row_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			kind = excluded.kind,
			attempts = excluded.attempts,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		runID, o.RowID, string(o.Fingerprint), string(o.Kind), o.Attempts,
		nullString(o.Error), o.CompletedAt.Unix())
	if err != nil {
		return fmt.Errorf("mark row terminal: %w", err)
	}
	return nil
}

// TerminalRows returns the terminal outcome kind per row id for a run.
func (s *Store) TerminalRows(ctx context.Context, runID string) (map[int]types.OutcomeKind, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, kind FROM run_rows WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("load terminal rows: %w", err)
	}
	defer rows.Close()

	out := make(map[int]types.OutcomeKind)
	for rows.Next() {
		var rowID int
		var kind string
		if err := rows.Scan(&rowID, &kind); err != nil {
			return nil, fmt.Errorf("scan terminal row: %w", err)
		}
		out[rowID] = types.OutcomeKind(kind)
	}
	return out, rows.Err()
}

// RunStats counts terminal rows by outcome kind.
func (s *Store) RunStats(ctx context.Context, runID string) (map[types.OutcomeKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM run_rows WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run stats: %w", err)
	}
	defer rows.Close()

	out := make(map[types.OutcomeKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		out[types.OutcomeKind(kind)] = n
	}
	return out, rows.Err()
}

// Failures returns the permanently failed rows of a run with their last
// failure reason, for individual inspection.
func (s *Store) Failures(ctx context.Context, runID string) ([]*RowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, row_id, fingerprint, kind, attempts, error, completed_at
		FROM run_rows WHERE run_id = ? AND kind = ? ORDER BY row_id`,
		runID, string(types.OutcomeFailed))
	if err != nil {
		return nil, fmt.Errorf("load failures: %w", err)
	}
	defer rows.Close()

	var out []*RowRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFailures removes failed rows from the manifest so a resumed run
// retries them.
func (s *Store) DeleteFailures(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM run_rows WHERE run_id = ? AND kind = ?`,
		runID, string(types.OutcomeFailed))
	if err != nil {
		return 0, fmt.Errorf("delete failures: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRow(rows *sql.Rows) (*RowRecord, error) {
	var rec RowRecord
	var fp, kind string
	var errMsg sql.NullString
	var completedAt int64
	if err := rows.Scan(&rec.RunID, &rec.RowID, &fp, &kind, &rec.Attempts, &errMsg, &completedAt); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	rec.Fingerprint = types.Fingerprint(fp)
	rec.Kind = types.OutcomeKind(kind)
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	rec.CompletedAt = time.Unix(completedAt, 0)
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
