package types

import "time"

// OutcomeKind is the terminal state a request reached.
type OutcomeKind string

const (
	OutcomeSucceeded    OutcomeKind = "succeeded"
	OutcomeCachedHit    OutcomeKind = "cached_hit"
	OutcomeShared       OutcomeKind = "shared"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeCancelled    OutcomeKind = "cancelled"
	OutcomeNotAttempted OutcomeKind = "not_attempted"
)

// Terminal reports whether the outcome should be recorded in the run
// manifest. Cancelled and not-attempted rows stay eligible for a
// resumed run.
func (k OutcomeKind) Terminal() bool {
	switch k {
	case OutcomeSucceeded, OutcomeCachedHit, OutcomeShared, OutcomeFailed:
		return true
	}
	return false
}

// Outcome is the per-row result emitted by the dispatcher. Outcomes are
// produced in completion order; consumers that need source order must
// re-sort by RowID.
type Outcome struct {
	RowID       int           `json:"row_id"`
	Kind        OutcomeKind   `json:"kind"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	Record      *Record       `json:"record,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency_ns"`
	CompletedAt time.Time     `json:"completed_at"`
}
