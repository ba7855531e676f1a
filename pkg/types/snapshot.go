package types

import "time"

// ProgressSnapshot is an immutable point-in-time copy of the status
// tracker counters, taken under the tracker's critical section.
type ProgressSnapshot struct {
	ID           string    `json:"id,omitempty"`
	RunID        string    `json:"run_id"`
	Queued       int       `json:"queued"`
	InFlight     int       `json:"in_flight"`
	Succeeded    int       `json:"succeeded"`
	CachedHits   int       `json:"cached_hits"`
	Shared       int       `json:"shared"`
	Retries      int       `json:"retries"`
	Failed       int       `json:"failed"`
	Cancelled    int       `json:"cancelled"`
	NotAttempted int       `json:"not_attempted"`
	PromptTokens int       `json:"prompt_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TakenAt      time.Time `json:"taken_at"`
}

// Terminal returns the number of rows that reached a terminal state.
func (s ProgressSnapshot) Terminal() int {
	return s.Succeeded + s.CachedHits + s.Shared + s.Failed
}

// Done reports whether every queued row is accounted for, including
// cancelled and not-attempted rows from an aborted run.
func (s ProgressSnapshot) Done() bool {
	return s.Queued > 0 && s.Terminal()+s.Cancelled+s.NotAttempted >= s.Queued
}
