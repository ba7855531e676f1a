// Package tracker maintains aggregate progress counters for a run and
// exposes point-in-time snapshots. The offline tracker only accumulates;
// the online tracker additionally pushes snapshots to a reporting
// channel at a fixed cadence. Reporting is best-effort: an unreachable
// channel never blocks or fails the dispatcher.
package tracker

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jasonkneen/curator/pkg/types"
)

// Event is a dispatcher state transition.
type Event string

const (
	EventSubmitted    Event = "submitted"
	EventRetried      Event = "retried"
	EventSucceeded    Event = "succeeded"
	EventFailed       Event = "failed"
	EventCachedHit    Event = "cached_hit"
	EventShared       Event = "shared"
	EventCancelled    Event = "cancelled"
	EventNotAttempted Event = "not_attempted"

	// EventCancelledIdle marks a row cancelled before it entered
	// flight. It counts as cancelled but leaves the in-flight gauge
	// untouched.
	EventCancelledIdle Event = "cancelled_idle"
)

// Tracker is the contract shared by the online and offline variants.
type Tracker interface {
	// SetQueued records the total number of rows entering the run.
	SetQueued(n int)
	// Record applies one state transition to the counters.
	Record(ev Event)
	// RecordUsage accumulates reported token consumption.
	RecordUsage(u types.TokenUsage)
	// Snapshot returns an immutable copy of the counters.
	Snapshot() types.ProgressSnapshot
}

// Offline accumulates counters for retrieval on demand. Used for
// headless batch runs where no live reporting channel is reachable.
type Offline struct {
	mu           sync.Mutex
	runID        string
	queued       int
	inFlight     int
	succeeded    int
	cachedHits   int
	shared       int
	retries      int
	failed       int
	cancelled    int
	notAttempted int
	promptTokens int
	outputTokens int

	metrics *Metrics
}

// NewOffline creates an offline tracker for a run. metrics may be nil.
func NewOffline(runID string, metrics *Metrics) *Offline {
	return &Offline{runID: runID, metrics: metrics}
}

func (t *Offline) SetQueued(n int) {
	t.mu.Lock()
	t.queued = n
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetQueued(t.runID, n)
	}
}

func (t *Offline) Record(ev Event) {
	t.mu.Lock()
	switch ev {
	case EventSubmitted:
		t.inFlight++
	case EventRetried:
		t.retries++
	case EventSucceeded:
		t.succeeded++
		t.inFlight--
	case EventFailed:
		t.failed++
		t.inFlight--
	case EventCachedHit:
		t.cachedHits++
	case EventShared:
		t.shared++
		t.inFlight--
	case EventCancelled:
		t.cancelled++
		t.inFlight--
	case EventCancelledIdle:
		t.cancelled++
	case EventNotAttempted:
		t.notAttempted++
	}
	if t.inFlight < 0 {
		t.inFlight = 0
	}
	inFlight := t.inFlight
	t.mu.Unlock()

	if t.metrics != nil {
		// Both cancel variants count as the same outcome kind.
		label := string(ev)
		if ev == EventCancelledIdle {
			label = string(EventCancelled)
		}
		t.metrics.RecordEvent(t.runID, label)
		t.metrics.SetInFlight(t.runID, inFlight)
	}
}

func (t *Offline) RecordUsage(u types.TokenUsage) {
	t.mu.Lock()
	t.promptTokens += u.Prompt
	t.outputTokens += u.Completion
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.AddTokens(t.runID, u)
	}
}

func (t *Offline) Snapshot() types.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.ProgressSnapshot{
		RunID:        t.runID,
		Queued:       t.queued,
		InFlight:     t.inFlight,
		Succeeded:    t.succeeded,
		CachedHits:   t.cachedHits,
		Shared:       t.shared,
		Retries:      t.retries,
		Failed:       t.failed,
		Cancelled:    t.cancelled,
		NotAttempted: t.notAttempted,
		PromptTokens: t.promptTokens,
		OutputTokens: t.outputTokens,
		TakenAt:      time.Now().UTC(),
	}
}

// Publisher delivers snapshots to a live reporting channel.
type Publisher interface {
	Publish(s types.ProgressSnapshot) error
}

// Online wraps Offline with periodic snapshot pushes.
type Online struct {
	*Offline
	publisher Publisher
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// NewOnline creates an online tracker pushing snapshots at the given
// cadence. A nil publisher degrades to offline behavior.
func NewOnline(runID string, metrics *Metrics, publisher Publisher, interval time.Duration) *Online {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := &Online{
		Offline:   NewOffline(runID, metrics),
		publisher: publisher,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Online) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.publish()
		case <-t.stop:
			t.publish()
			return
		}
	}
}

func (t *Online) publish() {
	if t.publisher == nil {
		return
	}
	s := t.Snapshot()
	s.ID = ulid.Make().String()
	// Publish failures are dropped: the reporting channel is advisory
	// and must never affect run correctness.
	_ = t.publisher.Publish(s)
}

// Close pushes a final snapshot and stops the reporting loop.
func (t *Online) Close() {
	t.once.Do(func() {
		close(t.stop)
		<-t.done
	})
}

var (
	_ Tracker = (*Offline)(nil)
	_ Tracker = (*Online)(nil)
)
