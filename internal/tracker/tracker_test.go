package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/jasonkneen/curator/pkg/types"
)

func TestOfflineCounters(t *testing.T) {
	trk := NewOffline("run-a", nil)
	trk.SetQueued(5)

	trk.Record(EventSubmitted)
	trk.Record(EventSubmitted)
	trk.Record(EventRetried)
	trk.Record(EventSucceeded)
	trk.Record(EventFailed)
	trk.Record(EventCachedHit)
	trk.RecordUsage(types.TokenUsage{Prompt: 100, Completion: 40, Total: 140})
	trk.RecordUsage(types.TokenUsage{Prompt: 10, Completion: 5, Total: 15})

	s := trk.Snapshot()
	if s.RunID != "run-a" {
		t.Errorf("RunID: got %s, want run-a", s.RunID)
	}
	if s.Queued != 5 {
		t.Errorf("Queued: got %d, want 5", s.Queued)
	}
	if s.InFlight != 0 {
		t.Errorf("InFlight: got %d, want 0", s.InFlight)
	}
	if s.Succeeded != 1 || s.Failed != 1 || s.CachedHits != 1 || s.Retries != 1 {
		t.Errorf("counter mismatch: %+v", s)
	}
	if s.PromptTokens != 110 || s.OutputTokens != 45 {
		t.Errorf("tokens: got %d/%d, want 110/45", s.PromptTokens, s.OutputTokens)
	}
	if s.TakenAt.IsZero() {
		t.Error("TakenAt should be set")
	}
}

func TestSnapshotDone(t *testing.T) {
	trk := NewOffline("run-done", nil)
	trk.SetQueued(2)
	trk.Record(EventSubmitted)
	trk.Record(EventSucceeded)

	if trk.Snapshot().Done() {
		t.Error("run with pending rows should not be done")
	}

	trk.Record(EventSubmitted)
	trk.Record(EventFailed)

	s := trk.Snapshot()
	if !s.Done() {
		t.Errorf("run should be done: %+v", s)
	}
	if s.Terminal() != 2 {
		t.Errorf("terminal rows: got %d, want 2", s.Terminal())
	}
}

func TestOfflineInFlightNeverNegative(t *testing.T) {
	trk := NewOffline("run-b", nil)
	trk.Record(EventSucceeded)
	trk.Record(EventFailed)

	if got := trk.Snapshot().InFlight; got != 0 {
		t.Errorf("InFlight: got %d, want 0", got)
	}
}

func TestOfflineCancelledIdleKeepsInFlight(t *testing.T) {
	trk := NewOffline("run-idle", nil)
	trk.Record(EventSubmitted)
	trk.Record(EventSubmitted)
	trk.Record(EventCancelledIdle)

	s := trk.Snapshot()
	if s.InFlight != 2 {
		t.Errorf("InFlight: got %d, want 2", s.InFlight)
	}
	if s.Cancelled != 1 {
		t.Errorf("Cancelled: got %d, want 1", s.Cancelled)
	}

	trk.Record(EventCancelled)
	s = trk.Snapshot()
	if s.InFlight != 1 {
		t.Errorf("InFlight after in-flight cancel: got %d, want 1", s.InFlight)
	}
	if s.Cancelled != 2 {
		t.Errorf("Cancelled: got %d, want 2", s.Cancelled)
	}
}

func TestOfflineConcurrentRecord(t *testing.T) {
	trk := NewOffline("run-c", nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trk.Record(EventSubmitted)
			trk.Record(EventSucceeded)
		}()
	}
	wg.Wait()

	s := trk.Snapshot()
	if s.Succeeded != 100 {
		t.Errorf("Succeeded: got %d, want 100", s.Succeeded)
	}
	if s.InFlight != 0 {
		t.Errorf("InFlight: got %d, want 0", s.InFlight)
	}
}

type capturePublisher struct {
	mu        sync.Mutex
	snapshots []types.ProgressSnapshot
}

func (p *capturePublisher) Publish(s types.ProgressSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, s)
	return nil
}

func (p *capturePublisher) all() []types.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.ProgressSnapshot(nil), p.snapshots...)
}

func TestOnlinePublishesPeriodically(t *testing.T) {
	pub := &capturePublisher{}
	trk := NewOnline("run-d", nil, pub, 20*time.Millisecond)
	defer trk.Close()

	trk.SetQueued(3)
	trk.Record(EventSubmitted)
	trk.Record(EventSucceeded)

	time.Sleep(70 * time.Millisecond)

	got := pub.all()
	if len(got) < 2 {
		t.Fatalf("published snapshots: got %d, want >= 2", len(got))
	}
	last := got[len(got)-1]
	if last.RunID != "run-d" {
		t.Errorf("RunID: got %s, want run-d", last.RunID)
	}
	if last.Succeeded != 1 {
		t.Errorf("Succeeded: got %d, want 1", last.Succeeded)
	}
	if last.ID == "" {
		t.Error("published snapshot should carry an id")
	}
}

func TestOnlineCloseFlushesFinalSnapshot(t *testing.T) {
	pub := &capturePublisher{}
	trk := NewOnline("run-e", nil, pub, time.Hour)

	trk.SetQueued(1)
	trk.Record(EventSubmitted)
	trk.Record(EventFailed)
	trk.Close()
	trk.Close() // idempotent

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("published snapshots: got %d, want 1", len(got))
	}
	if got[0].Failed != 1 {
		t.Errorf("Failed: got %d, want 1", got[0].Failed)
	}
}

func TestSnapshotIDsUnique(t *testing.T) {
	pub := &capturePublisher{}
	trk := NewOnline("run-f", nil, pub, 10*time.Millisecond)
	time.Sleep(45 * time.Millisecond)
	trk.Close()

	seen := make(map[string]bool)
	for _, s := range pub.all() {
		if seen[s.ID] {
			t.Fatalf("duplicate snapshot id %s", s.ID)
		}
		seen[s.ID] = true
	}
}
