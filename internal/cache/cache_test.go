package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jasonkneen/curator/pkg/types"
)

func setupFileCache(t *testing.T) (*Cache, *FileStore) {
	t.Helper()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	return New(store, nil), store
}

func TestGetOrComputeMiss(t *testing.T) {
	c, _ := setupFileCache(t)
	fp := types.Fingerprint("aa11")

	rec, leader, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.Record, error) {
		return &types.Record{Message: "computed"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if !leader {
		t.Error("sole caller should be the leader")
	}
	if rec.Message != "computed" {
		t.Errorf("Message: got %q, want computed", rec.Message)
	}

	// The result is persisted for later runs.
	got, hit, err := c.Get(fp)
	if err != nil || !hit {
		t.Fatalf("Get after compute: hit=%v err=%v", hit, err)
	}
	if got.Message != "computed" {
		t.Errorf("persisted Message: got %q, want computed", got.Message)
	}
}

func TestGetOrComputeHitSkipsCompute(t *testing.T) {
	c, store := setupFileCache(t)
	fp := types.Fingerprint("bb22")

	if err := store.Put(fp, &types.Record{Message: "stored"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	computed := false
	rec, _, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.Record, error) {
		computed = true
		return &types.Record{Message: "fresh"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if computed {
		t.Error("compute ran despite a stored entry")
	}
	if rec.Message != "stored" {
		t.Errorf("Message: got %q, want stored", rec.Message)
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c, _ := setupFileCache(t)
	fp := types.Fingerprint("cc33")

	var computes atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	const callers = 20
	var leaders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, leader, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.Record, error) {
				if computes.Add(1) == 1 {
					close(started)
				}
				<-release
				return &types.Record{Message: "once"}, nil
			})
			if err != nil {
				t.Errorf("GetOrCompute failed: %v", err)
				return
			}
			if leader {
				leaders.Add(1)
			}
			if rec.Message != "once" {
				t.Errorf("Message: got %q, want once", rec.Message)
			}
		}()
	}

	// Hold the leader in flight until the other callers have had time to
	// join it.
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Errorf("compute invocations: got %d, want 1", got)
	}
	if got := leaders.Load(); got != 1 {
		t.Errorf("leaders: got %d, want 1", got)
	}
}

func TestGetOrComputeFailureNotStored(t *testing.T) {
	c, _ := setupFileCache(t)
	fp := types.Fingerprint("dd44")
	boom := errors.New("provider down")

	_, _, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.Record, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}

	if _, hit, _ := c.Get(fp); hit {
		t.Error("failed compute must not be cached")
	}

	// The next call recomputes.
	rec, _, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (*types.Record, error) {
		return &types.Record{Message: "recovered"}, nil
	})
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if rec.Message != "recovered" {
		t.Errorf("Message: got %q, want recovered", rec.Message)
	}
}

func TestFileStoreFirstWriterWins(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	fp := types.Fingerprint("ee55")

	if err := store.Put(fp, &types.Record{Message: "first"}); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := store.Put(fp, &types.Record{Message: "second"}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	rec, hit, err := store.Get(fp)
	if err != nil || !hit {
		t.Fatalf("Get failed: hit=%v err=%v", hit, err)
	}
	if rec.Message != "first" {
		t.Errorf("Message: got %q, want first", rec.Message)
	}
}

func TestMemStoreFirstWriterWins(t *testing.T) {
	store := NewMemStore()
	fp := types.Fingerprint("aa11")

	if _, hit, err := store.Get(fp); err != nil || hit {
		t.Fatalf("empty store Get: hit=%v err=%v", hit, err)
	}
	if err := store.Put(fp, &types.Record{Message: "first"}); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := store.Put(fp, &types.Record{Message: "second"}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	rec, hit, err := store.Get(fp)
	if err != nil || !hit {
		t.Fatalf("Get failed: hit=%v err=%v", hit, err)
	}
	if rec.Message != "first" {
		t.Errorf("Message: got %q, want first", rec.Message)
	}
}

func TestFileStoreCorruptEntryTreatedAsMiss(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	fp := types.Fingerprint("ff66deadbeef")
	path := filepath.Join(root, "ff", string(fp)+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, hit, err := store.Get(fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit {
		t.Error("corrupt entry reported as hit")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("corrupt entry should be removed")
	}
}

func TestFileStoreNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	fp := types.Fingerprint("ab12cd34")
	if err := store.Put(fp, &types.Record{Message: "x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "ab"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("shard entries: got %d, want 1", len(entries))
	}
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPebbleStore(filepath.Join(dir, "cache.pebble"))
	if err != nil {
		t.Fatalf("Failed to create pebble store: %v", err)
	}

	fp := types.Fingerprint("0099aabb")
	rec := &types.Record{
		Message: `{"title":"x"}`,
		Fields:  map[string]any{"title": "x"},
		Usage:   types.TokenUsage{Prompt: 5, Completion: 3, Total: 8},
	}

	if _, hit, _ := store.Get(fp); hit {
		t.Fatal("unexpected hit on empty store")
	}
	if err := store.Put(fp, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(fp, &types.Record{Message: "late"}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Entries survive a reopen and the first write wins.
	reopened, err := NewPebbleStore(filepath.Join(dir, "cache.pebble"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, hit, err := reopened.Get(fp)
	if err != nil || !hit {
		t.Fatalf("Get after reopen: hit=%v err=%v", hit, err)
	}
	if got.Message != rec.Message {
		t.Errorf("Message: got %q, want %q", got.Message, rec.Message)
	}
	if got.Usage.Total != 8 {
		t.Errorf("Usage.Total: got %d, want 8", got.Usage.Total)
	}
}
