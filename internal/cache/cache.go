// Package cache is the content-addressed response store. Entries are
// keyed by request fingerprint, written once and immutable afterwards.
// Two backends exist: a directory of JSON files with atomic
// temp-then-rename writes, and a pebble key-value store. GetOrCompute
// adds the single-flight guarantee on top of either backend.
package cache

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/jasonkneen/curator/pkg/types"
)

// Store persists validated records by fingerprint. Put is
// first-writer-wins: storing an already-present fingerprint is a no-op.
type Store interface {
	Get(fp types.Fingerprint) (*types.Record, bool, error)
	Put(fp types.Fingerprint, rec *types.Record) error
	Close() error
}

// Cache wraps a Store with single-flight computation merging.
type Cache struct {
	store Store
	group singleflight.Group
	log   *slog.Logger
}

// New creates a cache over the given backend.
func New(store Store, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, log: log}
}

// Get probes the backend for an existing entry.
func (c *Cache) Get(fp types.Fingerprint) (*types.Record, bool, error) {
	return c.store.Get(fp)
}

// GetOrCompute returns the record for fp, executing compute at most once
// across all concurrent callers with the same fingerprint. The returned
// leader flag is true for the caller whose compute actually ran; other
// callers shared its result. Successful results are written through to
// the backend; failures are shared with waiters but never stored.
func (c *Cache) GetOrCompute(ctx context.Context, fp types.Fingerprint, compute func(ctx context.Context) (*types.Record, error)) (rec *types.Record, leader bool, err error) {
	executed := false
	v, err, _ := c.group.Do(string(fp), func() (any, error) {
		if cached, ok, getErr := c.store.Get(fp); getErr == nil && ok {
			return cached, nil
		}
		executed = true
		out, computeErr := compute(ctx)
		if computeErr != nil {
			return nil, computeErr
		}
		if putErr := c.store.Put(fp, out); putErr != nil {
			// The result is still good; only persistence for future
			// resumption is lost.
			c.log.Warn("cache write failed", "fingerprint", fp.Short(), "error", putErr)
		}
		return out, nil
	})
	if err != nil {
		return nil, executed, err
	}
	return v.(*types.Record), executed, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.store.Close()
}
