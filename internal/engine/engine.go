// Package engine is the request orchestration core: it turns a set of
// prompt-generation requests into validated outcomes under concurrency,
// rate-limit, retry, and caching constraints. Every request that enters
// a run leaves it with exactly one outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jasonkneen/curator/internal/cache"
	"github.com/jasonkneen/curator/internal/manifest"
	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/retry"
	"github.com/jasonkneen/curator/internal/tracker"
	"github.com/jasonkneen/curator/internal/validator"
	"github.com/jasonkneen/curator/pkg/types"
)

// Options wires an Engine. Clients maps provider identifiers to their
// client implementations; requests route by Request.Provider.
type Options struct {
	Clients   map[string]provider.Client
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Policy    retry.Policy
	Validator validator.Validator
	Tracker   tracker.Tracker
	Manifest  *manifest.Store // optional; enables resumability
	Log       *slog.Logger

	RunID       string
	Concurrency int
	// RetryFailed treats previously failed rows as non-terminal on
	// resume, clearing them from the manifest first.
	RetryFailed bool
}

// Engine dispatches requests against provider clients.
type Engine struct {
	clients   map[string]provider.Client
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	policy    retry.Policy
	validate  validator.Validator
	tracker   tracker.Tracker
	manifest  *manifest.Store
	log       *slog.Logger
	runID     string
	workers   int
	retryFail bool
}

// New creates an engine. Zero Concurrency defaults to 10 workers; a nil
// Cache gets an in-memory store and a nil Limiter the default ceilings.
func New(opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Validator == nil {
		opts.Validator = validator.JSON{}
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.NewOffline(opts.RunID, nil)
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.NewMemStore(), opts.Log)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultConfig(), nil)
	}
	return &Engine{
		clients:   opts.Clients,
		limiter:   opts.Limiter,
		cache:     opts.Cache,
		policy:    opts.Policy,
		validate:  opts.Validator,
		tracker:   opts.Tracker,
		manifest:  opts.Manifest,
		log:       opts.Log,
		runID:     opts.RunID,
		workers:   opts.Concurrency,
		retryFail: opts.RetryFailed,
	}
}

// Run processes the requests and returns their outcomes in completion
// order. Rows already terminal in the manifest are skipped entirely. On
// a fatal failure (authentication) the run aborts: the triggering row
// fails, in-flight rows cancel, unstarted rows report not-attempted, and
// the fatal error is returned alongside the outcomes collected so far.
func (e *Engine) Run(ctx context.Context, requests []types.Request) ([]types.Outcome, error) {
	pending, err := e.prepare(ctx, requests)
	if err != nil {
		return nil, err
	}
	e.tracker.SetQueued(len(pending))
	if len(pending) == 0 {
		e.finishRun(manifest.RunStatusComplete)
		return nil, nil
	}

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	outcomes := make([]types.Outcome, 0, len(pending))
	results := make(chan types.Outcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range results {
			outcomes = append(outcomes, o)
		}
	}()

	g := new(errgroup.Group)
	sem := make(chan struct{}, e.workers)
	for _, req := range pending {
		req := req
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				results <- e.preempted(runCtx, req, 0, time.Now(), false)
				return nil
			}
			o := e.processRow(runCtx, req, abort)
			e.markTerminal(o)
			results <- o
			return nil
		})
	}

	g.Wait()
	close(results)
	<-collected

	cause := context.Cause(runCtx)
	switch {
	case cause != nil && !errors.Is(cause, context.Canceled):
		e.finishRun(manifest.RunStatusAborted)
		return outcomes, cause
	case ctx.Err() != nil:
		e.finishRun(manifest.RunStatusAborted)
		return outcomes, ctx.Err()
	default:
		e.finishRun(manifest.RunStatusComplete)
		return outcomes, nil
	}
}

// prepare registers the run and filters out rows the manifest already
// holds terminal.
func (e *Engine) prepare(ctx context.Context, requests []types.Request) ([]types.Request, error) {
	if e.manifest == nil {
		return requests, nil
	}
	if err := e.manifest.CreateRun(ctx, e.runID, len(requests)); err != nil {
		return nil, err
	}
	if e.retryFail {
		n, err := e.manifest.DeleteFailures(ctx, e.runID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			e.log.Info("cleared failed rows for retry", "run", e.runID, "rows", n)
		}
	}
	terminal, err := e.manifest.TerminalRows(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	if len(terminal) == 0 {
		return requests, nil
	}

	pending := make([]types.Request, 0, len(requests))
	for _, req := range requests {
		if _, done := terminal[req.RowID]; !done {
			pending = append(pending, req)
		}
	}
	e.log.Info("resuming run", "run", e.runID,
		"total", len(requests), "terminal", len(terminal), "pending", len(pending))
	return pending, nil
}

func (e *Engine) processRow(ctx context.Context, req types.Request, abort context.CancelCauseFunc) types.Outcome {
	start := time.Now()
	fp := types.FingerprintOf(req)

	if ctx.Err() != nil {
		return e.preempted(ctx, req, 0, start, false)
	}

	client, ok := e.clients[req.Provider]
	if !ok {
		e.tracker.Record(tracker.EventSubmitted)
		e.tracker.Record(tracker.EventFailed)
		return e.outcome(req, fp, types.OutcomeFailed, nil,
			fmt.Sprintf("no client configured for provider %q", req.Provider), 0, start)
	}

	// Cached hits bypass rate limiting and the provider entirely.
	if rec, hit, err := e.cache.Get(fp); err == nil && hit {
		e.tracker.Record(tracker.EventCachedHit)
		return e.outcome(req, fp, types.OutcomeCachedHit, rec, "", 0, start)
	}

	e.tracker.Record(tracker.EventSubmitted)

	attempts := 0
	validationAttempts := 0
	for {
		attempts++
		rec, leadership, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (*types.Record, error) {
			return e.attempt(ctx, client, req)
		})
		if err == nil {
			if leadership {
				e.tracker.RecordUsage(rec.Usage)
				e.tracker.Record(tracker.EventSucceeded)
				return e.outcome(req, fp, types.OutcomeSucceeded, rec, "", attempts, start)
			}
			e.tracker.Record(tracker.EventShared)
			return e.outcome(req, fp, types.OutcomeShared, rec, "", attempts, start)
		}
		if ctx.Err() != nil {
			return e.preempted(ctx, req, attempts, start, true)
		}

		switch e.policy.Classify(err) {
		case retry.ClassFatal:
			e.log.Error("fatal failure, aborting run", "run", e.runID, "row", req.RowID, "error", err)
			abort(err)
			e.tracker.Record(tracker.EventFailed)
			return e.outcome(req, fp, types.OutcomeFailed, nil, err.Error(), attempts, start)
		case retry.ClassPermanent:
			e.tracker.Record(tracker.EventFailed)
			return e.outcome(req, fp, types.OutcomeFailed, nil, err.Error(), attempts, start)
		}

		if retry.IsValidation(err) {
			validationAttempts++
			if validationAttempts >= e.policy.MaxValidationAttempts {
				e.tracker.Record(tracker.EventFailed)
				return e.outcome(req, fp, types.OutcomeFailed, nil,
					fmt.Sprintf("validation attempts exhausted: %v", err), attempts, start)
			}
		}
		if attempts >= e.policy.MaxAttempts {
			e.tracker.Record(tracker.EventFailed)
			return e.outcome(req, fp, types.OutcomeFailed, nil,
				fmt.Sprintf("attempts exhausted: %v", err), attempts, start)
		}

		e.tracker.Record(tracker.EventRetried)
		delay := e.policy.Delay(attempts)
		e.log.Debug("retrying row", "run", e.runID, "row", req.RowID,
			"attempt", attempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return e.preempted(ctx, req, attempts, start, true)
		}
	}
}

// attempt runs inside the cache's single-flight section: only the
// leading caller for a fingerprint pays rate-limit capacity and makes
// the provider call.
func (e *Engine) attempt(ctx context.Context, client provider.Client, req types.Request) (*types.Record, error) {
	estimated := client.EstimateTokens(req)
	if err := e.limiter.Acquire(ctx, req.Provider, estimated); err != nil {
		return nil, err
	}

	resp, err := client.Send(ctx, req)
	if err != nil {
		e.limiter.Release(req.Provider, estimated, 0)
		if provider.IsRateLimit(err) {
			e.limiter.ReportThrottle(req.Provider)
		}
		return nil, err
	}
	e.limiter.Release(req.Provider, estimated, resp.Usage.Total)

	return e.validate.Validate(resp, req.Schema)
}

// preempted reports a row interrupted by run cancellation. Rows that
// never started under a fatal abort are not-attempted rather than
// failed; everything else is cancelled. submitted tells the tracker
// whether the row holds an in-flight slot to give back.
func (e *Engine) preempted(ctx context.Context, req types.Request, attempts int, start time.Time, submitted bool) types.Outcome {
	fp := types.FingerprintOf(req)
	cause := context.Cause(ctx)
	fatal := cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded)

	if fatal && attempts == 0 && !submitted {
		e.tracker.Record(tracker.EventNotAttempted)
		return e.outcome(req, fp, types.OutcomeNotAttempted, nil, "", 0, start)
	}
	if submitted {
		e.tracker.Record(tracker.EventCancelled)
	} else {
		e.tracker.Record(tracker.EventCancelledIdle)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return e.outcome(req, fp, types.OutcomeCancelled, nil, msg, attempts, start)
}

func (e *Engine) outcome(req types.Request, fp types.Fingerprint, kind types.OutcomeKind, rec *types.Record, errMsg string, attempts int, start time.Time) types.Outcome {
	return types.Outcome{
		RowID:       req.RowID,
		Kind:        kind,
		Fingerprint: fp,
		Record:      rec,
		Error:       errMsg,
		Attempts:    attempts,
		Latency:     time.Since(start),
		CompletedAt: time.Now().UTC(),
	}
}

func (e *Engine) markTerminal(o types.Outcome) {
	if e.manifest == nil || !o.Kind.Terminal() {
		return
	}
	// The run context may already be cancelled; manifest writes must
	// still land so the resumed run skips this row.
	if err := e.manifest.MarkTerminal(context.Background(), e.runID, o); err != nil {
		e.log.Warn("manifest write failed", "run", e.runID, "row", o.RowID, "error", err)
	}
}

func (e *Engine) finishRun(status string) {
	if e.manifest == nil {
		return
	}
	if err := e.manifest.FinishRun(context.Background(), e.runID, status); err != nil {
		e.log.Warn("manifest finish failed", "run", e.runID, "error", err)
	}
}
