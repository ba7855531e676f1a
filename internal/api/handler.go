package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/jasonkneen/curator/internal/cache"
	"github.com/jasonkneen/curator/internal/engine"
	"github.com/jasonkneen/curator/internal/manifest"
	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/retry"
	"github.com/jasonkneen/curator/internal/tracker"
	"github.com/jasonkneen/curator/pkg/types"
)

// Deps holds the long-lived components shared across runs.
type Deps struct {
	Manifest         *manifest.Store
	Cache            *cache.Cache
	Limiter          *ratelimit.Limiter
	Clients          map[string]provider.Client
	Policy           retry.Policy
	Metrics          *tracker.Metrics
	Publisher        tracker.Publisher
	ProgressInterval time.Duration
	Concurrency      int
	Log              *slog.Logger
}

// Handler serves the run management API. Each submitted run gets its own
// engine and tracker; the handler keeps trackers of in-flight runs so
// progress queries can see live counters before rows reach the manifest.
type Handler struct {
	deps Deps

	mu     sync.Mutex
	active map[string]tracker.Tracker
	wg     sync.WaitGroup
}

func NewHandler(deps Deps) *Handler {
	if deps.ProgressInterval <= 0 {
		deps.ProgressInterval = 5 * time.Second
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Handler{
		deps:   deps,
		active: make(map[string]tracker.Tracker),
	}
}

// Wait blocks until every launched run has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

type SubmitRunRequest struct {
	RunID       string          `json:"run_id"`
	RetryFailed bool            `json:"retry_failed"`
	Requests    []types.Request `json:"requests"`
}

type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Queued int    `json:"queued"`
	Status string `json:"status"`
}

type RunStatusResponse struct {
	RunID    string                  `json:"run_id"`
	Status   string                  `json:"status"`
	Total    int                     `json:"total_rows"`
	Progress *types.ProgressSnapshot `json:"progress,omitempty"`
	Counts   map[string]int          `json:"counts,omitempty"`
}

func (h *Handler) SubmitRun(c *fiber.Ctx) error {
	var req SubmitRunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "invalid request body: " + err.Error(),
		})
	}
	if len(req.Requests) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "requests must not be empty",
		})
	}
	for i := range req.Requests {
		req.Requests[i].RowID = i
		if req.Requests[i].Provider == "" || req.Requests[i].Model == "" {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error: "every request needs a provider and a model",
			})
		}
		if _, ok := h.deps.Clients[req.Requests[i].Provider]; !ok {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error: "unknown provider: " + req.Requests[i].Provider,
			})
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = "run_" + uuid.New().String()
	}

	h.mu.Lock()
	if _, busy := h.active[runID]; busy {
		h.mu.Unlock()
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error: "run already in progress: " + runID,
		})
	}
	// Create the tracker only once the id is reserved. An Online tracker
	// starts a reporting goroutine that only Close stops, so it must not
	// exist on the conflict path.
	trk := h.newTracker(runID)
	h.active[runID] = trk
	h.mu.Unlock()

	eng := engine.New(engine.Options{
		Clients:     h.deps.Clients,
		Limiter:     h.deps.Limiter,
		Cache:       h.deps.Cache,
		Policy:      h.deps.Policy,
		Tracker:     trk,
		Manifest:    h.deps.Manifest,
		Log:         h.deps.Log.With("run", runID),
		RunID:       runID,
		Concurrency: h.deps.Concurrency,
		RetryFailed: req.RetryFailed,
	})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.release(runID, trk)
		if _, err := eng.Run(context.Background(), req.Requests); err != nil {
			h.deps.Log.Error("run finished with error", "run", runID, "error", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(SubmitRunResponse{
		RunID:  runID,
		Queued: len(req.Requests),
		Status: "running",
	})
}

func (h *Handler) newTracker(runID string) tracker.Tracker {
	if h.deps.Publisher == nil {
		return tracker.NewOffline(runID, h.deps.Metrics)
	}
	return tracker.NewOnline(runID, h.deps.Metrics, h.deps.Publisher, h.deps.ProgressInterval)
}

func (h *Handler) release(runID string, trk tracker.Tracker) {
	if on, ok := trk.(*tracker.Online); ok {
		on.Close()
	}
	h.mu.Lock()
	delete(h.active, runID)
	h.mu.Unlock()
}

func (h *Handler) GetRun(c *fiber.Ctx) error {
	runID := c.Params("id")

	h.mu.Lock()
	trk, running := h.active[runID]
	h.mu.Unlock()

	rec, err := h.deps.Manifest.GetRun(c.Context(), runID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: "load run: " + err.Error(),
		})
	}
	if rec == nil && !running {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error: "run not found: " + runID,
		})
	}

	resp := RunStatusResponse{RunID: runID}
	if rec != nil {
		resp.Status = rec.Status
		resp.Total = rec.TotalRows
	}
	if running {
		resp.Status = manifest.RunStatusActive
		snap := trk.Snapshot()
		resp.Progress = &snap
	}
	stats, err := h.deps.Manifest.RunStats(c.Context(), runID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: "load run stats: " + err.Error(),
		})
	}
	if len(stats) > 0 {
		resp.Counts = make(map[string]int, len(stats))
		for kind, n := range stats {
			resp.Counts[string(kind)] = n
		}
	}
	return c.JSON(resp)
}

func (h *Handler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.deps.Manifest.ListRuns(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: "list runs: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (h *Handler) GetFailures(c *fiber.Ctx) error {
	runID := c.Params("id")
	failures, err := h.deps.Manifest.Failures(c.Context(), runID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: "load failures: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{"run_id": runID, "failures": failures})
}
