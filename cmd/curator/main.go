package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/jasonkneen/curator/internal/cache"
	"github.com/jasonkneen/curator/internal/config"
	"github.com/jasonkneen/curator/internal/dataset"
	"github.com/jasonkneen/curator/internal/engine"
	"github.com/jasonkneen/curator/internal/manifest"
	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/tracker"
)

func main() {
	var (
		inputPath   = flag.String("input", "", "requests JSONL file (required)")
		outputPath  = flag.String("output", "outcomes.jsonl", "outcomes JSONL file")
		parquetPath = flag.String("parquet", "", "also export succeeded rows to a parquet file")
		configFile  = flag.String("config", "", "YAML config file")
		envFile     = flag.String("env", ".env", "dotenv file")
		runID       = flag.String("run-id", "", "run identifier, reuse to resume")
		retryFailed = flag.Bool("retry-failed", false, "re-attempt previously failed rows on resume")
		providerID  = flag.String("provider", "", "default provider for rows that omit one")
		model       = flag.String("model", "", "default model for rows that omit one")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: curator -input requests.jsonl [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(log, *inputPath, *outputPath, *parquetPath, *configFile, *envFile, *runID, *providerID, *model, *retryFailed); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, inputPath, outputPath, parquetPath, configFile, envFile, runID, providerID, model string, retryFailed bool) error {
	var cfg *config.Config
	var err error
	if configFile != "" {
		os.Setenv("CONFIG_FILE", configFile)
	}
	cfg, err = config.Load(envFile)
	if err != nil {
		return err
	}

	requests, err := dataset.ReadRequests(inputPath, dataset.Defaults{
		Provider: providerID,
		Model:    model,
	})
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("no requests in %s", inputPath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var store cache.Store
	if cfg.CacheBackend == "pebble" {
		store, err = cache.NewPebbleStore(filepath.Join(cfg.DataDir, "cache.pebble"))
	} else {
		store, err = cache.NewFileStore(cfg.CacheDir)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	man, err := manifest.New(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer man.Close()

	clients := make(map[string]provider.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients[p.Name] = provider.NewOpenAI(provider.OpenAIConfig{
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			APIKey:            p.APIKey,
			Timeout:           cfg.RequestTimeout,
			MaxOutputTokens:   p.MaxOutputTokens,
			RequestsPerSecond: p.RequestsPerSecond,
		})
	}

	if runID == "" {
		runID = "run_" + uuid.New().String()
		log.Info("assigned run id", "run", runID)
	}

	// Resuming rewrites the outcome file so failed and half-written rows
	// get fresh attempts instead of duplicate lines.
	if _, err := os.Stat(outputPath); err == nil {
		kept, err := dataset.Compact(outputPath)
		if err != nil {
			return fmt.Errorf("compact previous outcomes: %w", err)
		}
		log.Info("resuming output file", "path", outputPath, "kept", len(kept))
	}
	sink, err := dataset.OpenSink(outputPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	trk := tracker.NewOffline(runID, nil)
	eng := engine.New(engine.Options{
		Clients:     clients,
		Limiter:     ratelimit.New(cfg.RateLimit, cfg.RateOverrides()),
		Cache:       cache.New(store, log),
		Policy:      cfg.Retry,
		Tracker:     trk,
		Manifest:    man,
		Log:         log,
		RunID:       runID,
		Concurrency: cfg.Concurrency,
		RetryFailed: retryFailed,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcomes, runErr := eng.Run(ctx, requests)
	for _, o := range outcomes {
		if err := sink.Write(o); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
	}

	s := trk.Snapshot()
	log.Info("run finished",
		"run", runID,
		"done", s.Done(),
		"queued", s.Queued,
		"terminal", s.Terminal(),
		"succeeded", s.Succeeded,
		"cached_hits", s.CachedHits,
		"shared", s.Shared,
		"failed", s.Failed,
		"cancelled", s.Cancelled,
		"not_attempted", s.NotAttempted,
		"retries", s.Retries,
		"prompt_tokens", s.PromptTokens,
		"output_tokens", s.OutputTokens,
	)

	if parquetPath != "" {
		n, err := dataset.ExportParquet(parquetPath, outcomes)
		if err != nil {
			return err
		}
		log.Info("exported parquet", "path", parquetPath, "rows", n)
	}
	return runErr
}
