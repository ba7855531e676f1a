package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jasonkneen/curator/internal/api"
	"github.com/jasonkneen/curator/internal/cache"
	"github.com/jasonkneen/curator/internal/config"
	"github.com/jasonkneen/curator/internal/manifest"
	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/tracker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("Failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	store, err := openCacheStore(cfg)
	if err != nil {
		log.Error("Failed to open response cache", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	man, err := manifest.New(cfg.ManifestPath)
	if err != nil {
		log.Error("Failed to open run manifest", "path", cfg.ManifestPath, "error", err)
		os.Exit(1)
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

	metrics := tracker.NewMetrics()

	publisher, err := tracker.NewNATSPublisher(cfg.NatsURL, cfg.ProgressSubject, log)
	if err != nil {
		log.Error("Failed to connect progress publisher", "url", cfg.NatsURL, "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	handler := api.NewHandler(api.Deps{
		Manifest:         man,
		Cache:            cache.New(store, log),
		Limiter:          ratelimit.New(cfg.RateLimit, cfg.RateOverrides()),
		Clients:          clients,
		Policy:           cfg.Retry,
		Metrics:          metrics,
		Publisher:        publisherOrNil(publisher),
		ProgressInterval: cfg.ProgressInterval,
		Concurrency:      cfg.Concurrency,
		Log:              log,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    50 * 1024 * 1024, // 50MB, batch submissions are large
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	api.SetupRoutes(app, handler)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server")
		if err := app.Shutdown(); err != nil {
			log.Error("Error during shutdown", "error", err)
		}
	}()

	log.Info("Starting curator server", "addr", cfg.HTTPAddr)
	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	handler.Wait()
}

func openCacheStore(cfg *config.Config) (cache.Store, error) {
	if cfg.CacheBackend == "pebble" {
		return cache.NewPebbleStore(filepath.Join(cfg.DataDir, "cache.pebble"))
	}
	return cache.NewFileStore(cfg.CacheDir)
}

// publisherOrNil keeps a typed-nil *NATSPublisher out of the Publisher
// interface so the handler falls back to offline tracking.
func publisherOrNil(p *tracker.NATSPublisher) tracker.Publisher {
	if p == nil {
		return nil
	}
	return p
}
