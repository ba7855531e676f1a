// Package config loads engine configuration from environment variables
// with an optional YAML file for structured sections (providers and
// their rate ceilings), which are awkward to express in flat env vars.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jasonkneen/curator/internal/ratelimit"
	"github.com/jasonkneen/curator/internal/retry"
)

// Provider describes one configured LLM endpoint.
type Provider struct {
	Name              string           `yaml:"name"`
	BaseURL           string           `yaml:"base_url"`
	APIKey            string           `yaml:"api_key"`
	APIKeyEnv         string           `yaml:"api_key_env"`
	MaxOutputTokens   int              `yaml:"max_output_tokens"`
	RequestsPerSecond float64          `yaml:"requests_per_second"`
	RateLimit         *ratelimit.Config `yaml:"rate_limit"`
}

// Config is the full service configuration.
type Config struct {
	// HTTP Configuration
	HTTPAddr string `yaml:"http_addr"`

	// Data layout
	DataDir      string `yaml:"data_dir"`
	CacheDir     string `yaml:"cache_dir"`
	CacheBackend string `yaml:"cache_backend"` // "file" or "pebble"
	ManifestPath string `yaml:"manifest_path"`

	// Dispatch
	Concurrency     int           `yaml:"concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`

	// Retry policy
	Retry retry.Policy `yaml:"retry"`

	// Rate limiting
	RateLimit ratelimit.Config `yaml:"rate_limit"`

	// Progress reporting
	NatsURL          string        `yaml:"nats_url"`
	ProgressSubject  string        `yaml:"progress_subject"`
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// Providers
	Providers []Provider `yaml:"providers"`
}

// Load builds the configuration from the environment, optionally
// seeding the environment from a dotenv file first and overlaying a
// YAML config file when CONFIG_FILE (or the argument) points at one.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	cfg := &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		DataDir:          getEnv("DATA_DIR", "data"),
		CacheDir:         getEnv("CACHE_DIR", "data/cache"),
		CacheBackend:     getEnv("CACHE_BACKEND", "file"),
		ManifestPath:     getEnv("MANIFEST_PATH", "data/metadata.db"),
		Concurrency:      getEnvInt("CONCURRENCY", 10),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", "300s"),
		MaxOutputTokens:  getEnvInt("MAX_OUTPUT_TOKENS", 1024),
		NatsURL:          getEnv("NATS_URL", ""),
		ProgressSubject:  getEnv("PROGRESS_SUBJECT", ""),
		ProgressInterval: getEnvDuration("PROGRESS_INTERVAL", "5s"),
		Retry: retry.Policy{
			MaxAttempts:           getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			MaxValidationAttempts: getEnvInt("RETRY_MAX_VALIDATION_ATTEMPTS", 3),
			InitialBackoff:        getEnvDuration("RETRY_INITIAL_BACKOFF", "250ms"),
			MaxBackoff:            getEnvDuration("RETRY_MAX_BACKOFF", "10s"),
			Multiplier:            getEnvFloat("RETRY_MULTIPLIER", 2),
			Jitter:                getEnvFloat("RETRY_JITTER", 0.25),
		},
		RateLimit: ratelimit.Config{
			RequestsPerWindow: getEnvInt("RATE_REQUESTS_PER_WINDOW", 3000),
			TokensPerWindow:   getEnvInt("RATE_TOKENS_PER_WINDOW", 150000),
			Window:            getEnvDuration("RATE_WINDOW", "1m"),
		},
	}

	if file := getEnv("CONFIG_FILE", ""); file != "" {
		if err := cfg.mergeFile(file); err != nil {
			return nil, err
		}
	}

	cfg.finalizeProviders()
	return cfg, nil
}

// FromFile loads configuration from a YAML file on top of env defaults.
func FromFile(path string) (*Config, error) {
	cfg, err := Load("")
	if err != nil {
		return nil, err
	}
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	// The file may have replaced the provider list; resolve keys again.
	cfg.finalizeProviders()
	return cfg, nil
}

func (c *Config) finalizeProviders() {
	if len(c.Providers) == 0 {
		c.Providers = []Provider{{
			Name:      "openai",
			BaseURL:   getEnv("OPENAI_BASE_URL", ""),
			APIKeyEnv: "OPENAI_API_KEY",
		}}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.MaxOutputTokens == 0 {
			p.MaxOutputTokens = c.MaxOutputTokens
		}
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// RateOverrides maps provider names to their per-endpoint ceilings.
func (c *Config) RateOverrides() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config)
	for _, p := range c.Providers {
		if p.RateLimit != nil {
			out[p.Name] = *p.RateLimit
		}
	}
	return out
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
