// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/events"
)

// Store backends selectable with PURCHASES_STORE.
const (
	StoreBolt     = "bolt"
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Purchases PurchasesConfig
	Timeouts  TimeoutConfig
	Events    EventsConfig

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Port        string `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// PurchasesConfig holds backend access and local storage settings
type PurchasesConfig struct {
	APIKey      string `env:"PURCHASES_API_KEY"`
	BaseURL     string `env:"PURCHASES_BASE_URL" envDefault:"http://localhost:8080"`
	FallbackURL string `env:"PURCHASES_FALLBACK_URL"`
	DataDir     string `env:"PURCHASES_DATA_DIR" envDefault:"./data"`
	Store       string `env:"PURCHASES_STORE" envDefault:"bolt"`
	// SigningSecret enables response signatures; empty disables verification
	SigningSecret string `env:"PURCHASES_SIGNING_SECRET"`
}

// TimeoutConfig mirrors backend.Timeouts
type TimeoutConfig struct {
	Default          time.Duration `env:"TIMEOUT_DEFAULT" envDefault:"30s"`
	FallbackEligible time.Duration `env:"TIMEOUT_FALLBACK_ELIGIBLE" envDefault:"5s"`
	Reduced          time.Duration `env:"TIMEOUT_REDUCED" envDefault:"2s"`
	ResetInterval    time.Duration `env:"TIMEOUT_RESET_INTERVAL" envDefault:"10m"`
	Divisor          int           `env:"TIMEOUT_DIVISOR" envDefault:"1"`
}

// EventsConfig mirrors events.Limits plus the flush schedule
type EventsConfig struct {
	MaxPerRequest      int    `env:"EVENTS_MAX_PER_REQUEST" envDefault:"200"`
	MaxRetries         int    `env:"EVENTS_MAX_RETRIES" envDefault:"3"`
	SyncWatermarkBytes int64  `env:"EVENTS_SYNC_WATERMARK_BYTES" envDefault:"204800"`
	MaxFileBytes       int64  `env:"EVENTS_MAX_FILE_BYTES" envDefault:"512000"`
	FlushInterval      string `env:"EVENTS_FLUSH_INTERVAL" envDefault:"@every 1m"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the queues and timeout policy cannot work with
func (c *Config) Validate() error {
	switch c.Purchases.Store {
	case StoreBolt, StoreFile, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("PURCHASES_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown PURCHASES_STORE %q", c.Purchases.Store)
	}

	if c.Timeouts.Default <= 0 || c.Timeouts.FallbackEligible <= 0 || c.Timeouts.Reduced <= 0 || c.Timeouts.ResetInterval <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Timeouts.Reduced > c.Timeouts.FallbackEligible {
		return fmt.Errorf("TIMEOUT_REDUCED (%s) must not exceed TIMEOUT_FALLBACK_ELIGIBLE (%s)",
			c.Timeouts.Reduced, c.Timeouts.FallbackEligible)
	}
	if c.Timeouts.Divisor < 1 {
		return fmt.Errorf("TIMEOUT_DIVISOR must be at least 1, got %d", c.Timeouts.Divisor)
	}

	if c.Events.MaxPerRequest <= 0 || c.Events.MaxRetries <= 0 {
		return fmt.Errorf("event batch size and retry limit must be positive")
	}
	if c.Events.SyncWatermarkBytes <= 0 || c.Events.MaxFileBytes <= 0 {
		return fmt.Errorf("event log sizes must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// HasAPIKey returns true if backend credentials are configured
func (c *Config) HasAPIKey() bool {
	return c.Purchases.APIKey != ""
}

// BackendTimeouts converts the timeout settings for the backend client
func (c *Config) BackendTimeouts() backend.Timeouts {
	return backend.Timeouts{
		Default:          c.Timeouts.Default,
		FallbackEligible: c.Timeouts.FallbackEligible,
		Reduced:          c.Timeouts.Reduced,
		ResetInterval:    c.Timeouts.ResetInterval,
		Divisor:          c.Timeouts.Divisor,
	}
}

// EventLimits converts the event settings for the queues
func (c *Config) EventLimits() events.Limits {
	return events.Limits{
		MaxEventsPerRequest: c.Events.MaxPerRequest,
		MaxRetries:          c.Events.MaxRetries,
		SyncWatermarkBytes:  c.Events.SyncWatermarkBytes,
		MaxFileBytes:        c.Events.MaxFileBytes,
	}
}

// Level returns the configured log level, info when unparseable
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// QueueLogPath is where the event log of queue lives
func (c *Config) QueueLogPath(queue string) string {
	return filepath.Join(c.Purchases.DataDir, "events", queue+".jsonl")
}
