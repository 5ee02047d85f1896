package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/events"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PURCHASES_API_KEY", "PURCHASES_BASE_URL", "PURCHASES_FALLBACK_URL", "PURCHASES_STORE",
		"TIMEOUT_DEFAULT", "TIMEOUT_FALLBACK_ELIGIBLE", "TIMEOUT_REDUCED", "TIMEOUT_RESET_INTERVAL", "TIMEOUT_DIVISOR",
		"EVENTS_MAX_PER_REQUEST", "EVENTS_MAX_RETRIES", "EVENTS_SYNC_WATERMARK_BYTES", "EVENTS_MAX_FILE_BYTES",
		"LOG_LEVEL", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreBolt, cfg.Purchases.Store)
	assert.Equal(t, "http://localhost:8080", cfg.Purchases.BaseURL)
	assert.False(t, cfg.HasAPIKey())
	assert.Equal(t, backend.DefaultTimeouts, cfg.BackendTimeouts())
	assert.Equal(t, events.Limits{
		MaxEventsPerRequest: 200,
		MaxRetries:          3,
		SyncWatermarkBytes:  200 * 1024,
		MaxFileBytes:        500 * 1024,
	}, cfg.EventLimits())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PURCHASES_API_KEY", "appl_123")
	t.Setenv("PURCHASES_FALLBACK_URL", "http://fallback:8080")
	t.Setenv("PURCHASES_STORE", StoreMemory)
	t.Setenv("TIMEOUT_REDUCED", "1s")
	t.Setenv("TIMEOUT_DIVISOR", "4")
	t.Setenv("EVENTS_MAX_RETRIES", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.HasAPIKey())
	assert.Equal(t, "http://fallback:8080", cfg.Purchases.FallbackURL)
	assert.Equal(t, time.Second, cfg.BackendTimeouts().Reduced)
	assert.Equal(t, 4, cfg.BackendTimeouts().Divisor)
	assert.Equal(t, 5, cfg.EventLimits().MaxRetries)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("TIMEOUT_DEFAULT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("PURCHASES_STORE", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("TIMEOUT_DEFAULT", "")
	t.Setenv("TIMEOUT_REDUCED", "")
	t.Setenv("TIMEOUT_FALLBACK_ELIGIBLE", "")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Purchases.Store = "s3" }},
		{"postgres without url", func(c *Config) { c.Purchases.Store = StorePostgres; c.DatabaseURL = "" }},
		{"zero timeout", func(c *Config) { c.Timeouts.Default = 0 }},
		{"reduced above fallback eligible", func(c *Config) { c.Timeouts.Reduced = 10 * time.Second }},
		{"zero divisor", func(c *Config) { c.Timeouts.Divisor = 0 }},
		{"zero batch size", func(c *Config) { c.Events.MaxPerRequest = 0 }},
		{"negative retries", func(c *Config) { c.Events.MaxRetries = -1 }},
		{"zero ceiling", func(c *Config) { c.Events.MaxFileBytes = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestQueueLogPath(t *testing.T) {
	cfg := &Config{Purchases: PurchasesConfig{DataDir: "/var/lib/purchases"}}
	assert.Equal(t, "/var/lib/purchases/events/diagnostics.jsonl", cfg.QueueLogPath(events.QueueDiagnostics))
}
