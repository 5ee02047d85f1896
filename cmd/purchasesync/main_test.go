package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/purchasesync/events"
	"github.com/briangreenhill/purchasesync/internal/http/routes"
)

func setupEnv(t *testing.T) *routes.Server {
	t.Helper()
	dev := routes.New(routes.ServerOptions{APIKey: "appl_cli", SigningSecret: "s", Logger: zerolog.Nop()})
	srv := httptest.NewServer(dev.Router)
	t.Cleanup(srv.Close)

	t.Setenv("PURCHASES_API_KEY", "appl_cli")
	t.Setenv("PURCHASES_SIGNING_SECRET", "s")
	t.Setenv("PURCHASES_BASE_URL", srv.URL)
	t.Setenv("PURCHASES_FALLBACK_URL", "")
	t.Setenv("PURCHASES_DATA_DIR", t.TempDir())
	t.Setenv("PURCHASES_STORE", "file")
	t.Setenv("LOG_LEVEL", "error")
	return dev
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runCLI(context.Background(), args, &out))
	return out.String()
}

func TestHelpAndVersion(t *testing.T) {
	assert.Contains(t, run(t, "help"), "Usage: purchasesync")
	assert.Contains(t, run(t), "Usage: purchasesync")
	assert.Contains(t, run(t, "--version"), "purchasesync v")
}

func TestUnknownCommand(t *testing.T) {
	setupEnv(t)
	err := runCLI(context.Background(), []string{"nope"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown command")
}

func TestMissingAPIKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("PURCHASES_API_KEY", "")
	err := runCLI(context.Background(), []string{"mapping"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCustomerIsCachedAcrossRuns(t *testing.T) {
	setupEnv(t)
	assert.Contains(t, run(t, "customer", "user-1"), "origin=network verification=verified")
	assert.Contains(t, run(t, "customer", "user-1"), "origin=cache verification=verified")
	assert.Contains(t, run(t, "customer", "user-1", "--force"), "origin=network")

	assert.Contains(t, run(t, "clear-cache"), "cache cleared")
	assert.Contains(t, run(t, "customer", "user-1"), "origin=network")
}

func TestTrackFlushStatus(t *testing.T) {
	dev := setupEnv(t)

	assert.Contains(t, run(t, "track", events.QueuePaywallEvents, "paywall_impression", "offering=default"), "tracked")
	assert.Contains(t, run(t, "track", events.QueuePaywallEvents, "paywall_close"), "tracked")
	assert.NotContains(t, run(t, "status"), "paywall_events: bytes=0 ")

	out := run(t, "flush")
	assert.Contains(t, out, "paywall_events: synced")
	assert.Contains(t, out, "diagnostics: empty")
	assert.Len(t, dev.Received(routes.RouteEvents), 2)

	assert.Contains(t, run(t, "status"), "paywall_events: bytes=0 consecutive_failures=0")
}

func TestTrackErrors(t *testing.T) {
	setupEnv(t)
	err := runCLI(context.Background(), []string{"track", "unknown", "kind"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "not found")

	err = runCLI(context.Background(), []string{"track", events.QueueDiagnostics, "kind", "novalue"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "key=value")
}

func TestFlushRetriesThenDiscards(t *testing.T) {
	dev := setupEnv(t)
	t.Setenv("EVENTS_MAX_RETRIES", "2")
	dev.SetFault(routes.RouteDiagnostics, routes.Fault{Status: 503})

	run(t, "track", events.QueueDiagnostics, "http_request_performed")
	assert.Contains(t, run(t, "flush", events.QueueDiagnostics), "retry_later")
	assert.Contains(t, run(t, "status"), "diagnostics: bytes=")
	assert.Contains(t, run(t, "status"), "consecutive_failures=1")
	assert.Contains(t, run(t, "flush", events.QueueDiagnostics), "discarded")
	assert.Contains(t, run(t, "status"), "diagnostics: bytes=0 consecutive_failures=0")
}
