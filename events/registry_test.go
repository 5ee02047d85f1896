package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/purchasesync/eventlog"
	"github.com/briangreenhill/purchasesync/kvstore"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Empty(t, registry.List())

	dir := t.TempDir()
	counters := kvstore.NewMemory()
	posters := map[string]*recordingPoster{}
	for _, name := range []string{QueuePaywallEvents, QueueDiagnostics} {
		log, err := eventlog.Open[Event](filepath.Join(dir, name, "entries.jsonl"))
		require.NoError(t, err)
		posters[name] = &recordingPoster{}
		q, err := NewQueue(name, log, posters[name], counters, WithScheduler(&recordingScheduler{}))
		require.NoError(t, err)
		registry.Register(q)
	}
	defer registry.Close()

	assert.Equal(t, []string{QueueDiagnostics, QueuePaywallEvents}, registry.List())

	q, ok := registry.Get(QueueDiagnostics)
	require.True(t, ok)
	trackN(t, q, 2)

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	outcomes := registry.FlushAll(context.Background())
	assert.Equal(t, map[string]FlushOutcome{
		QueueDiagnostics:   FlushSynced,
		QueuePaywallEvents: FlushEmpty,
	}, outcomes)
	assert.Equal(t, 1, posters[QueueDiagnostics].calls())
	assert.Zero(t, posters[QueuePaywallEvents].calls())
}
