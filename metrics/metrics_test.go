package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.CacheLookup("hit")
	c.CacheStore("stored")
	c.Request("get_customer", "primary", 200, time.Second)
	c.Fallback("get_customer", "timeout")
	c.EventTracked("diagnostics")
	c.FlushOutcome("diagnostics", "synced")
	c.LogSize("diagnostics", 10)
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(reg)

	c.CacheLookup("hit")
	c.CacheLookup("hit")
	c.CacheLookup("miss")
	c.FlushOutcome("diagnostics", "synced")
	c.LogSize("diagnostics", 2048)

	if got := testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(c.flushOutcomes.WithLabelValues("diagnostics", "synced")); got != 1 {
		t.Errorf("expected 1 synced flush, got %v", got)
	}
	if got := testutil.ToFloat64(c.logBytes.WithLabelValues("diagnostics")); got != 2048 {
		t.Errorf("expected log size 2048, got %v", got)
	}
}
