// Package metrics exposes Prometheus instrumentation for the response cache,
// the request coordinator and the event queues. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the module reports. It is safe for concurrent use.
type Collector struct {
	cacheLookups *prometheus.CounterVec
	cacheStores  *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec

	eventsTracked *prometheus.CounterVec
	flushOutcomes *prometheus.CounterVec
	logBytes      *prometheus.GaugeVec
}

// NewCollector registers the metrics on the default registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry registers the metrics on registry.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	f := promauto.With(registry)
	return &Collector{
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_cache_lookups_total",
				Help: "Conditional responses resolved against the ETag cache",
			},
			[]string{"result"},
		),
		cacheStores: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_cache_stores_total",
				Help: "Network responses considered for storage in the ETag cache",
			},
			[]string{"result"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "purchasesync_request_duration_seconds",
				Help:    "Duration of backend requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "host"},
		),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_requests_total",
				Help: "Backend requests by endpoint and status code",
			},
			[]string{"endpoint", "status_code"},
		),
		fallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_fallbacks_total",
				Help: "Requests retried against the fallback host",
			},
			[]string{"endpoint", "reason"},
		),
		eventsTracked: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_events_tracked_total",
				Help: "Events appended to a local queue",
			},
			[]string{"queue"},
		),
		flushOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchasesync_flush_outcomes_total",
				Help: "Queue flush attempts by outcome",
			},
			[]string{"queue", "outcome"},
		),
		logBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "purchasesync_event_log_bytes",
				Help: "Current size of a queue's event log",
			},
			[]string{"queue"},
		),
	}
}

// CacheLookup counts a "not modified" resolution: hit, miss or bypass.
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// CacheStore counts whether a network result was stored or skipped.
func (c *Collector) CacheStore(result string) {
	if c == nil {
		return
	}
	c.cacheStores.WithLabelValues(result).Inc()
}

// Request records one backend exchange.
func (c *Collector) Request(endpoint, host string, statusCode int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(endpoint, host).Observe(d.Seconds())
	c.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
}

// Fallback counts a retry against the fallback host.
func (c *Collector) Fallback(endpoint, reason string) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(endpoint, reason).Inc()
}

// EventTracked counts an event appended to queue.
func (c *Collector) EventTracked(queue string) {
	if c == nil {
		return
	}
	c.eventsTracked.WithLabelValues(queue).Inc()
}

// FlushOutcome counts a finished flush.
func (c *Collector) FlushOutcome(queue, outcome string) {
	if c == nil {
		return
	}
	c.flushOutcomes.WithLabelValues(queue, outcome).Inc()
}

// LogSize reports the size of queue's log file.
func (c *Collector) LogSize(queue string, bytes int64) {
	if c == nil {
		return
	}
	c.logBytes.WithLabelValues(queue).Set(float64(bytes))
}
