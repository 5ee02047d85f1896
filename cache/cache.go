package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/kvstore"
	"github.com/briangreenhill/purchasesync/metrics"
)

// ErrMissingCachedResult is returned by Reconcile when the server answered
// "not modified" but nothing is stored for the path. The caller should repeat
// the request once with ForceRefresh set.
var ErrMissingCachedResult = errors.New("cache: not modified but no cached result")

// StatusErrorThreshold is the first status code whose responses are never stored.
const StatusErrorThreshold = http.StatusInternalServerError

// ResponseCache stores ETag-tagged results per path. Storage failures are
// logged and treated as misses; they never fail a request.
type ResponseCache struct {
	store   kvstore.Store
	log     zerolog.Logger
	metrics *metrics.Collector
	clock   func() time.Time

	// serializes read-modify-write of entries for concurrent requests
	mu sync.Mutex
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

func WithLogger(l zerolog.Logger) Option {
	return func(c *ResponseCache) { c.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *ResponseCache) { c.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(c *ResponseCache) { c.clock = clock }
}

// New creates a cache over store.
func New(store kvstore.Store, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store: store,
		log:   zerolog.Nop(),
		clock: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ConditionalHeaders returns the stored validator for path, or empty headers
// when forceRefresh is set or nothing is stored.
func (c *ResponseCache) ConditionalHeaders(ctx context.Context, path string, forceRefresh bool) Headers {
	if forceRefresh {
		return Headers{}
	}
	entry, ok := c.load(ctx, path)
	if !ok {
		return Headers{}
	}
	return headersFor(entry.ETag)
}

// Reconcile decides what a finished exchange resolves to and stores it when
// cacheable. It returns ErrMissingCachedResult when the caller must retry with
// a forced refresh.
func (c *ResponseCache) Reconcile(ctx context.Context, ex Exchange) (*Result, error) {
	network := &Result{
		StatusCode:   ex.StatusCode,
		Payload:      ex.Payload,
		Origin:       OriginNetwork,
		RequestTime:  ex.RequestTime,
		Verification: ex.Verification,
	}

	if ex.ServerETag == "" {
		// endpoint does not take part in caching
		return network, nil
	}

	if ex.StatusCode == http.StatusNotModified {
		return c.fromCache(ctx, ex, network)
	}

	if isCacheable(network) {
		c.storeResult(ctx, ex.Path, ex.ServerETag, network)
	} else {
		c.metrics.CacheStore("skipped")
	}
	return network, nil
}

func (c *ResponseCache) fromCache(ctx context.Context, ex Exchange, network *Result) (*Result, error) {
	entry, ok := c.load(ctx, ex.Path)
	if ok {
		c.metrics.CacheLookup("hit")
		cached := entry.Result
		cached.Origin = OriginCache
		cached.RequestTime = ex.RequestTime
		cached.Verification = ex.Verification
		return &cached, nil
	}

	if ex.ForceRefresh {
		c.metrics.CacheLookup("bypass")
		c.log.Warn().
			Str("path", ex.Path).
			Msg("server answered not modified to a forced refresh; returning raw response")
		return network, nil
	}

	c.metrics.CacheLookup("miss")
	c.log.Warn().
		Str("path", ex.Path).
		Msg("not modified without a cached entry; retrying with forced refresh")
	return nil, ErrMissingCachedResult
}

// Clear wipes every stored entry, e.g. when the app user changes.
func (c *ResponseCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear(ctx)
}

func isCacheable(r *Result) bool {
	return r.StatusCode < StatusErrorThreshold &&
		r.StatusCode != http.StatusNotModified &&
		r.Verification != VerificationFailed
}

func (c *ResponseCache) storeResult(ctx context.Context, path, etag string, network *Result) {
	now := c.clock()
	stored := *network
	stored.Origin = OriginCache
	entry := Entry{
		ETag:   ETag{Token: etag, LastRefresh: &now},
		Result: stored,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("encode cache entry")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Put(ctx, Key(path), string(data)); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("store cache entry")
		return
	}
	c.metrics.CacheStore("stored")
}

func (c *ResponseCache) load(ctx context.Context, path string) (Entry, bool) {
	c.mu.Lock()
	raw, ok, err := c.store.Get(ctx, Key(path))
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("read cache entry")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("discarding unreadable cache entry")
		return Entry{}, false
	}
	return entry, true
}
