// Package app wires stores, the backend client and the event queues from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/cache"
	"github.com/briangreenhill/purchasesync/eventlog"
	"github.com/briangreenhill/purchasesync/events"
	"github.com/briangreenhill/purchasesync/internal/config"
	"github.com/briangreenhill/purchasesync/kvstore"
	"github.com/briangreenhill/purchasesync/metrics"
)

// Store namespaces.
const (
	NamespaceETagCache = "etag_cache"
	NamespaceCounters  = "event_counters"
)

// Queues lists every event queue the app runs.
var Queues = []string{
	events.QueueDiagnostics,
	events.QueuePaywallEvents,
	events.QueueCustomerCenterEvents,
}

// App holds the wired components.
type App struct {
	Config  *config.Config
	Client  *backend.Client
	Queues  *events.Registry
	Metrics *metrics.Collector
	Log     zerolog.Logger

	closers []func() error
}

type Options struct {
	Logger zerolog.Logger
	// Scheduler receives flush requests from the queues; nil flushes in-process.
	Scheduler events.FlushScheduler
	// Registerer receives the metrics; nil uses a fresh registry.
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	Verifier   backend.Verifier
}

// Setup builds an App from cfg. Close releases everything it opened.
func Setup(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if !cfg.HasAPIKey() {
		return nil, errors.New("PURCHASES_API_KEY is required")
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	a := &App{
		Config:  cfg,
		Metrics: metrics.NewCollectorWithRegistry(opts.Registerer),
		Log:     opts.Logger,
	}

	cacheStore, counters, err := a.openStores(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	clientOpts := []backend.Option{
		backend.WithBaseURL(cfg.Purchases.BaseURL),
		backend.WithFallbackURL(cfg.Purchases.FallbackURL),
		backend.WithCache(cache.New(cacheStore,
			cache.WithLogger(opts.Logger.With().Str("component", "cache").Logger()),
			cache.WithMetrics(a.Metrics),
		)),
		backend.WithTimeoutPolicy(backend.NewTimeoutPolicy(cfg.BackendTimeouts(), nil)),
		backend.WithLogger(opts.Logger.With().Str("component", "backend").Logger()),
		backend.WithMetrics(a.Metrics),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, backend.WithHTTPClient(opts.HTTPClient))
	}
	switch {
	case opts.Verifier != nil:
		clientOpts = append(clientOpts, backend.WithVerifier(opts.Verifier))
	case cfg.Purchases.SigningSecret != "":
		clientOpts = append(clientOpts, backend.WithVerifier(backend.HMACVerifier{Secret: []byte(cfg.Purchases.SigningSecret)}))
	}
	a.Client, err = backend.New(cfg.Purchases.APIKey, clientOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Queues = events.NewRegistry()
	a.closers = append(a.closers, func() error { a.Queues.Close(); return nil })
	for _, name := range Queues {
		q, err := a.newQueue(name, counters, opts)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Queues.Register(q)
	}
	return a, nil
}

func (a *App) newQueue(name string, counters kvstore.Store, opts Options) (*events.Queue, error) {
	log, err := eventlog.Open[events.Event](a.Config.QueueLogPath(name))
	if err != nil {
		return nil, err
	}
	poster, err := backend.PosterFor(a.Client, name)
	if err != nil {
		return nil, err
	}
	qopts := []events.QueueOption{
		events.WithLimits(a.Config.EventLimits()),
		events.WithLogger(opts.Logger.With().Str("component", "events").Logger()),
		events.WithMetrics(a.Metrics),
	}
	if opts.Scheduler != nil {
		qopts = append(qopts, events.WithScheduler(opts.Scheduler))
	}
	return events.NewQueue(name, log, poster, counters, qopts...)
}

func (a *App) openStores(ctx context.Context) (cacheStore, counters kvstore.Store, err error) {
	cfg := a.Config
	switch cfg.Purchases.Store {
	case config.StoreMemory:
		return kvstore.NewMemory(), kvstore.NewMemory(), nil

	case config.StoreFile:
		c, err := kvstore.NewFile(filepath.Join(cfg.Purchases.DataDir, NamespaceETagCache))
		if err != nil {
			return nil, nil, err
		}
		n, err := kvstore.NewFile(filepath.Join(cfg.Purchases.DataDir, NamespaceCounters))
		if err != nil {
			return nil, nil, err
		}
		return c, n, nil

	case config.StoreBolt, "":
		b, err := kvstore.OpenBolt(filepath.Join(cfg.Purchases.DataDir, "purchases.db"), NamespaceETagCache)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, b.Close)
		n, err := b.Namespace(NamespaceCounters)
		if err != nil {
			return nil, nil, err
		}
		return b, n, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		c, err := kvstore.NewPostgres(ctx, pool, NamespaceETagCache)
		if err != nil {
			return nil, nil, err
		}
		n, err := kvstore.NewPostgres(ctx, pool, NamespaceCounters)
		if err != nil {
			return nil, nil, err
		}
		return c, n, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Purchases.Store)
	}
}

// Close stops the queues and closes stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
