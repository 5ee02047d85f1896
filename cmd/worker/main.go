package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/internal/app"
	"github.com/briangreenhill/purchasesync/internal/config"
	"github.com/briangreenhill/purchasesync/internal/jobs"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(cfg.Level())

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := asynq.NewClient(redisOpt)
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("close asynq client")
		}
	}()

	a, err := app.Setup(context.Background(), cfg, app.Options{
		Logger:     logger,
		Scheduler:  jobs.NewEnqueuer(client, logger),
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("setup")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("close app")
		}
	}()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    len(app.Queues),
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueName: 10,
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskFlushEvents, jobs.NewFlushHandler(a.Queues, logger))

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if err := jobs.RegisterPeriodicFlushes(scheduler, cfg.Events.FlushInterval, app.Queues); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Events.FlushInterval).Msg("register periodic flushes")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	go serveMetrics(cfg.Port, logger)

	logger.Info().Strs("queues", app.Queues).Str("redis", cfg.RedisAddr).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Error().Err(err).Msg("asynq server stopped")
	}

	// drain what is left before exiting
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for queue, outcome := range a.Queues.FlushAll(ctx) {
		logger.Info().Str("queue", queue).Stringer("outcome", outcome).Msg("final flush")
	}
}

func serveMetrics(port string, logger zerolog.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server")
	}
}
