// cmd/devserver/main.go
package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/internal/config"
	"github.com/briangreenhill/purchasesync/internal/http/routes"
	"github.com/briangreenhill/purchasesync/kvstore"
)

func main() {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(cfg.Level())

	// Subscriber records survive restarts unless running in memory
	var store kvstore.Store = kvstore.NewMemory()
	if cfg.Purchases.Store == config.StoreBolt {
		b, err := kvstore.OpenBolt(filepath.Join(cfg.Purchases.DataDir, "devserver.db"), "subscribers")
		if err != nil {
			logger.Fatal().Err(err).Msg("open store")
		}
		defer b.Close()
		store = b
	}

	s := routes.New(routes.ServerOptions{
		APIKey:        cfg.Purchases.APIKey,
		SigningSecret: cfg.Purchases.SigningSecret,
		Store:         store,
		Logger:        logger,
	})

	logger.Info().Str("port", cfg.Port).Bool("signing", cfg.Purchases.SigningSecret != "").Msg("starting dev backend")
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Router, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("serve")
	}
}
