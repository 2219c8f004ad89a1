// cmd/worker/main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/app"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/config"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx = logger.WithContext(ctx)

	if cfg.Queue.Driver == "memory" {
		logger.Warn().Msg("memory queue is private to this process, the API server will not feed it")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	logger.Info().Msg("worker running, waiting for jobs")
	if err := a.RunWorkers(ctx); err != nil {
		logger.Error().Err(err).Msg("workers stopped")
		return
	}
	logger.Info().Msg("worker stopped")
}
