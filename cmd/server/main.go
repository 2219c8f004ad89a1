// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/app"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/config"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/controller"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/handler"
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

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	// An in-memory queue is only reachable from this process, so the pools
	// run here too.
	if cfg.Queue.Driver == "memory" {
		go func() {
			if err := a.RunWorkers(ctx); err != nil {
				logger.Error().Err(err).Msg("in-process workers stopped")
				stop()
			}
		}()
	}

	campaignController := &controller.CampaignController{CampaignService: a.CampaignService}
	webhookController := &controller.WebhookController{Reconciler: a.Reconciler}
	campaignHandler := handler.NewCampaignHandler(a.CampaignService)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logger.WithContext(req.Context())))
		})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	campaignController.Routes(r)
	webhookController.Routes(r)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		os.Exit(1)
	}
}
