// Package app wires the store, queue, ledger and provider selected by
// config into the pipeline services. Both binaries build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/config"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/db"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/idempotency"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/ratelimit"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

// Topics is every queue topic the pipeline declares.
var Topics = []string{model.TopicOrchestrate, model.TopicDispatch, model.TopicFallback, model.TopicWebhook}

type App struct {
	Config     *config.Config
	Campaigns  repository.CampaignRepositoryInterface
	Messages   repository.MessageRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Queue      queue.Queue
	Ledger     idempotency.Ledger
	Provider   provider.Client

	CampaignService *service.CampaignService
	Completion      *service.CompletionChecker
	Orchestrator    *service.Orchestrator
	Dispatcher      *service.Dispatcher
	Fallback        *service.FallbackHandler
	Reconciler      *service.Reconciler

	closers []func() error
}

// Build connects every backend named in cfg. On error, whatever was already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}
	a.Provider, err = provider.New(provider.Config{
		Name:          cfg.Provider.Name,
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		AppName:       cfg.Provider.AppName,
		WebhookSecret: cfg.Provider.WebhookSecret,
		Timeout:       cfg.Provider.Timeout,
	})
	if err != nil {
		return nil, err
	}

	d := cfg.Dispatcher
	a.Completion = service.NewCompletionChecker(a.Campaigns, a.Messages)
	a.CampaignService = service.NewCampaignService(a.Campaigns, a.Recipients, a.Queue)
	a.Orchestrator = service.NewOrchestrator(a.Campaigns, a.Messages, a.Recipients, a.Queue, service.TemplateRenderer{}, a.Completion, service.OrchestratorOptions{
		BatchSize:        cfg.Orchestrator.BatchSize,
		MaxBatchesPerRun: cfg.Orchestrator.MaxBatchesPerRun,
		BackoffBase:      d.BackoffBase,
		BackoffMax:       d.BackoffMax,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.PerSecond,
		BurstSize:         cfg.RateLimit.Burst,
	})
	a.Dispatcher = service.NewDispatcher(a.Messages, a.Queue, a.Provider, limiter, a.Completion, service.DispatcherOptions{
		MaxRetries:      d.MaxRetries,
		BackoffBase:     d.BackoffBase,
		BackoffMax:      d.BackoffMax,
		RateLimitDelay:  d.RateLimitDelay,
		ProviderTimeout: cfg.Provider.Timeout,
	})
	a.Fallback = service.NewFallbackHandler(a.Messages, a.Queue, a.Completion, d.BackoffBase, d.BackoffMax)
	a.Reconciler = service.NewReconciler(a.Messages, a.Queue, a.Provider, a.Ledger, a.Completion, d.BackoffBase, d.BackoffMax)

	zerolog.Ctx(ctx).Info().
		Str("store", cfg.StoreDriver).
		Str("queue", cfg.Queue.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Str("provider", a.Provider.Name()).
		Msg("pipeline wired")
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case "postgres":
		conn, err := db.Open(ctx, a.Config.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		a.usePostgres(conn)
	case "memory":
		store := repository.NewMemoryStore()
		a.Campaigns, a.Messages, a.Recipients = store, store, store
	default:
		return fmt.Errorf("unknown store driver %q", a.Config.StoreDriver)
	}
	return nil
}

func (a *App) usePostgres(conn *sql.DB) {
	a.Campaigns = &repository.CampaignRepository{DB: conn}
	a.Messages = &repository.MessageRepository{DB: conn}
	a.Recipients = &repository.RecipientRepository{DB: conn}
}

func (a *App) openQueue() error {
	switch a.Config.Queue.Driver {
	case "rabbitmq":
		mq, err := queue.DialRabbitMQ(a.Config.Queue.URL, a.Config.Queue.Prefix, Topics...)
		if err != nil {
			return err
		}
		a.Queue = mq
	case "memory":
		a.Queue = queue.NewInMemoryQueue()
	default:
		return fmt.Errorf("unknown queue driver %q", a.Config.Queue.Driver)
	}
	a.closers = append(a.closers, a.Queue.Close)
	return nil
}

func (a *App) openLedger(ctx context.Context) error {
	if !a.Config.Redis.Enabled {
		zerolog.Ctx(ctx).Warn().Msg("redis disabled, webhook dedup is per process")
		a.Ledger = idempotency.NewMemoryLedger()
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.Ledger = idempotency.NewRedisLedger(rdb, a.Config.Redis.EventTTL)
	return nil
}

// Workers builds one pool per topic with the configured concurrency.
func (a *App) Workers() []*service.Worker {
	cfg := a.Config
	workers := []*service.Worker{
		service.NewWorker("orchestrator", a.Queue, model.TopicOrchestrate, cfg.Orchestrator.Concurrency, cfg.Orchestrator.JobTimeout, a.Orchestrator.Handle),
		service.NewWorker("dispatcher", a.Queue, model.TopicDispatch, cfg.Dispatcher.Concurrency, cfg.Dispatcher.JobTimeout, a.Dispatcher.Handle),
		service.NewWorker("fallback", a.Queue, model.TopicFallback, cfg.Fallback.Concurrency, cfg.Fallback.JobTimeout, a.Fallback.Handle),
		service.NewWorker("reconciler", a.Queue, model.TopicWebhook, cfg.Reconciler.Concurrency, cfg.Reconciler.JobTimeout, a.Reconciler.Handle),
	}
	if cfg.Queue.Prefetch > 0 {
		for _, w := range workers {
			if w.Prefetch > cfg.Queue.Prefetch {
				w.Prefetch = cfg.Queue.Prefetch
			}
		}
	}
	return workers
}

// Sweeper is nil when disabled in config.
func (a *App) Sweeper() *service.Sweeper {
	if !a.Config.Sweeper.Enabled {
		return nil
	}
	return service.NewSweeper(a.Campaigns, a.CampaignService, a.Completion, a.Config.Sweeper.Schedule)
}

// RunWorkers consumes every topic, plus the sweeper when enabled, until ctx
// is cancelled. The first pool that fails to start cancels the rest.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	for _, w := range a.Workers() {
		wg.Add(1)
		go func(w *service.Worker) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				fail(err)
			}
		}(w)
	}
	if sw := a.Sweeper(); sw != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sw.Start(ctx); err != nil {
				fail(err)
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// Close releases backends in reverse order of opening.
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
