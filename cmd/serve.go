package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/api"
	"github.com/searchingfox/searchrun/internal/batch"
	"github.com/searchingfox/searchrun/internal/bus"
	"github.com/searchingfox/searchrun/internal/clock/system"
	"github.com/searchingfox/searchrun/internal/config"
	"github.com/searchingfox/searchrun/internal/dispatch"
	"github.com/searchingfox/searchrun/internal/feed"
	redisfeed "github.com/searchingfox/searchrun/internal/feed/redis"
	"github.com/searchingfox/searchrun/internal/jobs"
	"github.com/searchingfox/searchrun/internal/logging"
	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/monitor"
	"github.com/searchingfox/searchrun/internal/notify"
	"github.com/searchingfox/searchrun/internal/schedule"
	"github.com/searchingfox/searchrun/internal/store"
	"github.com/searchingfox/searchrun/internal/store/memory"
	"github.com/searchingfox/searchrun/internal/store/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	hub := feed.NewHub(logger)
	defer hub.Close()

	pub := feed.Publisher(hub)
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer func() { _ = client.Close() }()
		pub = feed.MultiPublisher{hub, redisfeed.NewPublisher(client, logger)}
		sub := redisfeed.NewSubscriber(client, hub, logger)
		if err := sub.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sub.Close() }()
		logger.Info("redis run-update bridge enabled", zap.String("addr", cfg.Redis.Addr))
	}

	runs, users, cleanup, err := buildStores(ctx, cfg, clk, pub)
	if err != nil {
		return err
	}
	defer cleanup()

	// Server-side status sessions: adopt every run announced on the feed,
	// surface completions, and fail runs stuck in pending. Without this a
	// dropped dispatch would leave the run pending forever.
	sessions := monitor.NewManager(ctx, runs, hub, notify.NewLogNotifier(logger), clk, monitor.Config{
		PollInterval:   cfg.Monitor.PollInterval(),
		PendingTimeout: cfg.Monitor.PendingTimeout(),
	}, logger)
	defer sessions.Close()

	workerClient := dispatch.NewHTTPWorkerClient(cfg.Worker.BaseURL)
	dispatcher := dispatch.New(workerClient, logger)
	defer dispatcher.Wait()

	trigger := schedule.New(runs, users, dispatcher, clk, schedule.Config{
		ScheduledHoursOld: cfg.Schedule.HoursOld,
		InsertBatchSize:   cfg.Schedule.InsertBatchSize,
		PokeBatchSize:     cfg.Worker.PokeBatchSize,
	}, logger)

	if cfg.Schedule.Cron != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Schedule.Cron, func() {
			if _, err := trigger.Fanout(context.Background()); err != nil {
				logger.Error("cron fan-out failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("parse schedule.cron: %w", err)
		}
		c.Start()
		defer c.Stop()
		logger.Info("in-process scheduler enabled", zap.String("cron", cfg.Schedule.Cron))
	}

	opStore, err := batch.NewBadgerStore(cfg.Batch.Dir)
	if err != nil {
		return err
	}
	defer func() { _ = opStore.Close() }()
	events := bus.New()
	events.SubscribeOperationComplete(func(evt bus.OperationComplete) {
		logger.Info("bulk operation complete",
			zap.String("user_id", evt.UserID),
			zap.Int("succeeded", evt.Succeeded),
			zap.Int("failed", evt.Failed),
		)
	})
	events.SubscribeJobsChanged(func(evt bus.JobsChanged) {
		logger.Debug("job data changed", zap.String("user_id", evt.UserID))
	})
	processor := batch.NewProcessor(
		opStore,
		jobs.NewHTTPClient(cfg.JobsAPI.BaseURL),
		notify.NewLogNotifier(logger),
		events,
		clk,
		cfg.Batch.Yield(),
		logger,
	)

	server := api.NewServer(runs, trigger, processor, api.AuthConfig{
		SchedulerSecret: cfg.Auth.SchedulerSecret,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func buildStores(
	ctx context.Context,
	cfg config.Config,
	clk *system.Clock,
	pub feed.Publisher,
) (store.RunStore, store.UserStore, func(), error) {
	switch cfg.Store.Provider {
	case "postgres":
		runs, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, clk, pub)
		if err != nil {
			return nil, nil, nil, err
		}
		users, err := postgres.NewUserStoreFromRunStore(runs)
		if err != nil {
			runs.Close()
			return nil, nil, nil, err
		}
		return runs, users, runs.Close, nil
	case "memory":
		return memory.NewRunStore(clk, pub), memory.NewUserStore(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store.provider %q", cfg.Store.Provider)
	}
}
