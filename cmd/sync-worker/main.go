package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/packfinderz-offline/api/routes"
	"github.com/angelmondragon/packfinderz-offline/internal/chat"
	"github.com/angelmondragon/packfinderz-offline/internal/connectivity"
	"github.com/angelmondragon/packfinderz-offline/internal/engine"
	"github.com/angelmondragon/packfinderz-offline/internal/remote"
	"github.com/angelmondragon/packfinderz-offline/internal/rfq"
	"github.com/angelmondragon/packfinderz-offline/internal/wallet"
	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/metrics"
	"github.com/angelmondragon/packfinderz-offline/pkg/migrate"
	"github.com/angelmondragon/packfinderz-offline/pkg/redis"
)

const (
	serviceName     = "sync-worker"
	shutdownTimeout = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		DeviceID:    cfg.App.DeviceID,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRun(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run migrations", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}

	sender, err := remote.NewHTTPSender(remote.HTTPSenderParams{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: cfg.Remote.UserAgent,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create remote sender", err)
		os.Exit(1)
	}

	var prober connectivity.Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober = connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout, cfg.Remote.UserAgent)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(context.Background(), engine.Params{
		Config:  cfg,
		Logger:  logg,
		DB:      dbClient,
		Sender:  sender,
		Metrics: metrics.NewSyncMetrics(registry),
		Prober:  prober,
		Redis:   redisClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sync engine", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logg.Error(context.Background(), "error closing sync engine", err)
		}
	}()

	// The domain services register their reconcilers with the engine.
	if _, err := wallet.NewService(eng); err != nil {
		logg.Error(context.Background(), "failed to create wallet service", err)
		os.Exit(1)
	}
	chatService, err := chat.NewService(eng, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create chat service", err)
		os.Exit(1)
	}
	defer chatService.Close()
	if _, err := rfq.NewService(eng); err != nil {
		logg.Error(context.Background(), "failed to create rfq service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.App.Port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"serviceKind": serviceName,
	})
	logg.Info(ctx, "starting sync worker")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, eng, dbClient, redisClient, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return eng.Run(groupCtx)
	})
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sync worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "sync worker shutting down gracefully")
}
