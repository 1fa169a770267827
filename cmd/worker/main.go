package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/blob"
	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/cron"
	"github.com/pohlai88/accounts-worker/internal/dlq"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/ingress"
	"github.com/pohlai88/accounts-worker/internal/observability"
	"github.com/pohlai88/accounts-worker/internal/store"
	"github.com/pohlai88/accounts-worker/internal/workflows"
)

const (
	serviceName    = "accounts-worker"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Durable event-driven workflow worker",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", serviceName, serviceVersion)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting worker",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.Observability.Enabled {
		shutdown, err := observability.InitTracing(cfg.Observability.ServiceName, serviceVersion, cfg.Observability.OTLPEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		defer shutdown()
	}

	clk := clock.System{}
	metrics := engine.NewMetrics()

	// Storage
	pg, err := store.NewPostgres(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pg.Close()

	// Idempotency window
	var deduper bus.Deduper
	if cfg.Redis.Addr != "" {
		redisDeduper, err := bus.NewRedisDeduper(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisDeduper.Close()
		deduper = redisDeduper
	} else {
		logger.Warn("No Redis configured, idempotency window is process-local")
		deduper = bus.NewMemoryDeduper(clk.Now)
	}

	// Event bus, optionally mirrored to the broker
	var eventBus bus.Bus = bus.NewPostgresBus(pg.DB(), deduper, clk, cfg.Idempotency.Window, logger)
	if cfg.Broker.Enabled && cfg.Broker.URL != "" {
		mirror, err := bus.NewMirrorPublisher(cfg.Broker.URL, cfg.Broker.Exchange, logger)
		if err != nil {
			logger.Fatal("Failed to connect to broker", zap.Error(err))
		}
		defer mirror.Close()
		eventBus = bus.NewMirrored(eventBus, mirror)
	}

	// Blob storage
	blobStore, err := blob.NewFSStore(cfg.Blob.BaseDir, cfg.Blob.URLPrefix, logger)
	if err != nil {
		logger.Fatal("Failed to initialize blob store", zap.Error(err))
	}

	// Outbound adapters
	sender := adapters.NewSMTPSender(cfg.SMTP.Addr, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password, logger)
	renderer := adapters.NewHTTPRenderer(cfg.Render.URL, logger)
	fetcher := adapters.NewHTTPFxFetcher(
		adapters.FxProviderConfig{BaseURL: cfg.Fx.PrimaryURL, APIKey: cfg.Fx.PrimaryAPIKey},
		adapters.FxProviderConfig{BaseURL: cfg.Fx.FallbackURL, APIKey: cfg.Fx.FallbackAPIKey},
		clk.Now,
		logger,
	)

	// Function registry
	registry := engine.NewRegistry()
	if err := workflows.RegisterAll(registry, workflows.Deps{
		Store:    pg,
		Blob:     blobStore,
		Renderer: renderer,
		Fetcher:  fetcher,
		Sender:   sender,
		Clock:    clk,
		Config:   cfg,
	}); err != nil {
		logger.Fatal("Failed to register workflows", zap.Error(err))
	}
	dlqHandlers := dlq.NewHandlers(pg, clk, dlq.Config{
		Rules:             dlq.DefaultRules(),
		CriticalFunctions: cfg.DLQ.CriticalFunctions,
		AdminEmail:        cfg.SMTP.AdminEmail,
	})
	for _, spec := range dlqHandlers.Specs() {
		if err := registry.Register(spec); err != nil {
			logger.Fatal("Failed to register DLQ handler", zap.Error(err))
		}
	}

	// Runtime
	runtime := engine.NewRuntime(logger, pg, eventBus, clk, registry, metrics, engine.RuntimeConfig{
		Workers:            cfg.Concurrency.Global,
		DefaultConcurrency: cfg.Concurrency.DefaultPerFunction,
		Backoff: engine.BackoffPolicy{
			BaseDelay: cfg.Retry.BaseDelay,
			Factor:    cfg.Retry.Factor,
			MaxDelay:  cfg.Retry.MaxDelay,
			Jitter:    engine.JitterMode(cfg.Retry.Jitter),
		},
	})

	// Cron dispatcher
	tz, err := time.LoadLocation(cfg.Cron.Timezone)
	if err != nil {
		logger.Fatal("Invalid cron timezone", zap.Error(err))
	}
	cronDispatcher, err := cron.NewDispatcher(
		cron.FromRegistry(registry), eventBus, clk, tz, cfg.Cron.CatchUpBudget, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to build cron dispatcher", zap.Error(err))
	}

	// Ingress + DLQ retention
	httpServer := ingress.New(cfg.HTTP.Address, eventBus, pg, deduper, cfg.HTTP.QueueDepthThreshold, logger)
	sweeper := dlq.NewSweeper(pg, clk, cfg.DLQ.RetentionDays, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				logger.Error("Component failed", zap.String("name", name), zap.Error(err))
			}
		}()
	}

	start("runtime", runtime.Start)
	start("cron", cronDispatcher.Start)
	start("ingress", httpServer.Start)
	start("dlq-sweeper", sweeper.Start)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, gracefully stopping...")

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout exceeded, forcing exit")
	}
	return nil
}
