package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/capability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/config"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/gateway"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/streaming"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/upstream"
)

// runServe loads configuration, wires the gateway and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting assistant gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"endpoint", cfg.Serving.EndpointName,
		"database", cfg.Database.Driver,
		"capabilities", cfg.Capabilities.Backend,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, closeStore, err := openStore(ctx, cfg, metrics, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	caps, closeCaps, err := openCapabilities(cfg)
	if err != nil {
		return err
	}
	defer closeCaps()

	pruner, err := capability.NewPruner(caps, cfg.Capabilities.PruneSchedule, cfg.Capabilities.TTL, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to schedule capability pruning: %w", err)
	}
	pruner.Start()
	defer pruner.Stop(context.Background())

	client := upstream.NewClient(upstream.Options{
		Token:             cfg.Serving.Token,
		RequestsPerSecond: cfg.Serving.RequestsPerSecond,
		Burst:             cfg.Serving.Burst,
		Retry: upstream.RetryPolicy{
			MaxRetries: cfg.Serving.MaxRetries,
			Initial:    cfg.Serving.RetryInitial,
			Max:        cfg.Serving.RetryMax,
			Factor:     2,
			Jitter:     0.1,
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	handler, err := streaming.NewHandler(streaming.Options{
		Store:        store,
		Capabilities: caps,
		Requester:    client,
		Extractor:    upstream.TraceExtractor{},
		Timeout:      cfg.Serving.Timeout,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize aggregator: %w", err)
	}

	server, err := gateway.NewServer(gateway.Config{
		Handler:          handler,
		Requester:        client,
		Store:            store,
		Capabilities:     caps,
		InvocationsURL:   cfg.Serving.InvocationsURL(),
		Endpoint:         cfg.Serving.EndpointName,
		MaxTokens:        cfg.Serving.MaxTokens,
		DisableStreaming: cfg.Serving.DisableStreaming,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(cfg.Server.Addr(), cfg.Server.ReadHeaderTimeout); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("assistant gateway stopped")
	return nil
}

// openStore opens the configured message store and bootstraps its schema.
func openStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, tracer *observability.Tracer) (messages.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		return messages.NewMemoryStore(), func() {}, nil
	}
	store, err := openSQLStore(ctx, cfg, messages.WithMetrics(metrics), messages.WithTracer(tracer))
	if err != nil {
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to bootstrap message schema: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func openSQLStore(ctx context.Context, cfg *config.Config, opts ...messages.SQLOption) (*messages.SQLStore, error) {
	store, err := messages.Open(ctx, cfg.Database.Driver, cfg.Database.URL, messages.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	return store, nil
}

// openCapabilities opens the configured streaming-capability cache.
func openCapabilities(cfg *config.Config) (capability.Store, func(), error) {
	if cfg.Capabilities.Backend != "redis" {
		return capability.NewMemoryStore(), func() {}, nil
	}
	client, err := capability.NewRedisClient(cfg.Capabilities.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := capability.NewRedisStore(capability.RedisOptions{
		Client: client,
		TTL:    cfg.Capabilities.TTL,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
