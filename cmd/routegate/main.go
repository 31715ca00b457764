// Package main is the entry point for the RouteGate server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"routegate/internal/api"
	"routegate/internal/cache"
	"routegate/internal/config"
	"routegate/internal/contextstore"
	"routegate/internal/domain"
	"routegate/internal/intent"
	"routegate/internal/metrics"
	"routegate/internal/orchestrator"
	"routegate/internal/provider"
	"routegate/internal/registry"
	"routegate/internal/resilience"
	"routegate/internal/routing"
	"routegate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logLevel := telemetry.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Hot reload on SIGHUP: a reloaded file is validated before it
	// replaces the running config, and subscribers pick up the
	// runtime-adjustable pieces.
	cfgManager := config.NewManager(cfg)
	cfgManager.Subscribe(func(next *config.Config) {
		logLevel.Set(telemetry.ParseLevel(next.Logging.Level))
	})
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			next, err := config.Load(*configPath)
			if err != nil {
				slog.Warn("Config reload failed, keeping current config", "error", err)
				continue
			}
			if err := cfgManager.Update(next); err != nil {
				slog.Warn("Config reload rejected", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "log_level", next.Logging.Level)
		}
	}()

	slog.Info("Starting RouteGate",
		"version", "0.1.0",
		"listen_addr", cfg.Server.ListenAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	clock := domain.SystemClock{}
	promMetrics := telemetry.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Provider layer: dialect clients plus health probing.
	providers, err := provider.NewManager(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize providers", "error", err)
		os.Exit(1)
	}
	providers.Start()
	defer providers.Stop()
	for _, st := range providers.Snapshot() {
		slog.Info("Registered provider", "provider", st.Name, "dialect", st.Dialect, "models", st.Models)
	}

	// Model registry and performance aggregation.
	models := registry.New()
	aggregator := metrics.New(cfg.Performance, clock, logger)
	aggregator.Observe(promMetrics.ObserveAttempt)
	aggregator.Observe(func(m domain.PerformanceMetric) {
		promMetrics.ModelSuccessRate.WithLabelValues(string(m.Model)).Set(aggregator.SuccessRate(m.Model))
	})
	aggregator.Start()
	defer aggregator.Stop()

	// Routing and resilient execution.
	router := routing.New(models, aggregator, cfg.Routing, clock, logger)
	breakers := resilience.NewBreakerSet(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout.Duration, clock)
	executor := resilience.New(providers, breakers, aggregator, models, clock, resilience.Config{
		MaxRetries:       cfg.Retry.MaxRetries,
		BackoffBase:      cfg.Retry.BackoffBase.Duration,
		BackoffMax:       cfg.Retry.BackoffMax.Duration,
		Jitter:           cfg.Retry.Jitter,
		RateLimitWaitCap: cfg.Retry.RateLimitWaitCap.Duration,
		FallbackDelay:    cfg.Retry.FallbackDelay.Duration,
	}, logger)

	// Alerting over the aggregated stream.
	webhooks := make(map[string]string)
	for _, r := range cfg.AlertRules {
		if r.WebhookURL != "" {
			webhooks[r.ID] = r.WebhookURL
		}
	}
	alerts := metrics.NewEngine(aggregator, models, cfg.Rules(), webhooks, cfg.Performance.AlertInterval.Duration, clock, logger)
	alerts.Start()
	defer alerts.Stop()

	// Conversation context with TTL eviction.
	contexts := contextstore.New(cfg.Context, clock, logger)
	contexts.OnEvict(func(count int) {
		promMetrics.SessionEvictions.Add(float64(count))
		promMetrics.ActiveSessions.Set(float64(contexts.SessionCount()))
	})
	contexts.Start()
	defer contexts.Stop()

	var responseCache *cache.ResponseCache
	if cfg.Performance.Caching.Enabled {
		responseCache, err = cache.New(cfg.Performance.Caching.MaxEntries, cfg.Performance.Caching.TTL.Duration, clock)
		if err != nil {
			slog.Error("Failed to initialize response cache", "error", err)
			os.Exit(1)
		}
	}

	classifier := intent.New(clock, logger)
	generator := orchestrator.NewLLMGenerator(router, executor)

	svc := orchestrator.New(orchestrator.Deps{
		Classifier: classifier,
		Router:     router,
		Executor:   executor,
		Contexts:   contexts,
		Aggregator: aggregator,
		Alerts:     alerts,
		Providers:  providers,
		Generator:  generator,
		Cache:      responseCache,
		Clock:      clock,
		Logger:     logger,
		Config:     cfg.Orchestrator,
		Streaming:  cfg.Performance.Streaming,
	})

	// Metrics endpoint on its own listener.
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: promMetrics.Handler(),
	}
	go func() {
		slog.Info("Starting metrics server", "addr", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server error", "error", err)
		}
	}()

	apiServer := api.NewServer(cfg.Server.ListenAddr, svc, logger)
	go func() {
		slog.Info("Starting API server", "addr", cfg.Server.ListenAddr)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator drain incomplete", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Metrics server shutdown incomplete", "error", err)
	}
	slog.Info("RouteGate stopped")
}
