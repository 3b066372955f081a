// Package main is the entry point for the Warp gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xilu0/warp-gateway/internal/admin"
	"github.com/xilu0/warp-gateway/internal/config"
	"github.com/xilu0/warp-gateway/internal/crypto"
	"github.com/xilu0/warp-gateway/internal/debug"
	"github.com/xilu0/warp-gateway/internal/handler"
	"github.com/xilu0/warp-gateway/internal/metrics"
	"github.com/xilu0/warp-gateway/internal/pool"
	"github.com/xilu0/warp-gateway/internal/store"
	"github.com/xilu0/warp-gateway/internal/warp"
	"github.com/xilu0/warp-gateway/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting warp gateway",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"admin_auth_mode", cfg.AdminAuthMode,
	)

	// Create the token crypto box
	box, err := crypto.NewBox(crypto.BoxOptions{
		Key:    cfg.EncryptionKey,
		Seed:   cfg.AdminToken,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create crypto box", "error", err)
		os.Exit(1)
	}

	// Open the account store
	st, err := store.Open(store.Options{
		Path:   cfg.DBPath,
		Box:    box,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to open account store", "error", err)
		os.Exit(1)
	}

	// Upstream clients
	client := warp.NewClient(warp.ClientOptions{
		BaseURL:         cfg.BaseURL,
		ConnectTimeout:  cfg.ConnectTimeout,
		ReadIdleTimeout: cfg.ReadIdleTimeout,
		MaxConns:        100,
		Logger:          logger,
	})
	refresher := warp.NewRefresher(warp.RefresherOptions{
		URL:     cfg.RefreshURL,
		Timeout: cfg.RefreshTimeout,
		Retries: 2,
		Logger:  logger,
	})
	quotaFetcher := warp.NewQuotaFetcher(warp.QuotaFetcherOptions{
		URL:    cfg.QuotaURL,
		Logger: logger,
	})

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Pool plumbing
	locks := pool.NewLockMap()
	selector := pool.NewSelector(pool.SelectorOptions{
		Store:         st,
		Locks:         locks,
		FailThreshold: cfg.HealthFailLimit,
		LockWait:      cfg.LockWait,
		Logger:        logger,
	})
	dispatcher := pool.NewDispatcher(pool.DispatcherOptions{
		Store:       st,
		Selector:    selector,
		Locks:       locks,
		Sender:      pool.ClientSender{Client: client},
		Refresher:   refresher,
		Quota:       quotaFetcher,
		Metrics:     m,
		Logger:      logger,
		CoolShort:   cfg.CooldownShort,
		CoolLong:    cfg.CooldownLong,
		FThreshold:  cfg.DispatchFailLimit,
		MaxAccounts: cfg.MaxAccountsPerSend,
	})
	monitor := pool.NewMonitor(pool.MonitorOptions{
		Store:         st,
		Refresher:     refresher,
		Quota:         quotaFetcher,
		Locks:         locks,
		Interval:      cfg.HealthInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		FailThreshold: cfg.HealthFailLimit,
		CoolShort:     cfg.CooldownShort,
		CoolLong:      cfg.CooldownLong,
		Parallelism:   cfg.HealthParallelism,
		Logger:        logger,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	monitor.Start(rootCtx)
	go updatePoolGauges(rootCtx, st, m, logger)

	// Handlers
	dumper := debug.NewDumper()
	sendHandler := handler.NewSendHandler(handler.SendHandlerOptions{
		Dispatcher: dispatcher,
		Dumper:     dumper,
		Logger:     logger,
	})
	sendStreamHandler := handler.NewSendStreamHandler(handler.SendStreamHandlerOptions{
		Dispatcher: dispatcher,
		Dumper:     dumper,
		Logger:     logger,
	})
	healthHandler := handler.NewHealthHandler(st)
	adminHandler := admin.NewHandler(admin.HandlerOptions{
		Store:              st,
		Monitor:            monitor,
		Refresher:          refresher,
		Quota:              quotaFetcher,
		Locks:              locks,
		LockWait:           cfg.LockWait,
		HydrateParallelism: cfg.HealthParallelism,
		Logger:             logger,
	})

	// Router
	r := chi.NewRouter()
	r.Use(middleware.Logging(logger))

	r.Method(http.MethodGet, "/healthz", healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Method(http.MethodPost, "/api/warp/send", sendHandler)
	r.Method(http.MethodPost, "/api/warp/send_stream", sendStreamHandler)

	r.Route("/admin/api/tokens", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminAuthMode, cfg.AdminToken, logger))
		r.Mount("/", adminHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop background work before the store closes
	rootCancel()
	monitor.Stop()
	client.Close()
	if err := st.Close(); err != nil {
		logger.Error("failed to close account store", "error", err)
	}

	logger.Info("server stopped")
}

// updatePoolGauges keeps the per-status account gauges current.
func updatePoolGauges(ctx context.Context, st *store.Store, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := st.Statistics(ctx)
			if err != nil {
				logger.Debug("failed to read pool statistics", "error", err)
				continue
			}
			for status, count := range stats.ByStatus {
				m.SetPoolGauge(status, count)
			}
		}
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
