// Command server starts the LLM budget manager HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	httpserver "github.com/fairyhunter13/llm-budget-manager/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/observability"
	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/llm-budget-manager/internal/adapter/tokencount"
	"github.com/fairyhunter13/llm-budget-manager/internal/app"
	"github.com/fairyhunter13/llm-budget-manager/internal/config"
	"github.com/fairyhunter13/llm-budget-manager/internal/service/budget"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, budget, and store instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	loc, err := cfg.ResetLocation()
	if err != nil {
		slog.Error("invalid reset timezone", slog.Any("error", err))
		os.Exit(1)
	}

	catalog, err := config.LoadCatalog(cfg.ModelLimitsFile)
	if err != nil {
		slog.Error("invalid model catalog", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("model catalog loaded",
		slog.Int("models", len(catalog.Limits)),
		slog.String("default", string(catalog.Default)))

	// Durable usage store. A Redis that never answers does not block
	// startup: the manager runs degraded on its in-process cache and the
	// store heals in on the first successful round trip.
	rdb := redisstore.NewClient(cfg)
	store := redisstore.New(rdb, cfg.RedisKeyPrefix, cfg.UsageTTL, cfg.RedisOpTimeout)

	probe := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(func() error {
		return store.Ping(context.Background())
	}, probe); err != nil {
		slog.Warn("usage store unreachable at startup; continuing degraded",
			slog.String("addr", cfg.RedisAddr()),
			slog.Any("error", err))
	} else {
		slog.Info("usage store connected", slog.String("addr", cfg.RedisAddr()))
	}

	mgr, err := budget.New(catalog, store, loc,
		budget.WithThresholds(cfg.HeadroomOKThreshold, cfg.HeadroomLowThreshold))
	if err != nil {
		slog.Error("failed to construct budget manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Error("failed to close budget manager", slog.Any("error", err))
		}
	}()

	srv := httpserver.NewServer(cfg, mgr, tokencount.NewCounter(), store.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
