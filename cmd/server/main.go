// Command server starts the Relay broker HTTP server.
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

	httpserver "github.com/fairyhunter13/relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/relay/internal/adapter/observability"
	"github.com/fairyhunter13/relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/relay/internal/app"
	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Bootstrap(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	retry := postgres.RetryPolicy{
		MaxElapsed:      cfg.StoreRetryMaxElapsed,
		InitialInterval: cfg.StoreRetryInitialInterval,
		MaxInterval:     cfg.StoreRetryMaxInterval,
	}
	msgRepo := postgres.NewMessageRepo(pool, retry, cfg.EventsChannel)
	queueRepo := postgres.NewQueueRepo(pool, retry)
	actRepo := postgres.NewActivityRepo(pool, retry)

	if err := queueRepo.EnsureDefault(ctx, cfg.QueueName, cfg.AckTimeoutSeconds, cfg.MaxAttempts); err != nil {
		slog.Error("default queue bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	emitter := usecase.NewEmitter(0)
	engine := usecase.NewEngine(cfg, msgRepo, queueRepo, actRepo, emitter, observability.BrokerMetrics{}, logger)

	// Cross-replica dequeue wakeups ride the store notification channel.
	listener := postgres.NewListener(pool)
	go func() {
		if err := listener.Listen(ctx, cfg.EventsChannel, engine.HandleNotification); err != nil {
			slog.Error("listener stopped", slog.Any("error", err))
		}
	}()

	requeue := app.NewRequeueWorker(engine, postgres.NewAdvisoryLock(pool), cfg.OverdueCheckInterval)
	go requeue.Run(ctx)

	if cfg.ActivityLogEnabled && cfg.ActivityLogRetentionHours > 0 {
		retention := app.NewRetentionSweeper(engine, cfg.ActivityRetentionSweepInterval)
		go retention.Run(ctx)
		slog.Info("activity retention sweeper started",
			slog.Int("retention_hours", cfg.ActivityLogRetentionHours),
			slog.Duration("interval", cfg.ActivityRetentionSweepInterval))
	}

	srv := httpserver.NewServer(cfg, engine, pool.Ping)
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

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
