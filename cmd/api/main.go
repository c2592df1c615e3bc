// Command api serves the job submission API and the billing webhook receiver.
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

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/joho/godotenv"

	"genqueue/internal/api"
	"genqueue/internal/app"
	"genqueue/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	if err := run(); err != nil {
		slog.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := app.NewTracerProvider(ctx, cfg, "genqueue-api", os.Stdout)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	backend, err := app.OpenBackend(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	wake := app.NewSignal(rdb)
	ingestor := app.NewIngestor(cfg, backend, app.NewNotifier(cfg, rdb, logger), wake, logger)
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithSignal(wake),
		api.WithAdminToken(cfg.AdminToken),
	}
	if limiter := app.NewLimiter(cfg, rdb); limiter != nil {
		opts = append(opts, api.WithLimiter(limiter))
	}
	server := api.New(backend, backend, ingestor, opts...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening",
			slog.String("addr", httpServer.Addr),
			slog.String("db_driver", cfg.DBDriver),
			slog.Bool("webhook_async_apply", cfg.WebhookAsyncApply),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
