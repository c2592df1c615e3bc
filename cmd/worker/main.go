// Command worker claims and executes queued jobs until signalled.
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

	"genqueue/internal/app"
	"genqueue/internal/config"
	"genqueue/internal/queue"
	"genqueue/internal/telemetry"
	"genqueue/internal/webhook"
	"genqueue/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	if err := run(); err != nil {
		slog.Error("worker stopped", "error", err)
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

	_, shutdownTracing, err := app.NewTracerProvider(ctx, cfg, "genqueue-worker", os.Stdout)
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
	uploader, err := app.NewUploader(ctx, cfg)
	if err != nil {
		return err
	}

	// Use the hostname as identity unless WORKER_ID pins one.
	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		}
	}

	wake := app.NewSignal(rdb)
	ingestor := app.NewIngestor(cfg, backend, app.NewNotifier(cfg, rdb, logger), wake, logger)
	selector := queue.NewSelector(backend, queue.WithBatchSize(cfg.ClaimBatchSize), queue.WithLogger(logger))

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithSignal(wake),
		worker.WithMiddleware(worker.Tracing(telemetry.Tracer())),
		worker.WithMaintenance("sweep_stale_events", func(ctx context.Context) error {
			_, err := ingestor.SweepStale(ctx, cfg.WebhookStaleProcessing)
			return err
		}),
	}
	if uploader != nil {
		opts = append(opts, worker.WithUploader(uploader))
	}
	processor := worker.NewProcessor(worker.Config{
		WorkerID:            workerID,
		PollInterval:        cfg.WorkerPollInterval,
		MaxConcurrent:       cfg.WorkerMaxConcurrent,
		ShutdownTimeout:     cfg.WorkerShutdownTimeout,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		StaleAfter:          cfg.StaleJobThreshold,
		MaintenanceSchedule: cfg.MaintenanceSchedule,
		ResultInlineLimit:   cfg.ResultInlineLimit,
	}, selector, backend, opts...)
	processor.RegisterHandler(worker.SimulateJobType, worker.Simulate)
	processor.RegisterHandler(webhook.ApplyJobType, ingestor.HandleApplyJob)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	return processor.Run(ctx)
}
