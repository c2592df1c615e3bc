// Package app builds the shared dependencies of the genqueue binaries from
// Config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"genqueue/internal/artifact"
	"genqueue/internal/billing"
	"genqueue/internal/config"
	"genqueue/internal/notify"
	"genqueue/internal/queue"
	"genqueue/internal/ratelimit"
	"genqueue/internal/store"
	"genqueue/internal/store/memory"
	"genqueue/internal/store/sqlite"
	"genqueue/internal/webhook"
)

// NewLogger creates a slog.Logger from the configured level and format.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.TextLogs() {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// OpenBackend opens the configured store. For postgres, pending migrations
// are applied first when migrate is true.
func OpenBackend(ctx context.Context, cfg config.Config, migrate bool, logger *slog.Logger) (store.Backend, error) {
	switch cfg.DBDriver {
	case "postgres":
		if migrate {
			version, err := store.RunMigrations(cfg.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
			logger.Info("schema ready", slog.Uint64("version", uint64(version)))
		}
		st, err := store.New(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

// NewRedis returns a client when REDIS_ADDR is set, or nil.
func NewRedis(ctx context.Context, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// NewSignal shares wakeups through Redis when available. Without Redis the
// signal only wakes workers in the same process.
func NewSignal(client redis.UniversalClient) queue.Signal {
	if client == nil {
		return queue.NewLocalSignal()
	}
	return queue.NewRedisSignal(client, "")
}

// NewLimiter picks the shared Redis bucket when available.
func NewLimiter(cfg config.Config, client redis.UniversalClient) ratelimit.Limiter {
	if cfg.RateLimitCapacity <= 0 {
		return nil
	}
	if client == nil {
		return ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill, 15*time.Minute)
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}

// NewNotifier combines every configured sink. The log sink is always on.
func NewNotifier(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) billing.Notifier {
	sinks := notify.Multi{notify.NewLog(logger)}
	if cfg.NotifyURL != "" {
		sinks = append(sinks, notify.NewHTTP(cfg.NotifyURL, cfg.NotifySecret, nil))
	}
	if cfg.NotifyRedisChannel != "" && client != nil {
		sinks = append(sinks, notify.NewRedis(client, cfg.NotifyRedisChannel))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}

// NewUploader selects S3 when a bucket is configured, else the local dir.
func NewUploader(ctx context.Context, cfg config.Config) (artifact.Uploader, error) {
	if cfg.ArtifactS3Bucket != "" {
		up, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return up, nil
	}
	if cfg.ArtifactDir == "" {
		return nil, nil
	}
	return artifact.NewLocal(cfg.ArtifactDir), nil
}

// NewIngestor assembles the webhook receive path over backend.
func NewIngestor(cfg config.Config, backend store.Backend, notifier billing.Notifier, signal queue.Signal, logger *slog.Logger) *webhook.Ingestor {
	opts := []webhook.Option{webhook.WithLogger(logger)}
	if cfg.WebhookAsyncApply {
		opts = append(opts, webhook.WithAsyncApply(backend, signal))
	}
	return webhook.NewIngestor(
		webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookSecretSecondary, cfg.WebhookTolerance),
		backend,
		billing.NewApplier(backend, notifier, logger),
		opts...,
	)
}
