// Package notify delivers billing transitions to downstream consumers.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"genqueue/internal/billing"
)

// Header names set on HTTP deliveries.
const (
	TimestampHeader = "X-Genqueue-Timestamp"
	SignatureHeader = "X-Genqueue-Signature"
)

// HTTP posts each transition as JSON, signed with HMAC-SHA256 over
// "<timestamp>.<body>".
type HTTP struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTP builds an HTTP notifier. A nil client gets a 10s timeout client
// that does not follow redirects.
func NewHTTP(url, secret string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTP{url: url, secret: secret, client: client}
}

func (h *HTTP) Notify(ctx context.Context, t billing.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(TimestampHeader, ts)
	if h.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Signature(h.secret, ts, payload))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify POST: %w", err)
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Signature returns the hex HMAC-SHA256 a receiver should expect.
func Signature(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "genqueue:billing"

// Redis publishes each transition as JSON on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, t billing.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Log writes transitions to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, t billing.Transition) error {
	l.logger.InfoContext(ctx, "billing transition",
		slog.String("event_id", t.EventID),
		slog.String("customer_id", t.CustomerID),
		slog.String("subscription_id", t.SubscriptionID),
		slog.String("from", t.From),
		slog.String("to", t.To),
	)
	return nil
}

// Multi fans a transition out to every notifier and joins their errors.
type Multi []billing.Notifier

func (m Multi) Notify(ctx context.Context, t billing.Transition) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ billing.Notifier = (*HTTP)(nil)
	_ billing.Notifier = (*Redis)(nil)
	_ billing.Notifier = (*Log)(nil)
	_ billing.Notifier = Multi(nil)
)
