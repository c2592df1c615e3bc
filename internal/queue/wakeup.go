package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Signal lets producers nudge idle workers so a fresh job does not wait out
// a full poll interval. It is only a hint: the store stays the source of truth
// and workers keep polling when no signal arrives.
type Signal interface {
	Notify(ctx context.Context, jobID string) error
	// Wait blocks until a notification arrives, the timeout elapses or ctx
	// ends. It reports whether it was woken by a notification.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

const (
	defaultWakeupKey  = "genqueue:wakeup"
	defaultMaxPending = 1024
	wakeupTTL         = time.Hour
)

// RedisSignal carries wakeups over a Redis list so they reach workers in
// other processes.
type RedisSignal struct {
	client     redis.UniversalClient
	key        string
	maxPending int64
}

// NewRedisSignal builds a signal on client. An empty key uses the default.
func NewRedisSignal(client redis.UniversalClient, key string) *RedisSignal {
	if key == "" {
		key = defaultWakeupKey
	}
	return &RedisSignal{client: client, key: key, maxPending: defaultMaxPending}
}

// Notify appends jobID to the wakeup list, capping its length so an idle
// fleet does not accumulate unbounded tokens.
func (s *RedisSignal) Notify(ctx context.Context, jobID string) error {
	return notifyScript.Run(ctx, s.client, []string{s.key}, jobID, s.maxPending, int64(wakeupTTL/time.Second)).Err()
}

// Wait pops one token with BLPOP. Redis blocks in whole seconds, so the
// timeout is rounded up.
func (s *RedisSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	timeout = timeout.Round(time.Second)
	_, err := s.client.BLPop(ctx, timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	return true, nil
}

// Pending returns the number of undelivered wakeups.
func (s *RedisSignal) Pending(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

var notifyScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// LocalSignal wakes workers in the same process. Notifications coalesce:
// any number of Notify calls before a Wait wake it once.
type LocalSignal struct {
	ch chan struct{}
}

func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{}, 1)}
}

func (s *LocalSignal) Notify(_ context.Context, _ string) error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *LocalSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
