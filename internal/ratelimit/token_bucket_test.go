package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)

	allowed, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _ = bucket.Allow(ctx, "tenant")
	assert.True(t, allowed)
	allowed, _ = bucket.Allow(ctx, "tenant")
	assert.False(t, allowed, "third token should be rejected")

	other, err := bucket.Allow(ctx, "other-tenant")
	require.NoError(t, err)
	assert.True(t, other, "keys have independent budgets")
	assert.True(t, mr.Exists(DefaultKeyPrefix+"tenant"))
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	now := time.Unix(1700000000, 0)
	bucket.now = func() time.Time { return now }

	allowed, _, err := bucket.Take(ctx, "tenant")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Take(ctx, "tenant")
	require.False(t, allowed)

	now = now.Add(250 * time.Millisecond)
	allowed, tokens, err := bucket.Take(ctx, "tenant")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, 0.5, tokens, 0.01)

	now = now.Add(250 * time.Millisecond)
	allowed, _, err = bucket.Take(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(2, 0.001, time.Minute)

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "owner-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "owner-a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "owner-b")
	assert.True(t, ok)
}

func TestLocalEvictsIdleKeys(t *testing.T) {
	l := NewLocal(1, 1, time.Minute)
	_, _ = l.Allow(context.Background(), "idle")

	l.mu.Lock()
	l.lastSeen["idle"] = time.Now().Add(-2 * time.Minute)
	l.swept = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()

	_, _ = l.Allow(context.Background(), "fresh")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.limiters, "idle")
	assert.Contains(t, l.limiters, "fresh")
}
