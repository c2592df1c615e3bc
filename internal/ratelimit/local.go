package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process limiter keyed the same way as TokenBucket. It backs
// single-node deployments without Redis.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	r        rate.Limit
	burst    int
	evictTTL time.Duration
	swept    time.Time
}

func NewLocal(capacity int, refillPerSecond float64, evictTTL time.Duration) *Local {
	if evictTTL <= 0 {
		evictTTL = 15 * time.Minute
	}
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		r:        rate.Limit(refillPerSecond),
		burst:    capacity,
		evictTTL: evictTTL,
		swept:    time.Now(),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > l.evictTTL {
		l.evictLocked(now)
	}
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = now
	return lim.AllowN(now, 1), nil
}

func (l *Local) evictLocked(now time.Time) {
	cutoff := now.Add(-l.evictTTL)
	for key, last := range l.lastSeen {
		if last.Before(cutoff) {
			delete(l.limiters, key)
			delete(l.lastSeen, key)
		}
	}
	l.swept = now
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*Local)(nil)
)
