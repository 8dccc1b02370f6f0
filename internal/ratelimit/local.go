package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local keeps one in-process token bucket per key. It serves deployments without
// Redis, where a single API process owns the limit.
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
	now      func() time.Time
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		now:      time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, float64, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	allowed := lim.AllowN(now, 1)
	return allowed, lim.TokensAt(now), nil
}
