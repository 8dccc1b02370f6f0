package store

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how a backend re-runs a transaction that lost an
// optimistic-concurrency race.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultRetryPolicy is used when a backend is not given one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     250 * time.Millisecond,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts are exhausted.
func (p RetryPolicy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		timer := time.NewTimer(backoffWithJitter(p.BackoffInitial, p.BackoffMax, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
