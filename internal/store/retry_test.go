package store

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

func TestRetryPolicy(t *testing.T) {
	conflict := errors.New("conflict")
	fatal := errors.New("fatal")
	isConflict := func(err error) bool { return errors.Is(err, conflict) }
	policy := RetryPolicy{MaxAttempts: 3, BackoffInitial: time.Microsecond, BackoffMax: time.Millisecond}

	calls := 0
	err := policy.Retry(context.Background(), isConflict, func() error {
		calls++
		if calls < 3 {
			return conflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = policy.Retry(context.Background(), isConflict, func() error {
		calls++
		return conflict
	})
	assert.ErrorIs(t, err, conflict)
	assert.Equal(t, 3, calls)

	calls = 0
	err = policy.Retry(context.Background(), isConflict, func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}
