package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/store/storetest"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		_, client := newMiniredis(t)
		s := New(client, WithClock(clock.Now))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFinishedCallsExpire(t *testing.T) {
	mr, client := newMiniredis(t)
	s := New(client, WithPrefix("test:"), WithRetention(time.Minute))
	ctx := context.Background()

	h, err := store.InTx(ctx, s, func(ctx context.Context, tx store.Tx) (models.Handle, error) {
		h, err := tx.ScheduleAfter(ctx, 0, "demo.log", nil)
		if err != nil {
			return "", err
		}
		return h, tx.FinishCall(ctx, h, models.CallCompleted, "")
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:call:"+string(h)))
	assert.Equal(t, time.Minute, mr.TTL("test:call:"+string(h)))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:call:"+string(h)))

	n, err := s.PruneCalls(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexesFollowCallState(t *testing.T) {
	mr, client := newMiniredis(t)
	clock := storetest.NewClock(storetest.Epoch)
	s := New(client, WithPrefix("p:"), WithClock(clock.Now))
	ctx := context.Background()

	h, err := store.InTx(ctx, s, func(ctx context.Context, tx store.Tx) (models.Handle, error) {
		return tx.ScheduleAfter(ctx, time.Second, "demo.log", nil)
	})
	require.NoError(t, err)

	score, err := mr.ZScore("p:calls:pending", string(h))
	require.NoError(t, err)
	assert.Equal(t, float64(storetest.Epoch.Add(time.Second).UnixMilli()), score)

	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.StartCall(ctx, h)
	}))
	members, err := mr.ZMembers("p:calls:inflight")
	require.NoError(t, err)
	assert.Equal(t, []string{string(h)}, members)
	_, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentNameClaimsConflict(t *testing.T) {
	_, client := newMiniredis(t)
	s := New(client)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.CreateJob(ctx, store.CreateJobParams{
					Name:     "singleton",
					Target:   "demo.log",
					Schedule: models.IntervalSchedule(time.Minute),
				})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, store.ErrDuplicateName):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, dupes)

	jobs, err := store.InTx(ctx, s, func(ctx context.Context, tx store.Tx) ([]models.Job, error) {
		return tx.ListJobs(ctx)
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
