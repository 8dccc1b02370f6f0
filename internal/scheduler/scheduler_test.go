package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/store/redisstore"
	"recurring-scheduler/internal/store/sqlstore"
	"recurring-scheduler/internal/store/storetest"
	"recurring-scheduler/internal/telemetry"
	"recurring-scheduler/internal/worker"
)

var backends = []struct {
	name string
	open storetest.Factory
}{
	{"sqlite", func(t *testing.T, clock *storetest.Clock) store.Store {
		s, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "scheduler.db"), sqlstore.WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
	{"redis", func(t *testing.T, clock *storetest.Clock) store.Store {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		s := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), redisstore.WithClock(clock.Now))
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
}

// eachBackend runs fn once per store backend.
func eachBackend(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newHarness(t, b.open))
		})
	}
}

type harness struct {
	t      *testing.T
	cfg    config.Config
	clock  *storetest.Clock
	store  store.Store
	funcs  *worker.Registry
	svc    *Service
	runner *worker.Runner

	mu   sync.Mutex
	runs []time.Time
}

func newHarness(t *testing.T, open storetest.Factory) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	clock := storetest.NewClock(storetest.Epoch)
	st := open(t, clock)

	h := &harness{t: t, clock: clock, store: st, funcs: worker.NewRegistry()}
	h.svc = NewService(st, log, WithFunctions(h.funcs))
	h.svc.Install(h.funcs)
	h.funcs.RegisterAction("count", func(ctx context.Context, args models.Args) error {
		h.record()
		return nil
	})

	h.cfg = config.Config{
		WorkerPollInterval: time.Second,
		ScheduledBatchSize: 50,
		ActionTimeout:      time.Minute,
		ActionConcurrency:  4,
		CallRetention:      time.Hour,
	}
	h.runner = h.newRunner()
	return h
}

// newRunner builds another worker polling the harness store.
func (h *harness) newRunner() *worker.Runner {
	return worker.NewRunner(h.cfg, h.store, h.funcs, zaptest.NewLogger(h.t).Sugar(), worker.WithClock(h.clock.Now))
}

func (h *harness) record() {
	h.mu.Lock()
	h.runs = append(h.runs, h.clock.Now())
	h.mu.Unlock()
}

func (h *harness) dispatched() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}

func (h *harness) runTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.runs...)
}

// settle moves virtual time to `to`, stopping at every instant a call falls due and
// running everything due there. When wait is false, started actions are not awaited.
func (h *harness) settle(t *testing.T, to time.Time, wait bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; ; i++ {
		require.Less(t, i, 10000, "calls keep falling due")
		next, ok, err := h.store.NextDue(ctx)
		require.NoError(t, err)
		if !ok || next.After(to) {
			break
		}
		if next.After(h.clock.Now()) {
			h.clock.Set(next)
		}
		n, err := h.runner.RunDue(ctx)
		require.NoError(t, err)
		if wait {
			h.runner.Wait()
		}
		if n == 0 {
			// Everything due here is already running.
			break
		}
	}
	h.clock.Set(to)
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, found, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return job
}

func (h *harness) call(t *testing.T, handle models.Handle) models.ScheduledCall {
	t.Helper()
	call, err := store.InTx(context.Background(), h.store, func(ctx context.Context, tx store.Tx) (models.ScheduledCall, error) {
		return tx.GetCall(ctx, handle)
	})
	require.NoError(t, err)
	return call
}

func assertTimes(t *testing.T, want, got []time.Time) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "run %d at %s, want %s", i, got[i], want[i])
	}
}

func sec(n int) time.Time {
	return storetest.Epoch.Add(time.Duration(n) * time.Second)
}

func TestThreeDispatchesInThreeSeconds(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		_, err := h.svc.RegisterInterval(context.Background(), "", time.Second, "count", nil)
		require.NoError(t, err)

		h.settle(t, sec(3), true)
		assert.Equal(t, 3, h.dispatched())
	})
}

func TestRegisterArmsFirstWakeup(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "every-minute", time.Minute, "count", models.Args{"n": 1})
		require.NoError(t, err)

		job := h.job(t, id)
		assert.Equal(t, "every-minute", job.Name)
		assert.Equal(t, models.ScheduleInterval, job.Schedule.Kind)
		assert.Equal(t, time.Minute, job.Schedule.Period())
		assert.Empty(t, job.ExecutionHandle)
		require.NotEmpty(t, job.WakeupHandle)

		wake := h.call(t, job.WakeupHandle)
		assert.Equal(t, ReschedulerFunction, wake.Function)
		assert.Equal(t, models.CallPending, wake.State)
		assert.True(t, sec(60).Equal(wake.ScheduledAt), "first wake-up at %s", wake.ScheduledAt)
		assert.Equal(t, id, wake.Args["job_id"])

		byName, found, err := h.svc.GetByName(ctx, "every-minute")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, id, byName.ID)
	})
}

func TestNameIsUnique(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "report", time.Minute, "count", nil)
		require.NoError(t, err)

		_, err = h.svc.RegisterInterval(ctx, "report", time.Hour, "count", nil)
		assert.ErrorIs(t, err, ErrDuplicateName)
		_, err = h.svc.RegisterCron(ctx, "report", "0 * * * *", "count", nil)
		assert.ErrorIs(t, err, ErrDuplicateName)

		jobs, err := h.svc.List(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, id, jobs[0].ID)

		// Only the first registration armed a wake-up.
		next, ok, err := h.store.NextDue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, sec(60).Equal(next))

		// Deleting frees the name.
		require.NoError(t, h.svc.DeleteByName(ctx, "report"))
		_, err = h.svc.RegisterInterval(ctx, "report", time.Hour, "count", nil)
		assert.NoError(t, err)

		// Unnamed jobs never collide.
		_, err = h.svc.RegisterInterval(ctx, "", time.Hour, "count", nil)
		require.NoError(t, err)
		_, err = h.svc.RegisterInterval(ctx, "", time.Hour, "count", nil)
		require.NoError(t, err)
	})
}

func TestValidationLeavesRegistryUnchanged(t *testing.T) {
	cases := []struct {
		name     string
		register func(s *Service) error
		want     error
	}{
		{"interval below 1s", func(s *Service) error {
			_, err := s.RegisterInterval(context.Background(), "a", 999*time.Millisecond, "count", nil)
			return err
		}, ErrIntervalTooShort},
		{"zero interval", func(s *Service) error {
			_, err := s.RegisterInterval(context.Background(), "a", 0, "count", nil)
			return err
		}, ErrIntervalTooShort},
		{"cron with four fields", func(s *Service) error {
			_, err := s.RegisterCron(context.Background(), "a", "* * * *", "count", nil)
			return err
		}, ErrInvalidCronspec},
		{"cron out of range", func(s *Service) error {
			_, err := s.RegisterCron(context.Background(), "a", "60 * * * *", "count", nil)
			return err
		}, ErrInvalidCronspec},
		{"cron that never fires", func(s *Service) error {
			_, err := s.RegisterCron(context.Background(), "a", "0 0 30 2 *", "count", nil)
			return err
		}, ErrInvalidCronspec},
		{"empty target", func(s *Service) error {
			_, err := s.RegisterInterval(context.Background(), "a", time.Minute, "", nil)
			return err
		}, ErrUnknownTarget},
		{"unregistered target", func(s *Service) error {
			_, err := s.RegisterCron(context.Background(), "a", "0 * * * *", "missing", nil)
			return err
		}, ErrUnknownTarget},
		{"args not encodable", func(s *Service) error {
			_, err := s.RegisterInterval(context.Background(), "a", time.Minute, "count", models.Args{"ch": make(chan int)})
			return err
		}, ErrInvalidArgs},
	}

	eachBackend(t, func(t *testing.T, h *harness) {
		for _, tc := range cases {
			err := tc.register(h.svc)
			require.Error(t, err, tc.name)
			assert.True(t, errors.Is(err, tc.want), "%s: got %v", tc.name, err)
			assert.True(t, IsValidationError(err), tc.name)
		}

		jobs, err := h.svc.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, jobs)
		_, ok, err := h.store.NextDue(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestChainStaysAliveAcrossPeriods(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		id, err := h.svc.RegisterInterval(context.Background(), "tick", 5*time.Second, "count", nil)
		require.NoError(t, err)

		for k := 1; k <= 4; k++ {
			h.settle(t, sec(5*k), true)
			assert.Equal(t, k, h.dispatched())

			job := h.job(t, id)
			wake := h.call(t, job.WakeupHandle)
			assert.Equal(t, models.CallPending, wake.State)
			assert.True(t, sec(5*(k+1)).Equal(wake.ScheduledAt))

			exec := h.call(t, job.ExecutionHandle)
			assert.Equal(t, "count", exec.Function)
			assert.Equal(t, models.CallCompleted, exec.State)
		}
		assertTimes(t, []time.Time{sec(5), sec(10), sec(15), sec(20)}, h.runTimes())
	})
}

func TestLateTickKeepsSchedule(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "", 10*time.Second, "count", nil)
		require.NoError(t, err)

		// The worker was down: the wake-up due at 10s runs at 13s.
		h.clock.Set(sec(13))
		_, err = h.runner.RunDue(ctx)
		require.NoError(t, err)
		h.runner.Wait()

		wake := h.call(t, h.job(t, id).WakeupHandle)
		assert.True(t, sec(20).Equal(wake.ScheduledAt), "next wake-up at %s", wake.ScheduledAt)
	})
}

func TestLongRunningTargetIsNotDispatchedTwice(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		release := make(chan struct{})
		h.funcs.RegisterAction("slow", func(ctx context.Context, args models.Args) error {
			h.record()
			<-release
			return nil
		})
		id, err := h.svc.RegisterInterval(context.Background(), "slow", time.Second, "slow", nil)
		require.NoError(t, err)
		skipped := testutil.ToFloat64(telemetry.DispatchSkipped)

		h.settle(t, sec(1), false)
		first := h.job(t, id).ExecutionHandle
		assert.Equal(t, models.CallInProgress, h.call(t, first).State)

		h.settle(t, sec(2), false)
		assert.Equal(t, 1, h.dispatched())
		assert.Equal(t, skipped+1, testutil.ToFloat64(telemetry.DispatchSkipped))
		assert.Equal(t, first, h.job(t, id).ExecutionHandle)

		close(release)
		h.runner.Wait()
		assert.Equal(t, models.CallCompleted, h.call(t, first).State)

		h.settle(t, sec(3), true)
		assert.Equal(t, 2, h.dispatched())
		assert.NotEqual(t, first, h.job(t, id).ExecutionHandle)
	})
}

func TestTargetFailureDoesNotBreakChain(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		var mu sync.Mutex
		calls := 0
		h.funcs.RegisterAction("flaky", func(ctx context.Context, args models.Args) error {
			h.record()
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 2 {
				return errors.New("second run fails")
			}
			return nil
		})
		broken := testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("error"))

		id, err := h.svc.RegisterInterval(context.Background(), "", time.Second, "flaky", nil)
		require.NoError(t, err)

		h.settle(t, sec(2), true)
		failed := h.call(t, h.job(t, id).ExecutionHandle)
		assert.Equal(t, models.CallFailed, failed.State)
		require.NotNil(t, failed.LastError)
		assert.Contains(t, *failed.LastError, "second run fails")

		h.settle(t, sec(3), true)
		assertTimes(t, []time.Time{sec(1), sec(2), sec(3)}, h.runTimes())
		assert.Equal(t, models.CallCompleted, h.call(t, h.job(t, id).ExecutionHandle).State)
		assert.Equal(t, broken, testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("error")))
	})
}

func TestDeleteStopsDispatches(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "doomed", time.Second, "count", nil)
		require.NoError(t, err)
		h.settle(t, sec(1), true)
		require.Equal(t, 1, h.dispatched())
		wake := h.job(t, id).WakeupHandle

		require.NoError(t, h.svc.Delete(ctx, id))
		assert.Equal(t, models.CallCanceled, h.call(t, wake).State)

		h.settle(t, sec(60), true)
		assert.Equal(t, 1, h.dispatched())

		_, found, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = h.svc.GetByName(ctx, "doomed")
		require.NoError(t, err)
		assert.False(t, found)

		assert.ErrorIs(t, h.svc.Delete(ctx, id), ErrNotFound)
		assert.ErrorIs(t, h.svc.DeleteByName(ctx, "doomed"), ErrNotFound)
	})
}

func TestDeleteCancelsPendingExecution(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "", time.Second, "count", nil)
		require.NoError(t, err)

		// Run only the wake-up, leaving the dispatched execution pending.
		var exec models.Handle
		require.NoError(t, h.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
			job, err := tx.GetJob(ctx, id)
			if err != nil {
				return err
			}
			wake := job.WakeupHandle
			if err := h.svc.Tick(worker.WithCall(ctx, models.ScheduledCall{Handle: wake}), tx, models.Args{"job_id": id}); err != nil {
				return err
			}
			if job, err = tx.GetJob(ctx, id); err != nil {
				return err
			}
			exec = job.ExecutionHandle
			return tx.FinishCall(ctx, wake, models.CallCompleted, "")
		}))
		require.NotEmpty(t, exec)

		require.NoError(t, h.svc.Delete(ctx, id))
		assert.Equal(t, models.CallCanceled, h.call(t, exec).State)
		h.settle(t, sec(10), true)
		assert.Zero(t, h.dispatched())
	})
}

func TestCronJobFollowsExpression(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterCron(ctx, "midnight", "0 0 * * *", "count", nil)
		require.NoError(t, err)
		wake := h.call(t, h.job(t, id).WakeupHandle)
		assert.True(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Equal(wake.ScheduledAt))
		require.NoError(t, h.svc.Delete(ctx, id))

		h.clock.Set(time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC))
		id, err = h.svc.RegisterCron(ctx, "thirtieth", "0 0 30 * *", "count", nil)
		require.NoError(t, err)
		wake = h.call(t, h.job(t, id).WakeupHandle)
		assert.True(t, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC).Equal(wake.ScheduledAt))

		h.settle(t, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC), true)
		wake = h.call(t, h.job(t, id).WakeupHandle)
		assert.True(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).Equal(wake.ScheduledAt))
	})
}

func TestVanishedJobEndsChain(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "", time.Second, "count", nil)
		require.NoError(t, err)
		wake := h.job(t, id).WakeupHandle
		before := testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("job_vanished"))

		// Remove the record without cancelling its wake-up.
		require.NoError(t, h.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DeleteJob(ctx, id)
		}))

		h.settle(t, sec(10), true)
		assert.Zero(t, h.dispatched())
		assert.Equal(t, before+1, testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("job_vanished")))

		call := h.call(t, wake)
		assert.Equal(t, models.CallFailed, call.State)
		require.NotNil(t, call.LastError)
		assert.Contains(t, *call.LastError, ErrJobVanished.Error())

		_, ok, err := h.store.NextDue(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMismatchedWakeupEndsChain(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "", time.Second, "count", nil)
		require.NoError(t, err)
		original := h.job(t, id).WakeupHandle
		before := testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("inconsistent_state"))

		// Point the job at a different wake-up far in the future.
		require.NoError(t, h.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
			other, err := tx.ScheduleAt(ctx, sec(3600), ReschedulerFunction, models.Args{"job_id": id})
			if err != nil {
				return err
			}
			return tx.PatchHandles(ctx, id, store.HandlePatch{Wakeup: &other})
		}))

		h.settle(t, sec(10), true)
		assert.Zero(t, h.dispatched())
		assert.Equal(t, before+1, testutil.ToFloat64(telemetry.ChainBroken.WithLabelValues("inconsistent_state")))
		assert.Equal(t, models.CallFailed, h.call(t, original).State)
	})
}

func TestTxVariantsShareCallerTransaction(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		rollback := errors.New("caller aborts")
		err := h.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := h.svc.RegisterIntervalTx(ctx, tx, "a", time.Second, "count", nil); err != nil {
				return err
			}
			if _, err := h.svc.RegisterCronTx(ctx, tx, "b", "*/5 * * * *", "count", nil); err != nil {
				return err
			}
			return rollback
		})
		require.ErrorIs(t, err, rollback)

		jobs, err := h.svc.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		_, ok, err := h.store.NextDue(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		// Register and delete in one transaction leaves nothing behind either.
		require.NoError(t, h.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
			id, err := h.svc.RegisterIntervalTx(ctx, tx, "c", time.Second, "count", nil)
			if err != nil {
				return err
			}
			return h.svc.DeleteTx(ctx, tx, id)
		}))
		h.settle(t, sec(5), true)
		assert.Zero(t, h.dispatched())
	})
}

func TestEnsureIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, created, err := h.svc.EnsureInterval(ctx, "heartbeat", time.Second, "count", nil)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := h.svc.EnsureInterval(ctx, "heartbeat", time.Minute, "count", nil)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, again)
		assert.Equal(t, time.Second, h.job(t, id).Schedule.Period())

		_, created, err = h.svc.EnsureCron(ctx, "heartbeat", "0 * * * *", "count", nil)
		require.NoError(t, err)
		assert.False(t, created)

		_, _, err = h.svc.EnsureCron(ctx, "", "0 * * * *", "count", nil)
		assert.Error(t, err)
	})
}

func TestConcurrentRunnersDispatchOnce(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, err := h.svc.RegisterInterval(ctx, "", time.Second, "count", nil)
		require.NoError(t, err)

		runners := []*worker.Runner{h.runner, h.newRunner()}
		for k := 1; k <= 20; k++ {
			h.clock.Set(sec(k))
			var wg sync.WaitGroup
			errs := make([]error, len(runners))
			for i, r := range runners {
				wg.Add(1)
				go func(i int, r *worker.Runner) {
					defer wg.Done()
					_, errs[i] = r.RunDue(ctx)
				}(i, r)
			}
			wg.Wait()
			for _, r := range runners {
				r.Wait()
			}
			for _, err := range errs {
				require.NoError(t, err)
			}
		}

		assert.Equal(t, 20, h.dispatched())
	})
}

// staleNameStore hides an existing name from the first lookup, as a concurrent
// registration committed after that read would.
type staleNameStore struct {
	store.Store
	hidden bool
}

func (s *staleNameStore) Transact(ctx context.Context, fn store.TxFunc) error {
	return s.Store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &staleNameTx{Tx: tx, s: s})
	})
}

type staleNameTx struct {
	store.Tx
	s *staleNameStore
}

func (t *staleNameTx) GetJobByName(ctx context.Context, name string) (models.Job, error) {
	if !t.s.hidden {
		t.s.hidden = true
		return models.Job{}, store.ErrNotFound
	}
	return t.Tx.GetJobByName(ctx, name)
}

func TestEnsureLosingNameRaceReturnsExisting(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		id, err := h.svc.RegisterInterval(ctx, "heartbeat", time.Second, "count", nil)
		require.NoError(t, err)

		racing := NewService(&staleNameStore{Store: h.store}, zaptest.NewLogger(t).Sugar(), WithFunctions(h.funcs))
		got, created, err := racing.EnsureInterval(ctx, "heartbeat", time.Minute, "count", nil)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, got)

		jobs, err := h.svc.List(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}
