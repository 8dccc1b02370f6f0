package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// Epoch is the instant contract tests start their clock at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Factory opens an empty store driven by clock. Cleanup is registered on t.
type Factory func(t *testing.T, clock *Clock) store.Store

// Run exercises the store.Store contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, newStore) })
	t.Run("DuplicateName", func(t *testing.T) { testDuplicateName(t, newStore) })
	t.Run("DeleteJob", func(t *testing.T) { testDeleteJob(t, newStore) })
	t.Run("PatchHandles", func(t *testing.T) { testPatchHandles(t, newStore) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, newStore) })
	t.Run("DueCallsAndNextDue", func(t *testing.T) { testDueCalls(t, newStore) })
	t.Run("CallTransitions", func(t *testing.T) { testCallTransitions(t, newStore) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore) })
	t.Run("StaleCalls", func(t *testing.T) { testStaleCalls(t, newStore) })
}

func mustTx(t *testing.T, s store.Store, fn store.TxFunc) {
	t.Helper()
	require.NoError(t, s.Transact(context.Background(), fn))
}

func createJob(t *testing.T, s store.Store, name string) models.Job {
	t.Helper()
	job, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) (models.Job, error) {
		return tx.CreateJob(ctx, store.CreateJobParams{
			Name:     name,
			Target:   "demo.log",
			Args:     models.Args{"message": "hi"},
			Schedule: models.IntervalSchedule(time.Minute),
		})
	})
	require.NoError(t, err)
	return job
}

func getCall(t *testing.T, s store.Store, h models.Handle) models.ScheduledCall {
	t.Helper()
	call, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) (models.ScheduledCall, error) {
		return tx.GetCall(ctx, h)
	})
	require.NoError(t, err)
	return call
}

func schedule(t *testing.T, s store.Store, at time.Time, function string) models.Handle {
	t.Helper()
	h, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) (models.Handle, error) {
		return tx.ScheduleAt(ctx, at, function, nil)
	})
	require.NoError(t, err)
	return h
}

func testCreateAndGetJob(t *testing.T, newStore Factory) {
	clock := NewClock(Epoch)
	s := newStore(t, clock)

	job := createJob(t, s, "nightly")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, Epoch, job.CreatedAt)

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "nightly", got.Name)
		assert.Equal(t, "demo.log", got.Target)
		assert.Equal(t, "hi", got.Args["message"])
		assert.Equal(t, models.ScheduleInterval, got.Schedule.Kind)
		assert.Equal(t, time.Minute, got.Schedule.Period())
		assert.Equal(t, Epoch, got.CreatedAt)

		byName, err := tx.GetJobByName(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, job.ID, byName.ID)

		_, err = tx.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetJobByName(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})

	cronJob, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) (models.Job, error) {
		return tx.CreateJob(ctx, store.CreateJobParams{Target: "demo.log", Schedule: models.CronSchedule("0 * * * *")})
	})
	require.NoError(t, err)
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetJob(ctx, cronJob.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Name)
		assert.Equal(t, "0 * * * *", got.Schedule.Cronspec)
		assert.NotNil(t, got.Args)
		assert.Empty(t, got.Args)
		return nil
	})
}

func testDuplicateName(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	createJob(t, s, "dup")

	_, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) (models.Job, error) {
		return tx.CreateJob(ctx, store.CreateJobParams{Name: "dup", Target: "demo.log", Schedule: models.IntervalSchedule(time.Hour)})
	})
	assert.ErrorIs(t, err, store.ErrDuplicateName)

	// Unnamed jobs never collide.
	a := createJob(t, s, "")
	b := createJob(t, s, "")
	assert.NotEqual(t, a.ID, b.ID)
}

func testDeleteJob(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	job := createJob(t, s, "temp")

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteJob(ctx, job.ID)
	})
	err := s.Transact(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteJob(ctx, job.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The name is free again once the job is gone.
	again := createJob(t, s, "temp")
	assert.NotEqual(t, job.ID, again.ID)
}

func testPatchHandles(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	job := createJob(t, s, "patched")

	wake := models.Handle("wake-1")
	exec := models.Handle("exec-1")
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PatchHandles(ctx, job.ID, store.HandlePatch{Wakeup: &wake})
	})
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, wake, got.WakeupHandle)
		assert.Empty(t, got.ExecutionHandle)
		return tx.PatchHandles(ctx, job.ID, store.HandlePatch{Execution: &exec})
	})
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, wake, got.WakeupHandle)
		assert.Equal(t, exec, got.ExecutionHandle)
		return nil
	})

	err := s.Transact(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.PatchHandles(ctx, "missing", store.HandlePatch{Wakeup: &wake})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListJobs(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	ids := map[string]bool{}
	for _, name := range []string{"a", "b", ""} {
		ids[createJob(t, s, name).ID] = true
	}
	jobs, err := store.InTx(context.Background(), s, func(ctx context.Context, tx store.Tx) ([]models.Job, error) {
		return tx.ListJobs(ctx)
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.True(t, ids[job.ID], "unexpected job %s", job.ID)
	}
}

func testRollback(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	boom := errors.New("boom")

	err := s.Transact(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateJob(ctx, store.CreateJobParams{Name: "ghost", Target: "demo.log", Schedule: models.IntervalSchedule(time.Hour)}); err != nil {
			return err
		}
		if _, err := tx.ScheduleAfter(ctx, 0, "demo.log", nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetJobByName(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	_, ok, err := s.NextDue(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDueCalls(t *testing.T, newStore Factory) {
	clock := NewClock(Epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	_, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	late := schedule(t, s, Epoch.Add(2*time.Minute), "late")
	first := schedule(t, s, Epoch.Add(time.Minute), "first")
	second := schedule(t, s, Epoch.Add(time.Minute), "second")

	next, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Epoch.Add(time.Minute), next)

	due, err := s.DueCalls(ctx, Epoch, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueCalls(ctx, Epoch.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first, due[0].Handle)
	assert.Equal(t, second, due[1].Handle)
	assert.Equal(t, models.CallPending, due[0].State)
	assert.NotNil(t, due[0].Args)

	due, err = s.DueCalls(ctx, Epoch.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first, due[0].Handle)

	due, err = s.DueCalls(ctx, Epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, late, due[2].Handle)

	clock.Advance(30 * time.Second)
	h, err := store.InTx(ctx, s, func(ctx context.Context, tx store.Tx) (models.Handle, error) {
		assert.Equal(t, Epoch.Add(30*time.Second), tx.Now())
		return tx.ScheduleAfter(ctx, 0, "now", models.Args{"n": 1})
	})
	require.NoError(t, err)
	call := getCall(t, s, h)
	assert.Equal(t, Epoch.Add(30*time.Second), call.ScheduledAt)
	assert.Equal(t, "now", call.Function)
	assert.EqualValues(t, 1, call.Args["n"])
}

func testCallTransitions(t *testing.T, newStore Factory) {
	clock := NewClock(Epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	h := schedule(t, s, Epoch, "work")
	clock.Advance(time.Second)
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.StartCall(ctx, h)
	})
	call := getCall(t, s, h)
	assert.Equal(t, models.CallInProgress, call.State)
	require.NotNil(t, call.StartedAt)
	assert.Equal(t, Epoch.Add(time.Second), *call.StartedAt)

	err := s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.StartCall(ctx, h)
	})
	assert.ErrorIs(t, err, store.ErrCallState)

	due, err := s.DueCalls(ctx, Epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, h, models.CallFailed, "exploded")
	})
	call = getCall(t, s, h)
	assert.Equal(t, models.CallFailed, call.State)
	require.NotNil(t, call.LastError)
	assert.Equal(t, "exploded", *call.LastError)
	require.NotNil(t, call.FinishedAt)

	err = s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, h, models.CallCompleted, "")
	})
	assert.ErrorIs(t, err, store.ErrCallState)

	// Pending calls may finish directly, as mutations do.
	m := schedule(t, s, Epoch, "mutation")
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, m, models.CallCompleted, "")
	})
	call = getCall(t, s, m)
	assert.Equal(t, models.CallCompleted, call.State)
	assert.Nil(t, call.LastError)

	err = s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, m, models.CallCanceled, "")
	})
	assert.Error(t, err)

	err = s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetCall(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	clock.Advance(time.Hour)
	pruned, err := s.PruneCalls(ctx, clock.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pruned, int64(0))
}

func testCancel(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock(Epoch))
	ctx := context.Background()

	pending := schedule(t, s, Epoch.Add(time.Minute), "wait")
	running := schedule(t, s, Epoch, "run")
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.StartCall(ctx, running))
		require.NoError(t, tx.Cancel(ctx, pending))
		require.NoError(t, tx.Cancel(ctx, running))
		return tx.Cancel(ctx, "missing")
	})

	assert.Equal(t, models.CallCanceled, getCall(t, s, pending).State)
	assert.Equal(t, models.CallInProgress, getCall(t, s, running).State)

	// Canceling twice is harmless.
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Cancel(ctx, pending)
	})
	assert.Equal(t, models.CallCanceled, getCall(t, s, pending).State)

	_, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testStaleCalls(t *testing.T, newStore Factory) {
	clock := NewClock(Epoch)
	s := newStore(t, clock)
	ctx := context.Background()

	h := schedule(t, s, Epoch, "slow")
	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.StartCall(ctx, h)
	})

	stale, err := s.StaleCalls(ctx, Epoch.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.StaleCalls(ctx, Epoch, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, h, stale[0].Handle)

	mustTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, h, models.CallCompleted, "")
	})
	stale, err = s.StaleCalls(ctx, Epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
