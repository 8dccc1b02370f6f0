package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		path := filepath.Join(t.TempDir(), "scheduler.db")
		s, err := OpenSQLite(context.Background(), path, WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scheduler.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RunMigrations(context.Background()))
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

func TestPruneCalls(t *testing.T) {
	clock := storetest.NewClock(storetest.Epoch)
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "prune.db"), WithClock(clock.Now))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var done, waiting models.Handle
	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if done, err = tx.ScheduleAfter(ctx, 0, "demo.log", nil); err != nil {
			return err
		}
		if waiting, err = tx.ScheduleAfter(ctx, time.Hour, "demo.log", nil); err != nil {
			return err
		}
		return tx.FinishCall(ctx, done, models.CallCompleted, "")
	}))

	n, err := s.PruneCalls(ctx, storetest.Epoch)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PruneCalls(ctx, storetest.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	err = s.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetCall(ctx, done)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetCall(ctx, waiting)
		return err
	})
	require.NoError(t, err)
}

func TestPostgresUniqueViolationMapsToDuplicateName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM cron_jobs WHERE name = $1")).
		WithArgs("nightly").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO cron_jobs").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = s.Transact(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateJob(ctx, store.CreateJobParams{
			Name:     "nightly",
			Target:   "demo.log",
			Schedule: models.IntervalSchedule(time.Minute),
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSerializationFailureIsRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres, WithRetryPolicy(store.RetryPolicy{
		MaxAttempts:    3,
		BackoffInitial: time.Microsecond,
		BackoffMax:     time.Millisecond,
	}))
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = s.Transact(context.Background(), func(ctx context.Context, tx store.Tx) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND state IN ($3, $4)",
		pg.q("UPDATE t SET a = ? WHERE id = ? AND state IN (?, ?)"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := New(nil, SQLite)
	assert.Equal(t, "SELECT ? , ?", lite.q("SELECT ? , ?"))
	assert.Empty(t, lite.forUpdate())
}
