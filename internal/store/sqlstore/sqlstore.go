// Package sqlstore implements store.Store on database/sql for Postgres (through pgx)
// and SQLite (through modernc.org/sqlite). Jobs and scheduled calls share one database,
// so arming a call commits atomically with the registry change that requested it.
package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// Dialect selects SQL flavour differences.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Store wraps a *sql.DB for job and call persistence.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect Dialect
	now     func() time.Time
	retry   store.RetryPolicy
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy overrides how conflicting transactions are retried.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New wraps an open database. Migrations are not applied.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		retry:   store.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres creates a pooled connection to Postgres and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	s := New(stdlib.OpenDBFromPool(pool), Postgres, opts...)
	s.pool = pool
	if err := s.RunMigrations(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer; transactions queue on the one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %q", pragma)
		}
	}

	s := New(db, SQLite, opts...)
	if err := s.RunMigrations(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database and, for Postgres, the underlying pool.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Transact runs fn inside a database transaction, retrying serialization conflicts.
func (s *Store) Transact(ctx context.Context, fn store.TxFunc) error {
	return s.retry.Retry(ctx, s.retryable, func() error {
		return s.transactOnce(ctx, fn)
	})
}

func (s *Store) transactOnce(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer sqlTx.Rollback() // safe no-op on commit

	t := &tx{s: s, tx: sqlTx, now: millis(s.now())}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *Store) retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	if s.dialect == SQLite {
		msg := err.Error()
		return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
	}
	return false
}

// DueCalls returns pending calls scheduled at or before now.
func (s *Store) DueCalls(ctx context.Context, now time.Time, limit int) ([]models.ScheduledCall, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+callColumns+` FROM scheduled_calls
		WHERE state = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id
		LIMIT ?
	`), string(models.CallPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due calls")
	}
	return collectCalls(rows)
}

// NextDue returns the earliest pending scheduled time.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT MIN(scheduled_at) FROM scheduled_calls WHERE state = ?
	`), string(models.CallPending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "query next due call")
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(next.Int64).UTC(), true, nil
}

// StaleCalls returns in_progress calls started at or before startedBefore.
func (s *Store) StaleCalls(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledCall, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+callColumns+` FROM scheduled_calls
		WHERE state = ? AND started_at <= ?
		ORDER BY started_at, id
		LIMIT ?
	`), string(models.CallInProgress), startedBefore.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stale calls")
	}
	return collectCalls(rows)
}

// PruneCalls deletes finished calls older than finishedBefore.
func (s *Store) PruneCalls(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM scheduled_calls
		WHERE state IN (?, ?, ?) AND finished_at < ?
	`), string(models.CallCompleted), string(models.CallFailed), string(models.CallCanceled), finishedBefore.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune calls")
	}
	return res.RowsAffected()
}

// q rewrites ? placeholders into the dialect's form.
func (s *Store) q(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate locks rows read inside a transaction where the dialect supports it.
// SQLite serializes writers on its single connection instead.
func (s *Store) forUpdate() string {
	if s.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
