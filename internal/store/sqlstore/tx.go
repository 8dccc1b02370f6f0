package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

const (
	jobColumns  = "id, name, target, args, schedule_kind, period_ms, cronspec, wakeup_handle, execution_handle, created_at"
	callColumns = "id, function_name, args, scheduled_at, state, started_at, finished_at, last_error, created_at"
)

type tx struct {
	s   *Store
	tx  *sql.Tx
	now time.Time
}

var _ store.Tx = (*tx)(nil)

func (t *tx) Now() time.Time { return t.now }

func (t *tx) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	if p.Name != "" {
		var existing string
		err := t.tx.QueryRowContext(ctx, t.s.q("SELECT id FROM cron_jobs WHERE name = ?"), p.Name).Scan(&existing)
		switch {
		case err == nil:
			return models.Job{}, errors.Wrapf(store.ErrDuplicateName, "%q", p.Name)
		case !errors.Is(err, sql.ErrNoRows):
			return models.Job{}, errors.Wrap(err, "lookup job name")
		}
	}

	args, err := store.EncodeArgs(p.Args)
	if err != nil {
		return models.Job{}, err
	}
	job := models.Job{
		ID:        store.NewJobID(),
		Name:      p.Name,
		Target:    p.Target,
		Args:      store.NormalizeArgs(p.Args),
		Schedule:  p.Schedule,
		CreatedAt: t.now,
	}

	var period sql.NullInt64
	if p.Schedule.Kind == models.ScheduleInterval {
		period = sql.NullInt64{Int64: p.Schedule.PeriodMs, Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, t.s.q(`
		INSERT INTO cron_jobs (id, name, target, args, schedule_kind, period_ms, cronspec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, nullString(p.Name), p.Target, args, string(p.Schedule.Kind), period,
		nullString(p.Schedule.Cronspec), t.now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return models.Job{}, errors.Wrapf(store.ErrDuplicateName, "%q", p.Name)
		}
		return models.Job{}, errors.Wrap(err, "insert job")
	}
	return job, nil
}

func (t *tx) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q("SELECT "+jobColumns+" FROM cron_jobs WHERE id = ?"+t.s.forUpdate()), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job %s", id)
	}
	return job, err
}

func (t *tx) GetJobByName(ctx context.Context, name string) (models.Job, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q("SELECT "+jobColumns+" FROM cron_jobs WHERE name = ?"+t.s.forUpdate()), name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job named %q", name)
	}
	return job, err
}

func (t *tx) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+jobColumns+" FROM cron_jobs ORDER BY created_at, id")
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

func (t *tx) DeleteJob(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, t.s.q("DELETE FROM cron_jobs WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	return requireRow(res, errors.Wrapf(store.ErrNotFound, "job %s", id))
}

func (t *tx) PatchHandles(ctx context.Context, id string, p store.HandlePatch) error {
	var (
		sets []string
		vals []any
	)
	if p.Wakeup != nil {
		sets = append(sets, "wakeup_handle = ?")
		vals = append(vals, nullString(string(*p.Wakeup)))
	}
	if p.Execution != nil {
		sets = append(sets, "execution_handle = ?")
		vals = append(vals, nullString(string(*p.Execution)))
	}
	if len(sets) == 0 {
		_, err := t.GetJob(ctx, id)
		return err
	}
	vals = append(vals, id)
	res, err := t.tx.ExecContext(ctx, t.s.q("UPDATE cron_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?"), vals...)
	if err != nil {
		return errors.Wrap(err, "patch job handles")
	}
	return requireRow(res, errors.Wrapf(store.ErrNotFound, "job %s", id))
}

func (t *tx) ScheduleAt(ctx context.Context, at time.Time, function string, args models.Args) (models.Handle, error) {
	if function == "" {
		return "", errors.New("function name is required")
	}
	raw, err := store.EncodeArgs(args)
	if err != nil {
		return "", err
	}
	h := store.NewHandle()
	_, err = t.tx.ExecContext(ctx, t.s.q(`
		INSERT INTO scheduled_calls (id, function_name, args, scheduled_at, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), string(h), function, raw, at.UnixMilli(), string(models.CallPending), t.now.UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "insert scheduled call")
	}
	return h, nil
}

func (t *tx) ScheduleAfter(ctx context.Context, delay time.Duration, function string, args models.Args) (models.Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return t.ScheduleAt(ctx, t.now.Add(delay), function, args)
}

func (t *tx) Cancel(ctx context.Context, h models.Handle) error {
	_, err := t.tx.ExecContext(ctx, t.s.q(`
		UPDATE scheduled_calls SET state = ?, finished_at = ?
		WHERE id = ? AND state = ?
	`), string(models.CallCanceled), t.now.UnixMilli(), string(h), string(models.CallPending))
	return errors.Wrap(err, "cancel call")
}

func (t *tx) GetCall(ctx context.Context, h models.Handle) (models.ScheduledCall, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q("SELECT "+callColumns+" FROM scheduled_calls WHERE id = ?"+t.s.forUpdate()), string(h))
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledCall{}, errors.Wrapf(store.ErrNotFound, "call %s", h)
	}
	return call, err
}

func (t *tx) StartCall(ctx context.Context, h models.Handle) error {
	res, err := t.tx.ExecContext(ctx, t.s.q(`
		UPDATE scheduled_calls SET state = ?, started_at = ?
		WHERE id = ? AND state = ?
	`), string(models.CallInProgress), t.now.UnixMilli(), string(h), string(models.CallPending))
	if err != nil {
		return errors.Wrap(err, "start call")
	}
	return requireRow(res, errors.Wrapf(store.ErrCallState, "start %s", h))
}

func (t *tx) FinishCall(ctx context.Context, h models.Handle, state models.CallState, callErr string) error {
	if !store.ValidFinalState(state) {
		return errors.Newf("invalid final state %q", state)
	}
	res, err := t.tx.ExecContext(ctx, t.s.q(`
		UPDATE scheduled_calls SET state = ?, finished_at = ?, last_error = ?
		WHERE id = ? AND state IN (?, ?)
	`), string(state), t.now.UnixMilli(), nullString(callErr), string(h),
		string(models.CallPending), string(models.CallInProgress))
	if err != nil {
		return errors.Wrap(err, "finish call")
	}
	return requireRow(res, errors.Wrapf(store.ErrCallState, "finish %s", h))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                               models.Job
		name, cronspec, wakeup, execution sql.NullString
		period                            sql.NullInt64
		args, kind                        string
		created                           int64
	)
	if err := row.Scan(&job.ID, &name, &job.Target, &args, &kind, &period, &cronspec, &wakeup, &execution, &created); err != nil {
		return models.Job{}, err
	}
	decoded, err := store.DecodeArgs(args)
	if err != nil {
		return models.Job{}, err
	}
	job.Name = name.String
	job.Args = decoded
	job.Schedule = models.Schedule{
		Kind:     models.ScheduleKind(kind),
		PeriodMs: period.Int64,
		Cronspec: cronspec.String,
	}
	job.WakeupHandle = models.Handle(wakeup.String)
	job.ExecutionHandle = models.Handle(execution.String)
	job.CreatedAt = time.UnixMilli(created).UTC()
	return job, nil
}

func scanCall(row rowScanner) (models.ScheduledCall, error) {
	var (
		call               models.ScheduledCall
		id, args, state    string
		scheduled, created int64
		started, finished  sql.NullInt64
		lastErr            sql.NullString
	)
	if err := row.Scan(&id, &call.Function, &args, &scheduled, &state, &started, &finished, &lastErr, &created); err != nil {
		return models.ScheduledCall{}, err
	}
	decoded, err := store.DecodeArgs(args)
	if err != nil {
		return models.ScheduledCall{}, err
	}
	call.Handle = models.Handle(id)
	call.Args = decoded
	call.ScheduledAt = time.UnixMilli(scheduled).UTC()
	call.State = models.CallState(state)
	call.CreatedAt = time.UnixMilli(created).UTC()
	if started.Valid {
		ts := time.UnixMilli(started.Int64).UTC()
		call.StartedAt = &ts
	}
	if finished.Valid {
		ts := time.UnixMilli(finished.Int64).UTC()
		call.FinishedAt = &ts
	}
	if lastErr.Valid {
		msg := lastErr.String
		call.LastError = &msg
	}
	return call, nil
}

func collectCalls(rows *sql.Rows) ([]models.ScheduledCall, error) {
	defer rows.Close()
	var calls []models.ScheduledCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, errors.Wrap(rows.Err(), "iterate calls")
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
