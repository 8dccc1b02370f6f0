// Package store defines the transactional job registry and durable call scheduler
// that the recurring scheduler runs on. Backends live in the sqlstore and redisstore
// subpackages; both implement Store.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"recurring-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when a job or call does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when a live job already uses the requested name.
	ErrDuplicateName = errors.New("job name already in use")
	// ErrCallState is returned when a call transition is attempted from an ineligible state.
	ErrCallState = errors.New("call is not in an eligible state")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Name     string
	Target   string
	Args     models.Args
	Schedule models.Schedule
}

// HandlePatch updates a job's scheduler back-pointers. Nil fields are left unchanged.
type HandlePatch struct {
	Wakeup    *models.Handle
	Execution *models.Handle
}

// JobRegistry is the durable record of registered jobs.
type JobRegistry interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByName(ctx context.Context, name string) (models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	PatchHandles(ctx context.Context, id string, p HandlePatch) error
}

// CallScheduler records durable calls of named functions. Calls scheduled inside a
// transaction become visible to runners only when it commits.
type CallScheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, function string, args models.Args) (models.Handle, error)
	ScheduleAfter(ctx context.Context, delay time.Duration, function string, args models.Args) (models.Handle, error)
	// Cancel moves a pending call to canceled. It is a no-op for calls that have already
	// started, finished or do not exist.
	Cancel(ctx context.Context, h models.Handle) error
	GetCall(ctx context.Context, h models.Handle) (models.ScheduledCall, error)
}

// Tx is the view of a store inside one atomic transaction.
type Tx interface {
	JobRegistry
	CallScheduler

	// Now is the transaction timestamp.
	Now() time.Time
	// StartCall moves a pending call to in_progress.
	StartCall(ctx context.Context, h models.Handle) error
	// FinishCall moves a pending or in_progress call to a terminal state.
	FinishCall(ctx context.Context, h models.Handle, state models.CallState, callErr string) error
}

// TxFunc is the body of a transaction. It may be invoked more than once when the
// backend retries an optimistic-concurrency conflict.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is a transactional backend.
type Store interface {
	Transact(ctx context.Context, fn TxFunc) error

	// DueCalls returns pending calls scheduled at or before now, oldest first.
	DueCalls(ctx context.Context, now time.Time, limit int) ([]models.ScheduledCall, error)
	// NextDue returns the earliest scheduled time among pending calls.
	NextDue(ctx context.Context) (time.Time, bool, error)
	// StaleCalls returns in_progress calls started at or before startedBefore.
	StaleCalls(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledCall, error)
	// PruneCalls deletes finished calls older than finishedBefore.
	PruneCalls(ctx context.Context, finishedBefore time.Time) (int64, error)

	Close() error
}

// InTx runs fn in a transaction of s and returns the value it produced.
func InTx[T any](ctx context.Context, s Store, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := s.Transact(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ValidFinalState reports whether state may be passed to FinishCall.
func ValidFinalState(state models.CallState) bool {
	return state == models.CallCompleted || state == models.CallFailed
}
