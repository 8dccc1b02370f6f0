// Package scheduler registers recurring jobs and keeps them firing. Each job owns
// exactly one armed wake-up call; the rescheduler consumes it, dispatches the job's
// target and arms the next wake-up in the same transaction.
package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"recurring-scheduler/internal/cronspec"
	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/telemetry"
)

// FunctionLookup reports whether a target function is known.
type FunctionLookup interface {
	Has(name string) bool
}

// Service is the registration API over a transactional store.
type Service struct {
	store store.Store
	funcs FunctionLookup
	log   *zap.SugaredLogger
}

// Option configures a Service.
type Option func(*Service)

// WithFunctions rejects registrations whose target funcs does not know.
func WithFunctions(funcs FunctionLookup) Option {
	return func(s *Service) { s.funcs = funcs }
}

func NewService(st store.Store, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		store: st,
		log:   log.With(logging.FieldComponent, "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInterval creates a job firing every period, first at now+period.
func (s *Service) RegisterInterval(ctx context.Context, name string, period time.Duration, target string, args models.Args) (string, error) {
	id, err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (string, error) {
		return s.RegisterIntervalTx(ctx, tx, name, period, target, args)
	})
	if err != nil {
		return "", err
	}
	telemetry.JobsRegistered.WithLabelValues(string(models.ScheduleInterval)).Inc()
	s.log.Infow("registered interval job", logging.FieldJobID, id, logging.FieldJobName, name,
		logging.FieldFunction, target, "period", period.String())
	return id, nil
}

// RegisterIntervalTx is RegisterInterval inside the caller's transaction.
func (s *Service) RegisterIntervalTx(ctx context.Context, tx store.Tx, name string, period time.Duration, target string, args models.Args) (string, error) {
	if period < models.MinInterval {
		return "", errors.WithHint(errors.Wrapf(ErrIntervalTooShort, "period %s", period), "use a period of 1s or more")
	}
	if err := s.checkTarget(target, args); err != nil {
		return "", err
	}
	return s.create(ctx, tx, name, target, args, models.IntervalSchedule(period), tx.Now().Add(period))
}

// RegisterCron creates a job firing on every occurrence of expr, evaluated in UTC.
func (s *Service) RegisterCron(ctx context.Context, name, expr, target string, args models.Args) (string, error) {
	id, err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (string, error) {
		return s.RegisterCronTx(ctx, tx, name, expr, target, args)
	})
	if err != nil {
		return "", err
	}
	telemetry.JobsRegistered.WithLabelValues(string(models.ScheduleCron)).Inc()
	s.log.Infow("registered cron job", logging.FieldJobID, id, logging.FieldJobName, name,
		logging.FieldFunction, target, "cronspec", expr)
	return id, nil
}

// RegisterCronTx is RegisterCron inside the caller's transaction.
func (s *Service) RegisterCronTx(ctx context.Context, tx store.Tx, name, expr, target string, args models.Args) (string, error) {
	spec, err := cronspec.Parse(expr)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "cronspec %q", expr), ErrInvalidCronspec)
	}
	if err := s.checkTarget(target, args); err != nil {
		return "", err
	}
	first, err := spec.Next(tx.Now())
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "cronspec %q", expr), ErrInvalidCronspec)
	}
	return s.create(ctx, tx, name, target, args, models.CronSchedule(expr), first)
}

func (s *Service) create(ctx context.Context, tx store.Tx, name, target string, args models.Args, sched models.Schedule, firstWakeup time.Time) (string, error) {
	job, err := tx.CreateJob(ctx, store.CreateJobParams{
		Name:     name,
		Target:   target,
		Args:     store.NormalizeArgs(args),
		Schedule: sched,
	})
	if err != nil {
		return "", err
	}
	wake, err := tx.ScheduleAt(ctx, firstWakeup, ReschedulerFunction, reschedulerArgs(job.ID))
	if err != nil {
		return "", errors.Wrap(err, "arm first wake-up")
	}
	if err := tx.PatchHandles(ctx, job.ID, store.HandlePatch{Wakeup: &wake}); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Service) checkTarget(target string, args models.Args) error {
	if target == "" {
		return errors.Wrap(ErrUnknownTarget, "target is required")
	}
	if s.funcs != nil && !s.funcs.Has(target) {
		return errors.Wrapf(ErrUnknownTarget, "%q", target)
	}
	if _, err := store.EncodeArgs(args); err != nil {
		return errors.Mark(err, ErrInvalidArgs)
	}
	return nil
}

// Get returns the job with id; found is false when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (models.Job, bool, error) {
	job, err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (models.Job, error) {
		return tx.GetJob(ctx, id)
	})
	return found(job, err)
}

// GetByName returns the job named name; found is false when it does not exist.
func (s *Service) GetByName(ctx context.Context, name string) (models.Job, bool, error) {
	job, err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (models.Job, error) {
		return tx.GetJobByName(ctx, name)
	})
	return found(job, err)
}

func found(job models.Job, err error) (models.Job, bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// List returns every live job.
func (s *Service) List(ctx context.Context) ([]models.Job, error) {
	return store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) ([]models.Job, error) {
		return tx.ListJobs(ctx)
	})
}

// Delete cancels the job's outstanding calls and removes it.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.DeleteTx(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	telemetry.JobsDeleted.Inc()
	s.log.Infow("deleted job", logging.FieldJobID, id)
	return nil
}

// DeleteTx is Delete inside the caller's transaction.
func (s *Service) DeleteTx(ctx context.Context, tx store.Tx, id string) error {
	job, err := tx.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return deschedule(ctx, tx, job)
}

// DeleteByName cancels the named job's outstanding calls and removes it.
func (s *Service) DeleteByName(ctx context.Context, name string) error {
	err := s.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.DeleteByNameTx(ctx, tx, name)
	})
	if err != nil {
		return err
	}
	telemetry.JobsDeleted.Inc()
	s.log.Infow("deleted job", logging.FieldJobName, name)
	return nil
}

// DeleteByNameTx is DeleteByName inside the caller's transaction.
func (s *Service) DeleteByNameTx(ctx context.Context, tx store.Tx, name string) error {
	job, err := tx.GetJobByName(ctx, name)
	if err != nil {
		return err
	}
	return deschedule(ctx, tx, job)
}

func deschedule(ctx context.Context, tx store.Tx, job models.Job) error {
	if job.WakeupHandle != "" {
		if err := tx.Cancel(ctx, job.WakeupHandle); err != nil {
			return errors.Wrap(err, "cancel wake-up")
		}
	}
	if job.ExecutionHandle != "" {
		if err := tx.Cancel(ctx, job.ExecutionHandle); err != nil {
			return errors.Wrap(err, "cancel execution")
		}
	}
	return tx.DeleteJob(ctx, job.ID)
}

// EnsureInterval registers a named interval job unless one with that name exists.
// It returns the job id and whether it was created.
func (s *Service) EnsureInterval(ctx context.Context, name string, period time.Duration, target string, args models.Args) (string, bool, error) {
	return s.ensure(ctx, name, func(ctx context.Context, tx store.Tx) (string, error) {
		return s.RegisterIntervalTx(ctx, tx, name, period, target, args)
	})
}

// EnsureCron registers a named cron job unless one with that name exists.
func (s *Service) EnsureCron(ctx context.Context, name, expr, target string, args models.Args) (string, bool, error) {
	return s.ensure(ctx, name, func(ctx context.Context, tx store.Tx) (string, error) {
		return s.RegisterCronTx(ctx, tx, name, expr, target, args)
	})
}

type ensureResult struct {
	id      string
	created bool
}

func (s *Service) ensure(ctx context.Context, name string, register func(context.Context, store.Tx) (string, error)) (string, bool, error) {
	if name == "" {
		return "", false, errors.New("ensure requires a job name")
	}
	res, err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (ensureResult, error) {
		existing, err := tx.GetJobByName(ctx, name)
		if err == nil {
			return ensureResult{id: existing.ID}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return ensureResult{}, err
		}
		id, err := register(ctx, tx)
		return ensureResult{id: id, created: true}, err
	})
	if errors.Is(err, ErrDuplicateName) {
		// Another process registered the name between our lookup and insert.
		job, ok, gerr := s.GetByName(ctx, name)
		if gerr != nil {
			return "", false, gerr
		}
		if !ok {
			return "", false, err
		}
		return job.ID, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if res.created {
		s.log.Infow("bootstrapped job", logging.FieldJobID, res.id, logging.FieldJobName, name)
	}
	return res.id, res.created, nil
}
