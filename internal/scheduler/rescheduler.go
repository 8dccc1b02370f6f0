package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"recurring-scheduler/internal/cronspec"
	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/telemetry"
	"recurring-scheduler/internal/worker"
)

// ReschedulerFunction is the mutation every wake-up call invokes.
const ReschedulerFunction = "scheduler.rescheduler"

const jobIDArg = "job_id"

func reschedulerArgs(jobID string) models.Args {
	return models.Args{jobIDArg: jobID}
}

// Install registers the rescheduler on funcs.
func (s *Service) Install(funcs *worker.Registry) {
	funcs.RegisterMutation(ReschedulerFunction, s.Tick)
}

// Tick consumes a job's wake-up: it dispatches the target unless the previous
// execution is still outstanding, then arms the next wake-up. It runs inside the
// transaction that completes the wake-up call. Any error ends the job's chain.
// Counters move only once the outcome is final, since the store may retry the body.
func (s *Service) Tick(ctx context.Context, tx store.Tx, args models.Args) error {
	jobID, _ := args[jobIDArg].(string)
	err := s.tick(ctx, tx, jobID)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, ErrJobVanished):
			reason = "job_vanished"
		case errors.Is(err, ErrInconsistentSchedulerState):
			reason = "inconsistent_state"
		}
		worker.OnFailure(ctx, func() {
			telemetry.ChainBroken.WithLabelValues(reason).Inc()
			s.log.Errorw("tick aborted, job chain ends", logging.FieldJobID, jobID, "reason", reason, logging.FieldError, err)
		})
	}
	return err
}

func (s *Service) tick(ctx context.Context, tx store.Tx, jobID string) error {
	job, err := tx.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(ErrJobVanished, "job %q", jobID)
	}
	if err != nil {
		return err
	}

	wake, err := s.currentWakeup(ctx, tx, job)
	if err != nil {
		return err
	}

	stillRunning := false
	if job.ExecutionHandle != "" {
		exec, err := tx.GetCall(ctx, job.ExecutionHandle)
		switch {
		case err == nil:
			stillRunning = exec.State.Outstanding()
		case errors.Is(err, store.ErrNotFound):
			// Pruned long ago; the run is over.
		default:
			return err
		}
	}

	var patch store.HandlePatch
	if stillRunning {
		worker.OnCommit(ctx, telemetry.DispatchSkipped.Inc)
		s.log.Infow("previous run still outstanding, skipping dispatch", logging.FieldJobID, job.ID,
			logging.FieldCallID, job.ExecutionHandle)
	} else {
		exec, err := tx.ScheduleAfter(ctx, 0, job.Target, job.Args)
		if err != nil {
			return errors.Wrap(err, "dispatch target")
		}
		patch.Execution = &exec
		worker.OnCommit(ctx, telemetry.Dispatches.Inc)
		s.log.Debugw("dispatched", logging.FieldJobID, job.ID, logging.FieldFunction, job.Target, logging.FieldCallID, exec)
	}

	next, err := nextWakeup(job.Schedule, wake.ScheduledAt)
	if err != nil {
		return err
	}
	nextWake, err := tx.ScheduleAt(ctx, next, ReschedulerFunction, reschedulerArgs(job.ID))
	if err != nil {
		return errors.Wrap(err, "arm next wake-up")
	}
	patch.Wakeup = &nextWake
	if err := tx.PatchHandles(ctx, job.ID, patch); err != nil {
		return err
	}
	worker.OnCommit(ctx, telemetry.Ticks.Inc)
	return nil
}

// currentWakeup checks that the job's recorded wake-up is the call now running.
func (s *Service) currentWakeup(ctx context.Context, tx store.Tx, job models.Job) (models.ScheduledCall, error) {
	if job.WakeupHandle == "" {
		return models.ScheduledCall{}, errors.Wrapf(ErrInconsistentSchedulerState, "job %s has no armed wake-up", job.ID)
	}
	wake, err := tx.GetCall(ctx, job.WakeupHandle)
	if errors.Is(err, store.ErrNotFound) {
		return models.ScheduledCall{}, errors.Wrapf(ErrInconsistentSchedulerState, "wake-up %s of job %s not found", job.WakeupHandle, job.ID)
	}
	if err != nil {
		return models.ScheduledCall{}, err
	}
	if !wake.State.Outstanding() {
		return models.ScheduledCall{}, errors.Wrapf(ErrInconsistentSchedulerState,
			"job %s runs in wake-up %s but its state is %s", job.ID, wake.Handle, wake.State)
	}
	if current, ok := worker.CallFromContext(ctx); ok && current.Handle != wake.Handle {
		return models.ScheduledCall{}, errors.Wrapf(ErrInconsistentSchedulerState,
			"job %s expects wake-up %s but %s is running", job.ID, wake.Handle, current.Handle)
	}
	return wake, nil
}

// nextWakeup anchors on the scheduled time of the consumed wake-up, so late ticks
// do not push later occurrences back.
func nextWakeup(sched models.Schedule, anchor time.Time) (time.Time, error) {
	switch sched.Kind {
	case models.ScheduleInterval:
		return anchor.Add(sched.Period()), nil
	case models.ScheduleCron:
		next, err := cronspec.Next(anchor, sched.Cronspec)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "next occurrence of %q", sched.Cronspec)
		}
		return next, nil
	default:
		return time.Time{}, errors.Newf("unknown schedule kind %q", sched.Kind)
	}
}
