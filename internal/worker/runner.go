package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/telemetry"
)

const pruneEvery = time.Minute

var errNotPending = errors.New("call is no longer pending")

// handlerError marks a failure raised by user code rather than by the store.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Runner polls the store for due calls and executes them.
type Runner struct {
	cfg   config.Config
	store store.Store
	funcs *Registry
	log   *zap.SugaredLogger
	now   func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the time used to select due and stale calls.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(cfg config.Config, st store.Store, funcs *Registry, log *zap.SugaredLogger, opts ...Option) *Runner {
	concurrency := cfg.ActionConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	r := &Runner{
		cfg:   cfg,
		store: st,
		funcs: funcs,
		log:   log.With(logging.FieldComponent, "runner"),
		now:   time.Now,
		sem:   make(chan struct{}, concurrency),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the main worker loop until context cancellation. In-flight actions
// are allowed to finish before it returns.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.WorkerPollInterval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
			r.log.Warnw("run due calls", logging.FieldError, err)
		}
		if _, err := r.ReapStale(ctx); err != nil && ctx.Err() == nil {
			r.log.Warnw("reap stale calls", logging.FieldError, err)
		}
		if now := r.now(); now.Sub(lastPrune) >= pruneEvery {
			lastPrune = now
			if n, err := r.store.PruneCalls(ctx, now.Add(-r.cfg.CallRetention)); err != nil && ctx.Err() == nil {
				r.log.Warnw("prune calls", logging.FieldError, err)
			} else if n > 0 {
				r.log.Debugw("pruned finished calls", logging.FieldCount, n)
			}
		}

		select {
		case <-ctx.Done():
			r.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every started action has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunDue executes every call due at the current time, including calls that become
// due while it runs (a mutation scheduling work "now"). It returns how many calls
// it handled.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	now := r.now()
	seen := make(map[models.Handle]bool)
	handled := 0
	for {
		calls, err := r.store.DueCalls(ctx, now, r.cfg.ScheduledBatchSize)
		if err != nil {
			return handled, err
		}
		progressed := false
		for _, call := range calls {
			if seen[call.Handle] {
				continue
			}
			seen[call.Handle] = true
			progressed = true
			handled++
			if err := r.execute(ctx, call); err != nil {
				if ctx.Err() != nil {
					return handled, ctx.Err()
				}
				r.log.Warnw("execute call", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function, logging.FieldError, err)
			}
		}
		if !progressed {
			return handled, nil
		}
	}
}

// ReapStale fails actions that have been in progress longer than the action lease.
func (r *Runner) ReapStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.ActionLease())
	calls, err := r.store.StaleCalls(ctx, cutoff, r.cfg.ScheduledBatchSize)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, call := range calls {
		if r.fail(ctx, call, "lease expired before the action reported completion") {
			reaped++
			telemetry.CallsReaped.Inc()
			r.log.Warnw("reaped stale action", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function)
		}
	}
	return reaped, nil
}

func (r *Runner) execute(ctx context.Context, call models.ScheduledCall) error {
	mutation, action := r.funcs.lookup(call.Function)
	switch {
	case mutation != nil:
		return r.runMutation(ctx, call, mutation)
	case action != nil:
		return r.startAction(ctx, call, action)
	default:
		r.log.Errorw("no function registered", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function)
		if r.fail(ctx, call, fmt.Sprintf("no function registered as %q", call.Function)) {
			telemetry.CallsExecuted.WithLabelValues("unknown", "failed").Inc()
		}
		return nil
	}
}

func (r *Runner) runMutation(ctx context.Context, call models.ScheduledCall, fn MutationFunc) error {
	var hooks *txHooks
	err := r.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		hooks = &txHooks{}
		current, err := tx.GetCall(ctx, call.Handle)
		if err != nil {
			return err
		}
		if current.State != models.CallPending {
			return errNotPending
		}
		if err := invokeMutation(withHooks(WithCall(ctx, current), hooks), tx, fn, current.Args); err != nil {
			return &handlerError{err: err}
		}
		return tx.FinishCall(ctx, call.Handle, models.CallCompleted, "")
	})

	var herr *handlerError
	switch {
	case err == nil:
		runHooks(hooks.commit)
		telemetry.CallsExecuted.WithLabelValues("mutation", "completed").Inc()
		return nil
	case errors.Is(err, errNotPending), errors.Is(err, store.ErrNotFound):
		return nil
	case errors.As(err, &herr):
		r.log.Warnw("mutation failed", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function, logging.FieldError, herr.err)
		if r.fail(ctx, call, herr.err.Error()) {
			runHooks(hooks.failure)
			telemetry.CallsExecuted.WithLabelValues("mutation", "failed").Inc()
		}
		return nil
	default:
		return err
	}
}

func (r *Runner) startAction(ctx context.Context, call models.ScheduledCall, fn ActionFunc) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := r.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.StartCall(ctx, call.Handle)
	})
	if err != nil {
		<-r.sem
		if errors.Is(err, store.ErrCallState) {
			return nil
		}
		return err
	}

	telemetry.InFlightGauge.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer telemetry.InFlightGauge.Dec()

		// Actions outlive the poll that started them; only the timeout bounds them.
		base := context.WithoutCancel(ctx)
		actx, cancel := context.WithTimeout(WithCall(base, call), r.cfg.ActionTimeout)
		defer cancel()

		started := time.Now()
		runErr := invokeAction(actx, fn, call.Args)
		state, msg, outcome := models.CallCompleted, "", "completed"
		if runErr != nil {
			state, msg, outcome = models.CallFailed, runErr.Error(), "failed"
			r.log.Warnw("action failed", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function, logging.FieldError, runErr)
		}

		err := r.store.Transact(base, func(ctx context.Context, tx store.Tx) error {
			return tx.FinishCall(ctx, call.Handle, state, msg)
		})
		switch {
		case err == nil:
			telemetry.CallsExecuted.WithLabelValues("action", outcome).Inc()
			r.log.Debugw("action finished", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function,
				logging.FieldState, state, logging.FieldDuration, time.Since(started).Milliseconds())
		case errors.Is(err, store.ErrCallState):
			r.log.Warnw("action finished after its call was closed", logging.FieldCallID, call.Handle, logging.FieldFunction, call.Function)
		default:
			r.log.Errorw("record action result", logging.FieldCallID, call.Handle, logging.FieldError, err)
		}
	}()
	return nil
}

// fail records call as failed. It reports whether this runner made the transition.
func (r *Runner) fail(ctx context.Context, call models.ScheduledCall, msg string) bool {
	err := r.store.Transact(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.FinishCall(ctx, call.Handle, models.CallFailed, msg)
	})
	if err != nil {
		if !errors.Is(err, store.ErrCallState) {
			r.log.Errorw("mark call failed", logging.FieldCallID, call.Handle, logging.FieldError, err)
		}
		return false
	}
	return true
}

func invokeMutation(ctx context.Context, tx store.Tx, fn MutationFunc, args models.Args) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("panic: %v", p)
		}
	}()
	return fn(ctx, tx, args)
}

func invokeAction(ctx context.Context, fn ActionFunc, args models.Args) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("panic: %v", p)
		}
	}()
	return fn(ctx, args)
}
