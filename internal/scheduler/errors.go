package scheduler

import (
	"github.com/cockroachdb/errors"

	"recurring-scheduler/internal/store"
)

var (
	// ErrIntervalTooShort is returned when an interval period is below models.MinInterval.
	ErrIntervalTooShort = errors.New("interval must be at least 1s")
	// ErrIntervalTooLong is returned when a period cannot be represented as a time.Duration.
	ErrIntervalTooLong = errors.New("interval is too long")
	// ErrInvalidCronspec is returned for malformed cron expressions and for expressions
	// that never fire.
	ErrInvalidCronspec = errors.New("invalid cronspec")
	// ErrDuplicateName is returned when a live job already uses the requested name.
	ErrDuplicateName = store.ErrDuplicateName
	// ErrNotFound is returned when a job to delete does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrUnknownTarget is returned when the target is empty or not registered.
	ErrUnknownTarget = errors.New("unknown target function")
	// ErrInvalidArgs is returned when args cannot be stored as a JSON object.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrJobVanished ends a job's chain: its wake-up ran after the job was deleted.
	ErrJobVanished = errors.New("job vanished")
	// ErrInconsistentSchedulerState ends a job's chain: the job's recorded wake-up
	// does not match the call that is running.
	ErrInconsistentSchedulerState = errors.New("inconsistent scheduler state")
)

// IsValidationError reports whether err was caused by caller input.
func IsValidationError(err error) bool {
	return errors.IsAny(err, ErrIntervalTooShort, ErrIntervalTooLong, ErrInvalidCronspec, ErrUnknownTarget, ErrInvalidArgs)
}
