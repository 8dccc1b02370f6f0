package cronspec

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Hourly returns an expression firing every hour at minute past the hour (UTC).
func Hourly(minute int) (string, error) {
	if err := checkRange("minute", minute, 0, 59); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d * * * *", minute), nil
}

// Daily returns an expression firing once a day at hour:minute UTC.
func Daily(hour, minute int) (string, error) {
	if err := checkRange("minute", minute, 0, 59); err != nil {
		return "", err
	}
	if err := checkRange("hour", hour, 0, 23); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Weekly returns an expression firing once a week on day at hour:minute UTC.
func Weekly(day time.Weekday, hour, minute int) (string, error) {
	if err := checkRange("day-of-week", int(day), 0, 6); err != nil {
		return "", err
	}
	if err := checkRange("minute", minute, 0, 59); err != nil {
		return "", err
	}
	if err := checkRange("hour", hour, 0, 23); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", minute, hour, int(day)), nil
}

// Monthly returns an expression firing on day of every month at hour:minute UTC.
// Months shorter than day are skipped.
func Monthly(day, hour, minute int) (string, error) {
	if err := checkRange("day-of-month", day, 1, 31); err != nil {
		return "", err
	}
	if err := checkRange("minute", minute, 0, 59); err != nil {
		return "", err
	}
	if err := checkRange("hour", hour, 0, 23); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d * *", minute, hour, day), nil
}

func checkRange(name string, v, min, max int) error {
	if v < min || v > max {
		return errors.Wrapf(ErrInvalidExpression, "%s must be an integer from %d to %d, got %d", name, min, max, v)
	}
	return nil
}
