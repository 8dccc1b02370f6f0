// Package cronspec parses five-field cron expressions and computes their next occurrence.
//
// Supported field forms are `*`, a single number, an inclusive range `a-b`, a stride `*/n`
// and comma-separated lists of those. Day-of-week accepts 0-7 where both 0 and 7 mean Sunday.
// When both day-of-month and day-of-week are restricted a day matches if either matches.
// All evaluation happens in UTC.
package cronspec

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression is returned for malformed expressions.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoOccurrence is returned when an expression never matches within the search horizon.
	ErrNoOccurrence = errors.New("cron expression has no upcoming occurrence")
)

// starBit mirrors robfig/cron's marker for an unrestricted field; it drives the
// day-of-month / day-of-week OR rule in SpecSchedule.Next.
const starBit = 1 << 63

type bounds struct {
	name     string
	min, max uint
}

var fieldBounds = [5]bounds{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 7},
}

// Spec is a parsed cron expression.
type Spec struct {
	expr     string
	schedule *cron.SpecSchedule
}

// Validate reports whether expr is a well-formed five-field expression.
func Validate(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// Parse parses expr into a Spec.
func Parse(expr string) (*Spec, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fieldBounds) {
		return nil, errors.Wrapf(ErrInvalidExpression, "%q: expected %d fields, got %d", expr, len(fieldBounds), len(parts))
	}

	var bits [5]uint64
	for i, field := range parts {
		b, err := parseField(field, fieldBounds[i])
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidExpression, "%q: %s field %q: %v", expr, fieldBounds[i].name, field, err)
		}
		bits[i] = b
	}

	// 7 is an alias for Sunday.
	dow := bits[4]
	if dow&(1<<7) != 0 {
		dow = dow&^(1<<7) | 1
	}

	return &Spec{
		expr: strings.Join(parts, " "),
		schedule: &cron.SpecSchedule{
			Second:   1 << 0,
			Minute:   bits[0],
			Hour:     bits[1],
			Dom:      bits[2],
			Month:    bits[3],
			Dow:      dow,
			Location: time.UTC,
		},
	}, nil
}

// Next parses expr and returns its first occurrence strictly after after.
func Next(after time.Time, expr string) (time.Time, error) {
	spec, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after)
}

// Next returns the first matching minute strictly after after, in UTC.
func (s *Spec) Next(after time.Time) (time.Time, error) {
	next := s.schedule.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, errors.Wrapf(ErrNoOccurrence, "%q after %s", s.expr, after.UTC().Format(time.RFC3339))
	}
	return next, nil
}

// String returns the normalized expression.
func (s *Spec) String() string {
	return s.expr
}

func parseField(field string, b bounds) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		pb, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		bits |= pb
	}
	return bits, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	switch {
	case part == "*":
		return span(b.min, b.max, 1) | starBit, nil

	case strings.HasPrefix(part, "*/"):
		step, err := parseNumber(part[2:])
		if err != nil {
			return 0, err
		}
		if step < 1 || step > b.max {
			return 0, errors.Newf("step %d out of range 1-%d", step, b.max)
		}
		bits := span(b.min, b.max, step)
		if step == 1 {
			bits |= starBit
		}
		return bits, nil

	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		start, err := parseNumber(lo)
		if err != nil {
			return 0, err
		}
		end, err := parseNumber(hi)
		if err != nil {
			return 0, err
		}
		if start < b.min || end > b.max || start > end {
			return 0, errors.Newf("range %d-%d outside %d-%d", start, end, b.min, b.max)
		}
		return span(start, end, 1), nil

	default:
		n, err := parseNumber(part)
		if err != nil {
			return 0, err
		}
		if n < b.min || n > b.max {
			return 0, errors.Newf("value %d outside %d-%d", n, b.min, b.max)
		}
		return 1 << n, nil
	}
}

func parseNumber(s string) (uint, error) {
	if s == "" || len(s) > 3 {
		return 0, errors.Newf("invalid number %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Newf("invalid number %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number %q", s)
	}
	return uint(n), nil
}

func span(lo, hi, step uint) uint64 {
	var bits uint64
	for i := lo; i <= hi; i += step {
		bits |= 1 << i
	}
	return bits
}
