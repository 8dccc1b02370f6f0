package models

import (
	"time"
)

// ScheduleKind enumerates the supported recurrence kinds.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// MinInterval is the shortest period accepted for interval schedules.
const MinInterval = time.Second

// Args is the structured argument object passed verbatim to a target on every dispatch.
type Args map[string]any

// Handle references a call recorded by the durable scheduler.
type Handle string

// Schedule holds exactly one of an interval period or a cron expression.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	PeriodMs int64        `json:"period_ms,omitempty"`
	Cronspec string       `json:"cronspec,omitempty"`
}

// IntervalSchedule builds a fixed-period schedule.
func IntervalSchedule(period time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, PeriodMs: period.Milliseconds()}
}

// CronSchedule builds a cron-expression schedule.
func CronSchedule(expr string) Schedule {
	return Schedule{Kind: ScheduleCron, Cronspec: expr}
}

// Period returns the interval period; zero for cron schedules.
func (s Schedule) Period() time.Duration {
	return time.Duration(s.PeriodMs) * time.Millisecond
}

// Job is a registered recurring scheduling intent.
type Job struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Target          string    `json:"target"`
	Args            Args      `json:"args"`
	Schedule        Schedule  `json:"schedule"`
	WakeupHandle    Handle    `json:"wakeup_handle,omitempty"`
	ExecutionHandle Handle    `json:"execution_handle,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
