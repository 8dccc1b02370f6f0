package models

import "time"

// CallState enumerates lifecycle states of a durable scheduled call.
type CallState string

const (
	CallPending    CallState = "pending"
	CallInProgress CallState = "in_progress"
	CallCompleted  CallState = "completed"
	CallCanceled   CallState = "canceled"
	CallFailed     CallState = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s CallState) Terminal() bool {
	switch s {
	case CallCompleted, CallCanceled, CallFailed:
		return true
	default:
		return false
	}
}

// Outstanding reports whether the call is waiting to run or running.
func (s CallState) Outstanding() bool {
	return s == CallPending || s == CallInProgress
}

// ScheduledCall is one invocation of a named function recorded by the durable scheduler.
type ScheduledCall struct {
	Handle      Handle     `json:"handle"`
	Function    string     `json:"function"`
	Args        Args       `json:"args"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	State       CallState  `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
