package domain

import "time"

// EventTerminated is the Status of the single terminal event every run
// emits, whatever mix of task outcomes preceded it.
const EventTerminated = "TERMINATED"

// Terminal event reasons.
const (
	ReasonCompleted       = "completed"
	ReasonCancelled       = "cancelled"
	ReasonEngineError     = "engine_error"
	ReasonFeedbackTimeout = "feedback_timeout"
)

// StepEvent is one entry in a run's ordered transition stream. Task events
// carry the task name and its new status; the terminal event carries an
// empty task name, EventTerminated, and a reason.
type StepEvent struct {
	RunID  string    `json:"run_id"`
	Task   string    `json:"task,omitempty"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
}
