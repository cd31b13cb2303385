package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in within a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunRunning          RunStatus = "RUNNING"
	RunAwaitingFeedback RunStatus = "AWAITING_FEEDBACK"
	RunCompleted        RunStatus = "COMPLETED"
	RunAborted          RunStatus = "ABORTED"
	RunCancelled        RunStatus = "CANCELLED"
)

// IsTerminal returns true once the run can no longer make progress.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunAborted || s == RunCancelled
}

// TaskError is one entry in a run's ordered error log.
type TaskError struct {
	Task       string    `json:"task"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PendingFeedback is present only while the run is suspended waiting for a
// human answer. At most one exists per run at a time.
type PendingFeedback struct {
	QuestionID      string    `json:"question_id"`
	Prompt          string    `json:"prompt"`
	RequestedByTask string    `json:"requested_by_task"`
	CreatedAt       time.Time `json:"created_at"`
	Polls           int       `json:"polls"` // persisted so a resumed run keeps counting
}

// AdaptationAction describes how a plan mutation resolved a quality or
// dependency failure.
type AdaptationAction string

const (
	AdaptRetry          AdaptationAction = "retry"
	AdaptSubstitute     AdaptationAction = "substitute"
	AdaptSkip           AdaptationAction = "skip"
	AdaptSkipDependents AdaptationAction = "skip_dependents"
	AdaptGiveUp         AdaptationAction = "give_up"
)

// Adaptation is one entry in the run's plan-mutation history.
type Adaptation struct {
	Task      string           `json:"task"`
	Action    AdaptationAction `json:"action"`
	Reason    string           `json:"reason"`
	AppliedAt time.Time        `json:"applied_at"`
}

// RunState is the single aggregate for one orchestration run. It is owned
// exclusively by the run loop and mutated by replacement: Clone, apply,
// checkpoint. Task implementations never touch it directly.
type RunState struct {
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"` // incremented on every applied transition
	Status    RunStatus `json:"status"`
	Requested []string  `json:"requested_tasks"`

	TaskStatus  map[string]Status          `json:"task_status"`
	TaskResults map[string]json.RawMessage `json:"task_results"`
	Attempts    map[string]int             `json:"attempt_count"`

	Errors          []TaskError                `json:"errors,omitempty"`
	PendingFeedback *PendingFeedback           `json:"pending_feedback,omitempty"`
	FeedbackAnswers map[string]json.RawMessage `json:"feedback_answers,omitempty"`
	Adaptations     []Adaptation               `json:"adaptation_history,omitempty"`
	Scratchpad      map[string]json.RawMessage `json:"scratchpad,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates the initial state for a run: every requested task
// Pending, zero attempts, empty logs.
func NewRunState(runID string, requested []string, scratchpad map[string]json.RawMessage) *RunState {
	now := time.Now().UTC()
	st := &RunState{
		RunID:       runID,
		Status:      RunRunning,
		Requested:   append([]string(nil), requested...),
		TaskStatus:  make(map[string]Status, len(requested)),
		TaskResults: make(map[string]json.RawMessage),
		Attempts:    make(map[string]int, len(requested)),
		Scratchpad:  make(map[string]json.RawMessage),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, t := range requested {
		st.TaskStatus[t] = StatusPending
		st.Attempts[t] = 0
	}
	for k, v := range scratchpad {
		st.Scratchpad[k] = v
	}
	return st
}

// Clone returns a deep copy. The run loop clones before every mutation so a
// checkpointed state is never aliased by in-flight work.
func (st *RunState) Clone() *RunState {
	c := *st
	c.Requested = append([]string(nil), st.Requested...)
	c.TaskStatus = make(map[string]Status, len(st.TaskStatus))
	for k, v := range st.TaskStatus {
		c.TaskStatus[k] = v
	}
	c.TaskResults = make(map[string]json.RawMessage, len(st.TaskResults))
	for k, v := range st.TaskResults {
		c.TaskResults[k] = append(json.RawMessage(nil), v...)
	}
	c.Attempts = make(map[string]int, len(st.Attempts))
	for k, v := range st.Attempts {
		c.Attempts[k] = v
	}
	c.Errors = append([]TaskError(nil), st.Errors...)
	if st.PendingFeedback != nil {
		pf := *st.PendingFeedback
		c.PendingFeedback = &pf
	}
	if st.FeedbackAnswers != nil {
		c.FeedbackAnswers = make(map[string]json.RawMessage, len(st.FeedbackAnswers))
		for k, v := range st.FeedbackAnswers {
			c.FeedbackAnswers[k] = append(json.RawMessage(nil), v...)
		}
	}
	c.Adaptations = append([]Adaptation(nil), st.Adaptations...)
	c.Scratchpad = make(map[string]json.RawMessage, len(st.Scratchpad))
	for k, v := range st.Scratchpad {
		c.Scratchpad[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// AllTerminal reports whether every requested task reached a terminal status.
func (st *RunState) AllTerminal() bool {
	for _, t := range st.Requested {
		if !st.TaskStatus[t].IsTerminal() {
			return false
		}
	}
	return true
}

// RecordError appends an entry to the ordered error log.
func (st *RunState) RecordError(task string, kind ErrorKind, msg string) {
	st.Errors = append(st.Errors, TaskError{
		Task:       task,
		Kind:       kind,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	})
}

// Touch bumps the sequence number and update timestamp. Called once per
// applied transition before checkpointing.
func (st *RunState) Touch() {
	st.Seq++
	st.UpdatedAt = time.Now().UTC()
}
