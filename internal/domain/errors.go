package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a task failure and drives routing: retry with
// backoff, skip, adapt, or abort the run.
type ErrorKind string

const (
	// KindTimeout marks an execution that exceeded its descriptor timeout.
	// Retriable.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindValidation marks a structurally bad result or input. Never
	// retried; routes to adaptation.
	KindValidation ErrorKind = "VALIDATION_ERROR"
	// KindCircuitOpen marks a task skipped because its breaker was open.
	// Never retried within the run.
	KindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
	// KindTransient marks an error expected to clear on retry.
	KindTransient ErrorKind = "TRANSIENT_FAILURE"
	// KindFatal is reserved for engine faults (checkpoint store, registry).
	// Aborts the run; never used for task-level errors.
	KindFatal ErrorKind = "FATAL_ENGINE_ERROR"
)

// Retriable reports whether a failure of this kind is eligible for retry.
func (k ErrorKind) Retriable() bool {
	return k == KindTimeout || k == KindTransient
}

// AgentError is the classified error an agent execution returns.
type AgentError struct {
	Kind    ErrorKind
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf maps an arbitrary execution error onto the taxonomy. Context
// deadline errors become Timeout; unclassified errors are treated as
// transient, which errs on the side of retrying.
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// FeedbackRequiredError is returned by an agent that cannot proceed without
// a human answer. The coordinator suspends the run instead of recording a
// failure.
type FeedbackRequiredError struct {
	Prompt string
}

func (e *FeedbackRequiredError) Error() string {
	return fmt.Sprintf("feedback required: %s", e.Prompt)
}

// DuplicateAgentError is returned when an agent name is registered twice.
type DuplicateAgentError struct {
	Name string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent already registered: %s", e.Name)
}

// UnknownAgentError is returned when no agent is registered under a name.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent: %s", e.Name)
}

// MissingDependencyError is returned when a requested task depends on an
// agent outside the requested set, so it could never become ready.
type MissingDependencyError struct {
	Task       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on %s, which is not in the requested set", e.Task, e.Dependency)
}

// RunNotFoundError is returned when a run ID has no checkpoint.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// RunAlreadyActiveError is returned when starting a run whose ID is already
// being driven by a live run loop.
type RunAlreadyActiveError struct {
	RunID string
}

func (e *RunAlreadyActiveError) Error() string {
	return fmt.Sprintf("run already active: %s", e.RunID)
}

// UnknownQuestionError is returned when an answer does not match the run's
// pending question — including answers that arrive after a fallback policy
// already cleared it.
type UnknownQuestionError struct {
	RunID      string
	QuestionID string
}

func (e *UnknownQuestionError) Error() string {
	return fmt.Sprintf("run %s has no pending question %s", e.RunID, e.QuestionID)
}

// StaleCheckpointError is returned when a checkpoint save carries a lower
// sequence number than the stored one, i.e. another loop instance advanced
// the run concurrently.
type StaleCheckpointError struct {
	RunID string
	Seq   uint64
}

func (e *StaleCheckpointError) Error() string {
	return fmt.Sprintf("stale checkpoint for run %s at seq %d", e.RunID, e.Seq)
}

// EngineError wraps an unrecoverable engine fault. Task-level failures are
// never wrapped in it.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
