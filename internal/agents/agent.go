package agents

import (
	"context"
	"encoding/json"
)

// TaskContext is the read-only view of run state handed to an agent: the
// run's scratchpad, the results of every declared upstream dependency, and
// any human answers collected so far. Agents return results; they never
// mutate run state directly.
type TaskContext struct {
	RunID      string
	Scratchpad map[string]json.RawMessage
	Upstream   map[string]json.RawMessage
	Answers    map[string]json.RawMessage
}

// Answer returns the most relevant human answer for the given scratchpad
// key, or nil if none was recorded. The engine stores an answered question
// under "answer:<task>".
func (c *TaskContext) Answer(task string) json.RawMessage {
	if c.Scratchpad == nil {
		return nil
	}
	return c.Scratchpad["answer:"+task]
}

// Agent executes one analysis task. Implementations must respect ctx
// cancellation: the coordinator enforces the descriptor timeout through it.
// Return a *domain.AgentError to classify failures, or a
// *domain.FeedbackRequiredError to suspend the run for a human answer.
type Agent interface {
	Name() string
	Execute(ctx context.Context, tc *TaskContext) (json.RawMessage, error)
}

// Func adapts a plain function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, tc *TaskContext) (json.RawMessage, error)
}

func (f Func) Name() string { return f.AgentName }

func (f Func) Execute(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
	return f.Fn(ctx, tc)
}
