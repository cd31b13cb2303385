package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/semenandronov/legaltech-sub000/internal/agents"
	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/pkg/telemetry"
)

// outcome is the raw result of one agent execution before it is merged into
// run state.
type outcome struct {
	task     string
	result   json.RawMessage
	err      error
	duration time.Duration
}

// executeSet runs every task in the set concurrently, each under its own
// descriptor timeout, and merges exactly one terminal transition per task
// into a cloned state. The merge iterates outcomes in task-name order so the
// resulting state and event stream are deterministic regardless of which
// goroutine finished first.
func (e *Engine) executeSet(ctx context.Context, st *domain.RunState, tasks []string) *domain.RunState {
	next := st.Clone()

	results := make([]outcome, len(tasks))
	var wg sync.WaitGroup
	for i, name := range tasks {
		agent, desc, err := e.registry.Resolve(name)
		if err != nil {
			results[i] = outcome{task: name, err: &domain.AgentError{
				Kind:    domain.KindValidation,
				Message: err.Error(),
			}}
			continue
		}
		wg.Add(1)
		go func(i int, name string, agent agents.Agent, desc domain.AgentDescriptor) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, st, name, agent, desc)
		}(i, name, agent, desc)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].task < results[j].task })
	for _, o := range results {
		e.applyOutcome(ctx, next, o)
	}
	return next
}

// executeOne runs a single agent under its timeout and classifies the result.
func (e *Engine) executeOne(ctx context.Context, st *domain.RunState, name string, agent agents.Agent, desc domain.AgentDescriptor) outcome {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracer := otel.Tracer("engine")
	runCtx, span := tracer.Start(runCtx, "agent.execute")
	span.SetAttributes(
		attribute.String("run.id", st.RunID),
		attribute.String("agent.name", name),
		attribute.Int("attempt", st.Attempts[name]),
	)
	defer span.End()

	start := time.Now()
	res, err := agent.Execute(runCtx, e.taskContext(st, desc))
	return outcome{task: name, result: res, err: err, duration: time.Since(start)}
}

// taskContext builds the read-only view an agent receives: scratchpad and
// answers copies plus the results of its declared dependencies.
func (e *Engine) taskContext(st *domain.RunState, desc domain.AgentDescriptor) *agents.TaskContext {
	tc := &agents.TaskContext{
		RunID:      st.RunID,
		Scratchpad: make(map[string]json.RawMessage, len(st.Scratchpad)),
		Upstream:   make(map[string]json.RawMessage, len(desc.DependsOn)),
		Answers:    make(map[string]json.RawMessage, len(st.FeedbackAnswers)),
	}
	for k, v := range st.Scratchpad {
		tc.Scratchpad[k] = v
	}
	for _, dep := range desc.DependsOn {
		if r, ok := st.TaskResults[dep]; ok {
			tc.Upstream[dep] = r
		}
	}
	for k, v := range st.FeedbackAnswers {
		tc.Answers[k] = v
	}
	return tc
}

// applyOutcome folds one execution result into the state. Each call applies
// exactly one transition and bumps the sequence number through emit.
func (e *Engine) applyOutcome(ctx context.Context, st *domain.RunState, o outcome) {
	br := e.breakers.Get(o.task)
	telemetry.EngineTaskDurationSeconds.WithLabelValues(o.task).Observe(o.duration.Seconds())

	if o.err == nil {
		st.TaskStatus[o.task] = domain.StatusSucceeded
		if o.result != nil {
			st.TaskResults[o.task] = o.result
		}
		br.RecordSuccess()
		e.emit(ctx, st, o.task, string(domain.StatusSucceeded), "")
		return
	}

	var fb *domain.FeedbackRequiredError
	if errors.As(o.err, &fb) {
		e.suspendForFeedback(ctx, st, o.task, fb.Prompt)
		br.Release()
		return
	}

	// Run-level cancellation is not an agent failure; the breaker trial, if
	// any, is released without counting it.
	if ctx.Err() == context.Canceled && errors.Is(o.err, context.Canceled) {
		st.TaskStatus[o.task] = domain.StatusFailed
		st.RecordError(o.task, domain.KindTransient, "run cancelled during execution")
		br.Release()
		e.emit(ctx, st, o.task, string(domain.StatusFailed), domain.ReasonCancelled)
		return
	}

	kind := domain.KindOf(o.err)
	st.TaskStatus[o.task] = domain.StatusFailed
	st.RecordError(o.task, kind, o.err.Error())
	br.RecordFailure()
	telemetry.EngineTaskFailures.WithLabelValues(o.task, string(kind)).Inc()
	e.emit(ctx, st, o.task, string(domain.StatusFailed), string(kind))
}

// suspendForFeedback parks the run on a question. The dispatch that led here
// is rolled back: the task returns to Pending and its attempt is not
// counted, so suspension never consumes retry budget. If another task
// already holds the question slot this one simply re-asks on a later
// dispatch.
func (e *Engine) suspendForFeedback(ctx context.Context, st *domain.RunState, task, prompt string) {
	st.TaskStatus[task] = domain.StatusPending
	if st.Attempts[task] > 0 {
		st.Attempts[task]--
	}
	if st.PendingFeedback != nil {
		e.emit(ctx, st, task, string(domain.StatusPending), "question slot occupied")
		return
	}
	st.PendingFeedback = &domain.PendingFeedback{
		QuestionID:      uuid.NewString(),
		Prompt:          prompt,
		RequestedByTask: task,
		CreatedAt:       time.Now().UTC(),
	}
	st.Status = domain.RunAwaitingFeedback
	e.emit(ctx, st, task, string(domain.StatusPending), "awaiting human feedback")
}
