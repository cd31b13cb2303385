package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/pkg/telemetry"
)

// Verdict is an evaluator's judgement of one task result.
type Verdict struct {
	Accept bool
	Reason string
}

// Evaluator inspects a successful task result before it is accepted into run
// state. A rejection reclassifies the execution as a validation failure and
// routes it to the adaptation loop. Implementations must be safe for
// concurrent use across runs.
type Evaluator interface {
	Evaluate(task string, result json.RawMessage) Verdict
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(task string, result json.RawMessage) Verdict

func (f EvaluatorFunc) Evaluate(task string, result json.RawMessage) Verdict {
	return f(task, result)
}

// applyAdaptation mutates the plan to resolve a task that retry cannot fix.
// Resolution order: skip a task stranded behind a failed dependency,
// substitute the descriptor's fallback, skip an optional task, or grant one
// re-queue. Each task is adapted at most once per run, and the run-wide
// adaptation budget forces give-up once exhausted, so the loop always
// terminates.
func (e *Engine) applyAdaptation(ctx context.Context, st *domain.RunState, task, reason string) {
	desc, err := e.registry.Descriptor(task)
	if err != nil {
		e.recordAdaptation(st, task, domain.AdaptGiveUp, err.Error())
		st.TaskStatus[task] = domain.StatusFailed
		e.emit(ctx, st, task, string(domain.StatusFailed), "unresolvable agent")
		return
	}

	if len(st.Adaptations) >= e.cfg.MaxAdaptations {
		e.recordAdaptation(st, task, domain.AdaptGiveUp, "adaptation budget exhausted")
		if !st.TaskStatus[task].IsTerminal() {
			st.TaskStatus[task] = domain.StatusSkipped
		}
		e.emit(ctx, st, task, string(st.TaskStatus[task]), "adaptation budget exhausted")
		return
	}

	switch {
	case st.TaskStatus[task] == domain.StatusPending:
		// Stranded behind a dependency that terminally failed.
		st.TaskStatus[task] = domain.StatusSkipped
		e.recordAdaptation(st, task, domain.AdaptSkipDependents, reason)
		e.emit(ctx, st, task, string(domain.StatusSkipped), reason)

	case desc.Fallback != "" && !inRequested(st, desc.Fallback):
		st.TaskStatus[task] = domain.StatusSkipped
		delete(st.TaskResults, task)
		st.Requested = append(st.Requested, desc.Fallback)
		st.TaskStatus[desc.Fallback] = domain.StatusPending
		st.Attempts[desc.Fallback] = 0
		e.recordAdaptation(st, task, domain.AdaptSubstitute, reason)
		e.emit(ctx, st, task, string(domain.StatusSkipped), "substituted by "+desc.Fallback)
		e.emit(ctx, st, desc.Fallback, string(domain.StatusPending), "substituting "+task)

	case desc.Optional:
		st.TaskStatus[task] = domain.StatusSkipped
		delete(st.TaskResults, task)
		e.recordAdaptation(st, task, domain.AdaptSkip, reason)
		e.emit(ctx, st, task, string(domain.StatusSkipped), reason)

	default:
		// One re-queue with a restored attempt, then the task is on its own.
		st.TaskStatus[task] = domain.StatusPending
		delete(st.TaskResults, task)
		if st.Attempts[task] >= desc.AttemptBudget() {
			st.Attempts[task] = desc.AttemptBudget() - 1
		}
		e.recordAdaptation(st, task, domain.AdaptRetry, reason)
		e.emit(ctx, st, task, string(domain.StatusPending), "re-queued by adaptation")
	}
}

func (e *Engine) recordAdaptation(st *domain.RunState, task string, action domain.AdaptationAction, reason string) {
	st.Adaptations = append(st.Adaptations, domain.Adaptation{
		Task:      task,
		Action:    action,
		Reason:    reason,
		AppliedAt: time.Now().UTC(),
	})
	telemetry.EngineAdaptationsTotal.WithLabelValues(string(action)).Inc()
	e.logger.Info("plan adapted",
		slog.String("run_id", st.RunID),
		slog.String("task", task),
		slog.String("action", string(action)),
		slog.String("reason", reason),
	)
}

func inRequested(st *domain.RunState, task string) bool {
	for _, t := range st.Requested {
		if t == task {
			return true
		}
	}
	return false
}
