package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/pkg/telemetry"
)

// FallbackPolicy is what the feedback gate does with an unanswered question
// once the poll budget is spent.
type FallbackPolicy string

const (
	// FallbackSkip marks the asking task Skipped and resumes the run.
	FallbackSkip FallbackPolicy = "skip"
	// FallbackRetry clears the question and re-queues the asking task once;
	// a second timeout for the same task escalates to skip.
	FallbackRetry FallbackPolicy = "retry"
	// FallbackAbort terminates the whole run.
	FallbackAbort FallbackPolicy = "abort"
)

// answerMsg carries one human answer from the API surface into the run loop.
type answerMsg struct {
	questionID string
	answer     json.RawMessage
	reply      chan error
}

// awaitFeedback parks the run loop on the pending question. It returns the
// updated state and true when the run should keep going, or false when the
// fallback policy aborted the run. The poll count is persisted on every tick
// so a resumed run keeps counting where it left off.
func (e *Engine) awaitFeedback(ctx context.Context, run *activeRun, st *domain.RunState) (*domain.RunState, bool) {
	telemetry.EngineFeedbackPending.Inc()
	defer telemetry.EngineFeedbackPending.Dec()

	ticker := time.NewTicker(e.cfg.FeedbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return st, false

		case msg := <-run.answers:
			next, err := e.acceptAnswer(ctx, st, msg.questionID, msg.answer)
			if err != nil {
				msg.reply <- err
				continue
			}
			if cerr := e.checkpoint(ctx, next); cerr != nil {
				msg.reply <- cerr
				return e.fatal(ctx, next, cerr), false
			}
			msg.reply <- nil
			return next, true

		case <-ticker.C:
			next := st.Clone()
			next.PendingFeedback.Polls++
			if next.PendingFeedback.Polls < e.cfg.FeedbackMaxPolls {
				next.Touch()
				if err := e.checkpoint(ctx, next); err != nil {
					return e.fatal(ctx, next, err), false
				}
				st = next
				continue
			}

			ok := e.applyFeedbackFallback(ctx, next)
			if err := e.checkpoint(ctx, next); err != nil {
				return e.fatal(ctx, next, err), false
			}
			return next, ok
		}
	}
}

// acceptAnswer folds a human answer into the state: the answer is recorded
// under the question ID and mirrored into the scratchpad under
// "answer:<task>", the question is cleared, and the run resumes. An answer
// for anything but the one pending question fails with UnknownQuestionError.
func (e *Engine) acceptAnswer(ctx context.Context, st *domain.RunState, questionID string, answer json.RawMessage) (*domain.RunState, error) {
	pf := st.PendingFeedback
	if pf == nil || pf.QuestionID != questionID {
		return nil, &domain.UnknownQuestionError{RunID: st.RunID, QuestionID: questionID}
	}

	next := st.Clone()
	if next.FeedbackAnswers == nil {
		next.FeedbackAnswers = make(map[string]json.RawMessage)
	}
	next.FeedbackAnswers[questionID] = append(json.RawMessage(nil), answer...)
	next.Scratchpad["answer:"+pf.RequestedByTask] = append(json.RawMessage(nil), answer...)
	next.PendingFeedback = nil
	next.Status = domain.RunRunning
	e.emit(ctx, next, pf.RequestedByTask, string(domain.StatusPending), "feedback received")

	e.logger.Info("feedback answered",
		slog.String("run_id", st.RunID),
		slog.String("question_id", questionID),
		slog.String("task", pf.RequestedByTask),
	)
	return next, nil
}

// applyFeedbackFallback resolves a timed-out question in place. Returns
// false when the policy aborts the run.
func (e *Engine) applyFeedbackFallback(ctx context.Context, st *domain.RunState) bool {
	pf := st.PendingFeedback
	task := pf.RequestedByTask

	policy := e.cfg.FeedbackFallback
	if policy == FallbackRetry && hasFeedbackRetry(st, task) {
		policy = FallbackSkip
	}
	telemetry.EngineFeedbackFallbacks.WithLabelValues(string(policy)).Inc()
	e.logger.Warn("feedback timed out",
		slog.String("run_id", st.RunID),
		slog.String("question_id", pf.QuestionID),
		slog.String("task", task),
		slog.String("policy", string(policy)),
	)

	st.PendingFeedback = nil
	st.Status = domain.RunRunning

	switch policy {
	case FallbackRetry:
		st.Adaptations = append(st.Adaptations, domain.Adaptation{
			Task:      task,
			Action:    domain.AdaptRetry,
			Reason:    "feedback timeout",
			AppliedAt: time.Now().UTC(),
		})
		e.emit(ctx, st, task, string(domain.StatusPending), "feedback timeout, re-queued")
		return true

	case FallbackAbort:
		return false

	default: // FallbackSkip
		st.TaskStatus[task] = domain.StatusSkipped
		e.emit(ctx, st, task, string(domain.StatusSkipped), "feedback timeout")
		return true
	}
}

// hasFeedbackRetry reports whether the task was already re-queued once by a
// feedback-timeout fallback.
func hasFeedbackRetry(st *domain.RunState, task string) bool {
	for _, a := range st.Adaptations {
		if a.Task == task && a.Action == domain.AdaptRetry && a.Reason == "feedback timeout" {
			return true
		}
	}
	return false
}
