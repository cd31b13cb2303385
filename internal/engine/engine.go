// Package engine drives legal-analysis runs: a checkpointed state machine
// that dispatches agent tasks in dependency order, retries transient
// failures with backoff, adapts the plan around unrecoverable ones, and
// suspends for human feedback when an agent asks for it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semenandronov/legaltech-sub000/internal/agents"
	"github.com/semenandronov/legaltech-sub000/internal/breaker"
	"github.com/semenandronov/legaltech-sub000/internal/checkpoint"
	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/events"
	"github.com/semenandronov/legaltech-sub000/pkg/retry"
	"github.com/semenandronov/legaltech-sub000/pkg/telemetry"
)

// Config carries the engine's tunable policies.
type Config struct {
	// DefaultTaskTimeout applies when a descriptor declares no timeout.
	DefaultTaskTimeout time.Duration
	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff between
	// task re-dispatches.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxAdaptations is the run-wide plan-mutation budget.
	MaxAdaptations int
	// FeedbackPollInterval and FeedbackMaxPolls bound how long a run stays
	// suspended on an unanswered question.
	FeedbackPollInterval time.Duration
	FeedbackMaxPolls     int
	// FeedbackFallback resolves a question nobody answered in time.
	FeedbackFallback FallbackPolicy
	// CheckpointRetries is how many times a failing checkpoint save is
	// retried before the run aborts with an engine error.
	CheckpointRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTaskTimeout:   30 * time.Second,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
		MaxAdaptations:       5,
		FeedbackPollInterval: 2 * time.Second,
		FeedbackMaxPolls:     30,
		FeedbackFallback:     FallbackSkip,
		CheckpointRetries:    3,
	}
}

// activeRun is the in-process handle for a live run loop.
type activeRun struct {
	cancel  context.CancelFunc
	answers chan answerMsg
	done    chan struct{}
}

// Engine owns every live run loop in the process. One Engine per service
// instance; runs within it share the breaker bank and checkpoint store.
type Engine struct {
	registry  *agents.Registry
	store     checkpoint.Store
	publisher events.Publisher
	breakers  *breaker.Bank
	evaluator Evaluator
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig replaces the default policy set.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithBreakerBank shares a pre-built breaker bank, e.g. between an engine
// and its metrics surface.
func WithBreakerBank(b *breaker.Bank) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithEvaluator installs a result evaluator for the adaptation loop.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// New creates an Engine over a frozen registry, a checkpoint store, and an
// event publisher.
func New(reg *agents.Registry, store checkpoint.Store, pub events.Publisher, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		store:     store,
		publisher: pub,
		breakers:  breaker.NewBank(breaker.DefaultConfig()),
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		active:    make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.publisher == nil {
		e.publisher = events.Noop{}
	}
	return e
}

// StartRun validates the requested tasks, persists the initial checkpoint,
// and launches the run loop. Returns the run ID. A duplicate ID fails with
// RunAlreadyActiveError; an unknown task with UnknownAgentError. The
// requested set must be dependency-closed: a task whose dependency is not
// also requested could never become ready, so it fails with
// MissingDependencyError instead of starting a run that cannot finish it.
func (e *Engine) StartRun(ctx context.Context, runID string, tasks []string, scratchpad map[string]json.RawMessage) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("start run: no tasks requested")
	}
	requested := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		requested[t] = true
	}
	for _, t := range tasks {
		desc, err := e.registry.Descriptor(t)
		if err != nil {
			return "", err
		}
		for _, dep := range desc.DependsOn {
			if !requested[dep] {
				return "", &domain.MissingDependencyError{Task: t, Dependency: dep}
			}
		}
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("start run: engine is shut down")
	}
	if _, ok := e.active[runID]; ok {
		e.mu.Unlock()
		return "", &domain.RunAlreadyActiveError{RunID: runID}
	}
	e.mu.Unlock()

	if _, err := e.store.Load(ctx, runID); err == nil {
		return "", &domain.RunAlreadyActiveError{RunID: runID}
	} else {
		var nf *domain.RunNotFoundError
		if !errors.As(err, &nf) {
			return "", &domain.EngineError{Op: "load checkpoint", Err: err}
		}
	}

	st := domain.NewRunState(runID, tasks, scratchpad)
	if err := e.checkpoint(ctx, st); err != nil {
		return "", err
	}

	e.launch(st)
	return runID, nil
}

// ResumeRun reloads a checkpointed run and launches a fresh loop over it.
// Tasks a crashed process left Running are normalized first: idempotent
// agents go back to Pending, the rest are failed.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("resume run: engine is shut down")
	}
	if _, ok := e.active[runID]; ok {
		e.mu.Unlock()
		return &domain.RunAlreadyActiveError{RunID: runID}
	}
	e.mu.Unlock()

	st, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return fmt.Errorf("resume run %s: already %s", runID, st.Status)
	}

	e.launch(st)
	return nil
}

// launch registers the run handle and spawns its loop.
func (e *Engine) launch(st *domain.RunState) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		cancel:  cancel,
		answers: make(chan answerMsg),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	e.active[st.RunID] = run
	e.mu.Unlock()

	telemetry.EngineRunsStarted.Inc()
	e.logger.Info("run loop starting",
		slog.String("run_id", st.RunID),
		slog.Uint64("seq", st.Seq),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(run.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, st.RunID)
			e.mu.Unlock()
		}()
		e.runLoop(runCtx, run, st)
	}()
}

// runLoop is the single writer of one run's state: decide, checkpoint,
// apply, repeat, until a terminal decision.
func (e *Engine) runLoop(ctx context.Context, run *activeRun, st *domain.RunState) {
	st = e.normalize(ctx, st)

	for {
		if ctx.Err() != nil {
			e.finish(st, domain.RunCancelled, domain.ReasonCancelled)
			return
		}

		action := Decide(st, e.registry)
		if err := e.checkpoint(ctx, st); err != nil {
			e.fatal(ctx, st, err)
			return
		}

		switch action.Kind {
		case ActionDispatch:
			st = e.dispatch(ctx, st, action.Tasks)

		case ActionRetry:
			st = e.retryTask(ctx, st, action.Task)

		case ActionAwaitFeedback:
			next, ok := e.awaitFeedback(ctx, run, st)
			st = next
			if !ok {
				switch {
				case ctx.Err() != nil:
					e.finish(st, domain.RunCancelled, domain.ReasonCancelled)
				case st.Status == domain.RunAborted:
					// fatal already emitted the terminal event
				default:
					e.finish(st, domain.RunAborted, domain.ReasonFeedbackTimeout)
				}
				return
			}

		case ActionAdapt:
			next := st.Clone()
			e.applyAdaptation(ctx, next, action.Task, action.Reason)
			st = next

		case ActionWait:
			// Only reachable if normalization missed a Running task; treat
			// the artifact like a crash leftover and re-normalize.
			st = e.normalize(ctx, st)

		case ActionTerminate:
			e.finish(st, domain.RunCompleted, action.Reason)
			return
		}
	}
}

// dispatch fans the ready set out. Breaker-rejected tasks are skipped before
// execution; everything else runs concurrently and the merged outcome is
// evaluated and checkpointed.
func (e *Engine) dispatch(ctx context.Context, st *domain.RunState, tasks []string) *domain.RunState {
	next := st.Clone()
	toRun := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !e.breakers.Get(t).Allow() {
			next.TaskStatus[t] = domain.StatusSkipped
			next.RecordError(t, domain.KindCircuitOpen, "circuit open for agent")
			telemetry.EngineBreakerRejections.WithLabelValues(t).Inc()
			e.emit(ctx, next, t, string(domain.StatusSkipped), string(domain.KindCircuitOpen))
			continue
		}
		next.TaskStatus[t] = domain.StatusRunning
		next.Attempts[t]++
		telemetry.EngineTasksDispatched.WithLabelValues(t).Inc()
		e.emit(ctx, next, t, string(domain.StatusRunning), "")
		toRun = append(toRun, t)
	}

	if err := e.checkpoint(ctx, next); err != nil {
		return e.fatal(ctx, next, err)
	}
	if len(toRun) == 0 {
		return next
	}

	merged := e.executeSet(ctx, next, toRun)
	e.evaluateResults(ctx, merged, toRun)

	if err := e.checkpoint(ctx, merged); err != nil {
		return e.fatal(ctx, merged, err)
	}
	return merged
}

// evaluateResults runs the evaluator over freshly succeeded tasks. A
// rejected result is reclassified as a validation failure, which the next
// scheduling pass routes to adaptation.
func (e *Engine) evaluateResults(ctx context.Context, st *domain.RunState, tasks []string) {
	if e.evaluator == nil {
		return
	}
	for _, t := range tasks {
		if st.TaskStatus[t] != domain.StatusSucceeded {
			continue
		}
		v := e.evaluator.Evaluate(t, st.TaskResults[t])
		if v.Accept {
			continue
		}
		st.TaskStatus[t] = domain.StatusFailed
		delete(st.TaskResults, t)
		st.RecordError(t, domain.KindValidation, "result rejected: "+v.Reason)
		telemetry.EngineTaskFailures.WithLabelValues(t, string(domain.KindValidation)).Inc()
		e.emit(ctx, st, t, string(domain.StatusFailed), "result rejected")
	}
}

// retryTask waits out the backoff for one failed task and re-queues it.
func (e *Engine) retryTask(ctx context.Context, st *domain.RunState, task string) *domain.RunState {
	delay := retry.Backoff(e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, st.Attempts[task])
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return st
	}

	next := st.Clone()
	next.TaskStatus[task] = domain.StatusPending
	telemetry.EngineRetriesTotal.WithLabelValues(task).Inc()
	e.emit(ctx, next, task, string(domain.StatusPending), "retry after backoff")
	return next
}

// normalize repairs crash artifacts before the first decision: a task left
// Running is re-queued when its agent is idempotent and has budget, and
// failed otherwise.
func (e *Engine) normalize(ctx context.Context, st *domain.RunState) *domain.RunState {
	next := st.Clone()
	changed := false
	for _, t := range sortedRequested(next) {
		s := next.TaskStatus[t]
		if s != domain.StatusRunning && s != domain.StatusReady {
			continue
		}
		changed = true
		desc, err := e.registry.Descriptor(t)
		if err == nil && desc.Idempotent && next.Attempts[t] <= desc.AttemptBudget() {
			if next.Attempts[t] > 0 {
				next.Attempts[t]--
			}
			next.TaskStatus[t] = domain.StatusPending
			e.emit(ctx, next, t, string(domain.StatusPending), "re-queued after restart")
			continue
		}
		next.TaskStatus[t] = domain.StatusFailed
		next.RecordError(t, domain.KindTransient, "interrupted by restart")
		e.emit(ctx, next, t, string(domain.StatusFailed), "interrupted by restart")
	}
	if !changed {
		return st
	}
	return next
}

// finish marks the run terminal, emits the single TERMINATED event, and
// saves the final checkpoint on a detached context so cancellation cannot
// lose it.
func (e *Engine) finish(st *domain.RunState, status domain.RunStatus, reason string) {
	st = st.Clone()
	st.Status = status
	st.PendingFeedback = nil
	e.emitTerminal(st, reason)

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.checkpoint(saveCtx, st); err != nil {
		e.logger.Error("final checkpoint failed",
			slog.String("run_id", st.RunID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.EngineRunsTerminated.WithLabelValues(reason).Inc()
	e.logger.Info("run terminated",
		slog.String("run_id", st.RunID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Uint64("seq", st.Seq),
	)
}

// fatal aborts a run on an engine fault such as a checkpoint store outage.
func (e *Engine) fatal(ctx context.Context, st *domain.RunState, err error) *domain.RunState {
	telemetry.EngineCheckpointFailures.Inc()
	e.logger.Error("engine fault, aborting run",
		slog.String("run_id", st.RunID),
		slog.String("error", err.Error()),
	)
	st = st.Clone()
	st.Status = domain.RunAborted
	st.RecordError("", domain.KindFatal, err.Error())
	e.emitTerminal(st, domain.ReasonEngineError)

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.store.Save(saveCtx, st)

	telemetry.EngineRunsTerminated.WithLabelValues(domain.ReasonEngineError).Inc()
	return st
}

// checkpoint saves the state, retrying store failures. A stale sequence
// number means another loop instance owns the run; it fails fast because no
// retry can win that race.
func (e *Engine) checkpoint(ctx context.Context, st *domain.RunState) error {
	var stale *domain.StaleCheckpointError
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.cfg.CheckpointRetries,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}, func() error {
		err := e.store.Save(ctx, st)
		if errors.As(err, &stale) {
			return nil
		}
		return err
	})
	if err == nil && stale != nil {
		err = stale
	}
	if err != nil {
		return &domain.EngineError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// emit applies one sequence bump and publishes the transition. Delivery is
// best-effort; the publisher logs its own failures.
func (e *Engine) emit(ctx context.Context, st *domain.RunState, task, status, reason string) {
	st.Touch()
	_ = e.publisher.Publish(ctx, domain.StepEvent{
		RunID:  st.RunID,
		Task:   task,
		Status: status,
		Reason: reason,
		Seq:    st.Seq,
		At:     st.UpdatedAt,
	})
}

func (e *Engine) emitTerminal(st *domain.RunState, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.emit(ctx, st, "", domain.EventTerminated, reason)
}

// GetRunState loads the latest checkpoint for a run.
func (e *Engine) GetRunState(ctx context.Context, runID string) (*domain.RunState, error) {
	return e.store.Load(ctx, runID)
}

// SubmitFeedback answers the run's pending question. A live run receives
// the answer through its loop; a suspended one (no loop in this process) is
// updated directly in the checkpoint store and picked up on resume.
//
// The checkpoint is consulted before the loop handoff: an answer that does
// not match the run's pending question fails fast with UnknownQuestionError
// instead of parking on the answers channel while the loop is busy
// elsewhere. Answers for a question the fallback policy already resolved
// fail the same way.
func (e *Engine) SubmitFeedback(ctx context.Context, runID, questionID string, answer json.RawMessage) error {
	e.mu.Lock()
	run, live := e.active[runID]
	e.mu.Unlock()

	if !live {
		return e.submitOffline(ctx, runID, questionID, answer)
	}

	st, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if st.PendingFeedback == nil || st.PendingFeedback.QuestionID != questionID {
		return &domain.UnknownQuestionError{RunID: runID, QuestionID: questionID}
	}

	msg := answerMsg{questionID: questionID, answer: answer, reply: make(chan error, 1)}
	select {
	case run.answers <- msg:
	case <-run.done:
		return e.submitOffline(ctx, runID, questionID, answer)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitOffline folds the answer straight into the stored checkpoint.
func (e *Engine) submitOffline(ctx context.Context, runID, questionID string, answer json.RawMessage) error {
	st, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	next, err := e.acceptAnswer(ctx, st, questionID, answer)
	if err != nil {
		return err
	}
	return e.checkpoint(ctx, next)
}

// CancelRun stops a live run loop and waits for its terminal checkpoint. A
// run with no live loop is marked cancelled directly in the store;
// cancelling an already-terminal run is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	run, live := e.active[runID]
	e.mu.Unlock()

	if live {
		run.cancel()
		select {
		case <-run.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}
	next := st.Clone()
	next.Status = domain.RunCancelled
	next.PendingFeedback = nil
	e.emit(ctx, next, "", domain.EventTerminated, domain.ReasonCancelled)
	return e.checkpoint(ctx, next)
}

// ActiveRuns returns the number of live run loops.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close cancels every live run and waits for the loops to finish their
// terminal checkpoints.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, run := range e.active {
		run.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
