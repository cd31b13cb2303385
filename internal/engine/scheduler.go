package engine

import (
	"sort"

	"github.com/semenandronov/legaltech-sub000/internal/agents"
	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// ActionKind enumerates what the run loop does next.
type ActionKind string

const (
	// ActionDispatch fans the listed tasks out for parallel execution.
	ActionDispatch ActionKind = "DISPATCH"
	// ActionRetry re-queues one failed task after its backoff delay.
	ActionRetry ActionKind = "RETRY"
	// ActionAwaitFeedback suspends the run until a human answer arrives or
	// the gate's poll budget expires.
	ActionAwaitFeedback ActionKind = "AWAIT_FEEDBACK"
	// ActionAdapt routes one task to the adaptation loop.
	ActionAdapt ActionKind = "ADAPT"
	// ActionWait means something is still running and the caller must
	// re-decide on the next completion event.
	ActionWait ActionKind = "WAIT"
	// ActionTerminate ends the run.
	ActionTerminate ActionKind = "TERMINATE"
)

// Action is the scheduler's decision.
type Action struct {
	Kind   ActionKind
	Tasks  []string // ActionDispatch
	Task   string   // ActionRetry, ActionAdapt
	Reason string
}

// Decide is the pure routing function over Run State. It never mutates the
// state; the run loop applies whatever the decision implies.
//
// Priority order: a pending question suspends everything; unresolved
// failures route to adaptation; ready tasks dispatch together; retriable
// failures re-queue; pending tasks stranded behind an unrecoverable failure
// or an unsatisfiable dependency are resolved by adaptation; otherwise the
// run terminates.
func Decide(st *domain.RunState, reg *agents.Registry) Action {
	if st.PendingFeedback != nil {
		return Action{Kind: ActionAwaitFeedback}
	}

	requested := sortedRequested(st)
	adapted := adaptedSet(st)

	// Failures that retry cannot resolve go to adaptation exactly once.
	for _, t := range requested {
		if st.TaskStatus[t] != domain.StatusFailed || adapted[t] {
			continue
		}
		kind := lastErrorKind(st, t)
		if !kind.Retriable() {
			return Action{Kind: ActionAdapt, Task: t, Reason: string(kind)}
		}
		if !retryEligible(st, reg, t) {
			return Action{Kind: ActionAdapt, Task: t, Reason: "retry budget exhausted"}
		}
	}

	// All ready tasks dispatch together; mutually independent tasks are
	// never serialized.
	if ready := ReadySet(st, reg); len(ready) > 0 {
		return Action{Kind: ActionDispatch, Tasks: ready}
	}

	for _, t := range requested {
		if st.TaskStatus[t] == domain.StatusFailed && !adapted[t] && retryEligible(st, reg, t) {
			return Action{Kind: ActionRetry, Task: t}
		}
	}

	// Pending tasks whose failed dependency has been adapted (or given up
	// on) can never become ready; the adaptation loop skips them.
	for _, t := range requested {
		if st.TaskStatus[t] == domain.StatusPending && blockedByFailure(st, reg, t) {
			return Action{Kind: ActionAdapt, Task: t, Reason: "blocked by failed dependency"}
		}
	}

	for _, t := range requested {
		if st.TaskStatus[t] == domain.StatusRunning || st.TaskStatus[t] == domain.StatusReady {
			return Action{Kind: ActionWait}
		}
	}

	// A Pending task surviving to this point has a dependency outside the
	// requested set (or an unresolvable agent): nothing above can ever make
	// it ready, so adaptation resolves it. The run must not terminate while
	// a requested task is still Pending.
	for _, t := range requested {
		if st.TaskStatus[t] == domain.StatusPending {
			return Action{Kind: ActionAdapt, Task: t, Reason: "dependency not requested"}
		}
	}

	return Action{Kind: ActionTerminate, Reason: domain.ReasonCompleted}
}

// ReadySet returns, sorted, every Pending task whose dependencies all
// reached Succeeded or Skipped.
func ReadySet(st *domain.RunState, reg *agents.Registry) []string {
	var ready []string
	for _, t := range sortedRequested(st) {
		if st.TaskStatus[t] != domain.StatusPending {
			continue
		}
		desc, err := reg.Descriptor(t)
		if err != nil {
			continue
		}
		if depsSatisfied(st, desc) {
			ready = append(ready, t)
		}
	}
	return ready
}

func depsSatisfied(st *domain.RunState, desc domain.AgentDescriptor) bool {
	for _, dep := range desc.DependsOn {
		s := st.TaskStatus[dep]
		if s != domain.StatusSucceeded && s != domain.StatusSkipped {
			return false
		}
	}
	return true
}

// blockedByFailure reports whether a pending task waits, directly or
// transitively, on a dependency that failed and can neither be retried nor
// adapted again.
func blockedByFailure(st *domain.RunState, reg *agents.Registry, task string) bool {
	desc, err := reg.Descriptor(task)
	if err != nil {
		return false
	}
	adapted := adaptedSet(st)
	for _, dep := range desc.DependsOn {
		switch st.TaskStatus[dep] {
		case domain.StatusFailed:
			if adapted[dep] && !retryEligible(st, reg, dep) {
				return true
			}
		case domain.StatusPending:
			if blockedByFailure(st, reg, dep) {
				return true
			}
		}
	}
	return false
}

func retryEligible(st *domain.RunState, reg *agents.Registry, task string) bool {
	desc, err := reg.Descriptor(task)
	if err != nil {
		return false
	}
	return lastErrorKind(st, task).Retriable() && st.Attempts[task] < desc.AttemptBudget()
}

// lastErrorKind returns the kind of the task's most recent error entry.
func lastErrorKind(st *domain.RunState, task string) domain.ErrorKind {
	for i := len(st.Errors) - 1; i >= 0; i-- {
		if st.Errors[i].Task == task {
			return st.Errors[i].Kind
		}
	}
	return domain.KindTransient
}

// adaptedSet returns the tasks already referenced by an adaptation entry.
func adaptedSet(st *domain.RunState) map[string]bool {
	set := make(map[string]bool, len(st.Adaptations))
	for _, a := range st.Adaptations {
		set[a.Task] = true
	}
	return set
}

func sortedRequested(st *domain.RunState) []string {
	out := append([]string(nil), st.Requested...)
	sort.Strings(out)
	return out
}
