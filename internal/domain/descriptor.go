package domain

import "time"

// AgentDescriptor is the static registration record for one analysis agent:
// its dependency edges and execution policy. Registered once at boot,
// immutable afterwards.
type AgentDescriptor struct {
	Name       string        `json:"name"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	// Idempotent marks the agent safe to re-dispatch after a crash left it
	// mid-execution. Non-idempotent agents are failed instead on resume.
	Idempotent bool `json:"idempotent"`
	// Optional agents may be skipped by the adaptation loop without failing
	// dependents.
	Optional bool `json:"optional"`
	// Fallback names a substitute agent the adaptation loop may swap in when
	// this agent fails non-retriably. Empty means no substitute exists.
	Fallback string `json:"fallback,omitempty"`
}

// AttemptBudget is the maximum number of dispatches: the first attempt plus
// MaxRetries retries.
func (d AgentDescriptor) AttemptBudget() int { return d.MaxRetries + 1 }
