package agents_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semenandronov/legaltech-sub000/internal/agents"
	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

func noopAgent(name string) agents.Agent {
	return agents.Func{AgentName: name, Fn: func(context.Context, *agents.TaskContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
}

func register(t *testing.T, r *agents.Registry, desc domain.AgentDescriptor) {
	t.Helper()
	require.NoError(t, r.Register(desc, noopAgent(desc.Name)))
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "a"})

	err := r.Register(domain.AgentDescriptor{Name: "a"}, noopAgent("a"))
	var dup *domain.DuplicateAgentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Name)
}

func TestRegistry_EmptyNameRejected(t *testing.T) {
	r := agents.NewRegistry()
	assert.Error(t, r.Register(domain.AgentDescriptor{}, noopAgent("")))
}

func TestRegistry_Resolve(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "a", MaxRetries: 2})

	_, desc, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, 3, desc.AttemptBudget())

	_, _, err = r.Resolve("missing")
	var unknown *domain.UnknownAgentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
}

func TestRegistry_Freeze_UnknownDependency(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "a", DependsOn: []string{"ghost"}})
	assert.ErrorContains(t, r.Freeze(), "ghost")
}

func TestRegistry_Freeze_UnknownFallback(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "a", Fallback: "ghost"})
	assert.ErrorContains(t, r.Freeze(), "ghost")
}

func TestRegistry_Freeze_DetectsCycle(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "a", DependsOn: []string{"b"}})
	register(t, r, domain.AgentDescriptor{Name: "b", DependsOn: []string{"c"}})
	register(t, r, domain.AgentDescriptor{Name: "c", DependsOn: []string{"a"}})
	assert.ErrorContains(t, r.Freeze(), "cycle")
}

func TestRegistry_Freeze_AcyclicGraphAccepted(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "extract"})
	register(t, r, domain.AgentDescriptor{Name: "classify", DependsOn: []string{"extract"}})
	register(t, r, domain.AgentDescriptor{Name: "summarize", DependsOn: []string{"extract", "classify"}})
	require.NoError(t, r.Freeze())

	err := r.Register(domain.AgentDescriptor{Name: "late"}, noopAgent("late"))
	assert.ErrorContains(t, err, "frozen")
}

func TestRegistry_Names_Sorted(t *testing.T) {
	r := agents.NewRegistry()
	register(t, r, domain.AgentDescriptor{Name: "c"})
	register(t, r, domain.AgentDescriptor{Name: "a"})
	register(t, r, domain.AgentDescriptor{Name: "b"})
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}
