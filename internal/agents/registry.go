package agents

import (
	"fmt"
	"sort"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// Registry maps agent names to their executable and descriptor. It is
// populated during boot and frozen before the first run starts; after
// Freeze it is read-only and needs no locking.
type Registry struct {
	frozen      bool
	agents      map[string]Agent
	descriptors map[string]domain.AgentDescriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:      make(map[string]Agent),
		descriptors: make(map[string]domain.AgentDescriptor),
	}
}

// Register adds an agent under its descriptor. Returns DuplicateAgentError
// if the name is taken. Not safe for concurrent use; registration happens
// on a single goroutine during boot.
func (r *Registry) Register(desc domain.AgentDescriptor, agent Agent) error {
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", desc.Name)
	}
	if desc.Name == "" {
		return fmt.Errorf("agent descriptor has empty name")
	}
	if _, ok := r.agents[desc.Name]; ok {
		return &domain.DuplicateAgentError{Name: desc.Name}
	}
	r.agents[desc.Name] = agent
	r.descriptors[desc.Name] = desc
	return nil
}

// Freeze validates the dependency graph and seals the registry. Every
// dependency and fallback must resolve, and the graph must be acyclic.
func (r *Registry) Freeze() error {
	for name, desc := range r.descriptors {
		for _, dep := range desc.DependsOn {
			if _, ok := r.descriptors[dep]; !ok {
				return fmt.Errorf("agent %q depends on unregistered agent %q", name, dep)
			}
		}
		if desc.Fallback != "" {
			if _, ok := r.descriptors[desc.Fallback]; !ok {
				return fmt.Errorf("agent %q declares unregistered fallback %q", name, desc.Fallback)
			}
		}
	}
	if cycle := r.findCycle(); cycle != "" {
		return fmt.Errorf("dependency cycle through agent %q", cycle)
	}
	r.frozen = true
	return nil
}

// findCycle runs a three-color DFS over the dependency edges and returns
// the name of an agent on a cycle, or "".
func (r *Registry) findCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.descriptors))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		for _, dep := range r.descriptors[name].DependsOn {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[name] = black
		return ""
	}

	names := r.Names()
	for _, name := range names {
		if color[name] == white {
			if c := visit(name); c != "" {
				return c
			}
		}
	}
	return ""
}

// Resolve returns the agent and descriptor for a name, or UnknownAgentError.
func (r *Registry) Resolve(name string) (Agent, domain.AgentDescriptor, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, domain.AgentDescriptor{}, &domain.UnknownAgentError{Name: name}
	}
	return a, r.descriptors[name], nil
}

// Descriptor returns the descriptor for a name, or UnknownAgentError.
func (r *Registry) Descriptor(name string) (domain.AgentDescriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return domain.AgentDescriptor{}, &domain.UnknownAgentError{Name: name}
	}
	return d, nil
}

// Names returns every registered agent name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
