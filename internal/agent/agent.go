// Package agent defines the boundary between the workflow engine and the
// specialized reviewers that produce opinions. The engine never calls a
// model or external service itself; opinions arrive through this interface
// or through the API as already-formed decisions.
package agent

import (
	"context"
	"fmt"
	"sort"

	"revisaria/internal/domain"
)

// Context is the project snapshot handed to an agent when asking for an
// opinion. Everything an agent may consider is in here; agents must not
// reach back into storage.
type Context struct {
	Project      domain.Project
	Phase        domain.Phase
	Counterparty domain.Counterparty
	Documents    []domain.DocumentFlag
	Checklist    map[string]bool
	History      []domain.AgentOpinion
}

// Agent produces an opinion for a phase of a project. Implementations may
// wrap an LLM call, a rules engine, or a human queue; the engine only sees
// the resulting decision and justification.
type Agent interface {
	ID() string
	ProduceOpinion(ctx context.Context, in Context) (domain.AgentOpinion, error)
}

// Registry maps agent IDs to implementations.
type Registry struct {
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}}
}

func (r *Registry) Register(a Agent) error {
	if _, dup := r.agents[a.ID()]; dup {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

func (r *Registry) Get(id string) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
