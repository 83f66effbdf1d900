package agent_test

import (
	"context"
	"testing"

	"revisaria/internal/agent"
	"revisaria/internal/domain"
)

type stubAgent struct {
	id       string
	decision domain.Decision
}

func (s stubAgent) ID() string { return s.id }

func (s stubAgent) ProduceOpinion(_ context.Context, in agent.Context) (domain.AgentOpinion, error) {
	return domain.AgentOpinion{
		ProjectID:     in.Project.ID,
		Phase:         in.Phase,
		AgentID:       s.id,
		Decision:      s.decision,
		Justification: "stub",
	}, nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := agent.NewRegistry()
	if err := reg.Register(stubAgent{id: "fiscal"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(stubAgent{id: "fiscal"}); err == nil {
		t.Fatalf("duplicate registration should error")
	}
}

func TestRegistryLookupAndIDs(t *testing.T) {
	reg := agent.NewRegistry()
	for _, id := range []string{"legal", "fiscal", "pmo"} {
		if err := reg.Register(stubAgent{id: id, decision: domain.DecisionApprove}); err != nil {
			t.Fatal(err)
		}
	}
	ids := reg.IDs()
	want := []string{"fiscal", "legal", "pmo"}
	if len(ids) != len(want) {
		t.Fatalf("ids: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}
	if _, ok := reg.Get("astrology"); ok {
		t.Fatalf("unknown agent should not resolve")
	}

	a, ok := reg.Get("fiscal")
	if !ok {
		t.Fatalf("fiscal should resolve")
	}
	op, err := a.ProduceOpinion(context.Background(), agent.Context{
		Project: domain.Project{ID: "p1"},
		Phase:   domain.PhaseF2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if op.ProjectID != "p1" || op.Phase != domain.PhaseF2 || op.AgentID != "fiscal" {
		t.Fatalf("opinion snapshot: %+v", op)
	}
}
