package opinions_test

import (
	"testing"

	"revisaria/internal/domain"
	"revisaria/internal/opinions"
)

func op(agent string, phase domain.Phase, d domain.Decision) domain.AgentOpinion {
	return domain.AgentOpinion{AgentID: agent, Phase: phase, Decision: d}
}

func TestAggregateApproved(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF2,
		RequiredAgents: []string{"fiscal", "legal"},
		History: []domain.AgentOpinion{
			op("fiscal", domain.PhaseF2, domain.DecisionApprove),
			op("legal", domain.PhaseF2, domain.DecisionApprove),
		},
		HardGate: true,
	})
	if agg.ConsolidatedStatus != opinions.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", agg.ConsolidatedStatus)
	}
	if agg.EscalationRequired {
		t.Fatalf("no escalation expected: %v", agg.EscalationReasons)
	}
}

func TestAggregatePendingOnMissingAgents(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF2,
		RequiredAgents: []string{"fiscal", "legal", "provider"},
		History: []domain.AgentOpinion{
			op("fiscal", domain.PhaseF2, domain.DecisionApprove),
		},
	})
	if agg.ConsolidatedStatus != opinions.StatusPending {
		t.Fatalf("expected PENDING, got %s", agg.ConsolidatedStatus)
	}
	if len(agg.MissingAgents) != 2 {
		t.Fatalf("expected two missing agents, got %v", agg.MissingAgents)
	}
	// missing agents are sorted for stable output
	if agg.MissingAgents[0] != "legal" || agg.MissingAgents[1] != "provider" {
		t.Fatalf("unexpected order: %v", agg.MissingAgents)
	}
}

func TestAggregateRejectedEscalates(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF2,
		RequiredAgents: []string{"fiscal"},
		History: []domain.AgentOpinion{
			op("fiscal", domain.PhaseF2, domain.DecisionReject),
		},
	})
	if agg.ConsolidatedStatus != opinions.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", agg.ConsolidatedStatus)
	}
	if !agg.EscalationRequired {
		t.Fatalf("rejection must escalate")
	}
}

func TestAggregateRejectionCoveredByExceptionIsConditional(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF2,
		RequiredAgents: []string{"fiscal"},
		History: []domain.AgentOpinion{
			op("fiscal", domain.PhaseF2, domain.DecisionReject),
		},
		HasException: true,
	})
	if agg.ConsolidatedStatus != opinions.StatusConditional {
		t.Fatalf("expected CONDITIONAL with exception, got %s", agg.ConsolidatedStatus)
	}
}

func TestAggregateConditionalAtHardGateEscalates(t *testing.T) {
	in := opinions.Input{
		Phase:          domain.PhaseF6,
		RequiredAgents: []string{"fiscal"},
		History: []domain.AgentOpinion{
			op("fiscal", domain.PhaseF6, domain.DecisionApproveWithConditions),
		},
	}
	soft := opinions.Aggregate(in)
	if soft.ConsolidatedStatus != opinions.StatusConditional || soft.EscalationRequired {
		t.Fatalf("conditional at soft gate should not escalate: %+v", soft)
	}
	in.HardGate = true
	hard := opinions.Aggregate(in)
	if !hard.EscalationRequired {
		t.Fatalf("conditional at hard gate must escalate")
	}
}

func TestAggregateHumanReviewAlwaysEscalates(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF0,
		RequiredAgents: []string{"strategy"},
		History: []domain.AgentOpinion{
			op("strategy", domain.PhaseF0, domain.DecisionApprove),
		},
		HumanReview:  true,
		HumanReasons: []string{"typology requires mandatory human review"},
	})
	if agg.ConsolidatedStatus != opinions.StatusApproved {
		t.Fatalf("approval status unaffected by review: %s", agg.ConsolidatedStatus)
	}
	if !agg.EscalationRequired {
		t.Fatalf("human review policy must escalate")
	}
	if len(agg.EscalationReasons) == 0 {
		t.Fatalf("expected escalation reasons")
	}
}

func TestLatestWinsPerAgentAndPhase(t *testing.T) {
	history := []domain.AgentOpinion{
		op("fiscal", domain.PhaseF2, domain.DecisionReject),
		op("fiscal", domain.PhaseF2, domain.DecisionApprove),
		op("fiscal", domain.PhaseF6, domain.DecisionReject),
	}
	latest := opinions.LatestForPhase(history, domain.PhaseF2)
	if latest["fiscal"].Decision != domain.DecisionApprove {
		t.Fatalf("newest row should win, got %s", latest["fiscal"].Decision)
	}
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF2,
		RequiredAgents: []string{"fiscal"},
		History:        history,
	})
	if agg.ConsolidatedStatus != opinions.StatusApproved {
		t.Fatalf("F6 rejection must not leak into F2: %s", agg.ConsolidatedStatus)
	}
}

func TestAggregateIgnoresNonRequiredAgents(t *testing.T) {
	agg := opinions.Aggregate(opinions.Input{
		Phase:          domain.PhaseF0,
		RequiredAgents: []string{"strategy"},
		History: []domain.AgentOpinion{
			op("strategy", domain.PhaseF0, domain.DecisionApprove),
			op("auditor", domain.PhaseF0, domain.DecisionReject),
		},
	})
	if agg.ConsolidatedStatus != opinions.StatusApproved {
		t.Fatalf("non-required rejection must not block: %s", agg.ConsolidatedStatus)
	}
}
