// Package opinions folds per-agent decisions into one workflow-level status.
// Opinions are last-write-wins per (agent, phase): a newer submission fully
// replaces the older one for aggregation, with no averaging or voting.
package opinions

import (
	"fmt"
	"sort"

	"revisaria/internal/domain"
)

// Status is the consolidated multi-agent verdict for a phase.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusConditional Status = "CONDITIONAL"
	StatusRejected    Status = "REJECTED"
)

type Aggregation struct {
	Phase              domain.Phase               `json:"phase"`
	AgentStatuses      map[string]domain.Decision `json:"agent_statuses"`
	MissingAgents      []string                   `json:"missing_agents,omitempty"`
	ConsolidatedStatus Status                     `json:"consolidated_status"`
	EscalationRequired bool                       `json:"escalation_required"`
	EscalationReasons  []string                   `json:"escalation_reasons,omitempty"`
}

// LatestForPhase reduces an opinion history to the current view for one
// phase: the newest row per agent. History must be ordered oldest first.
func LatestForPhase(history []domain.AgentOpinion, phase domain.Phase) map[string]domain.AgentOpinion {
	out := make(map[string]domain.AgentOpinion)
	for _, op := range history {
		if op.Phase == phase {
			out[op.AgentID] = op
		}
	}
	return out
}

// Input carries everything Aggregate needs; the aggregator itself holds no
// state and performs no I/O.
type Input struct {
	Phase          domain.Phase
	RequiredAgents []string
	History        []domain.AgentOpinion
	HardGate       bool
	HasException   bool
	HumanReview    bool
	HumanReasons   []string
}

// Aggregate applies the consolidation rules: REJECTED if any required agent's
// current decision is REJECT and no exception covers the phase; CONDITIONAL
// if any decision asks for conditions or changes (or a rejection is covered
// by an exception); APPROVED only when every required agent approved.
func Aggregate(in Input) Aggregation {
	latest := LatestForPhase(in.History, in.Phase)
	agg := Aggregation{
		Phase:         in.Phase,
		AgentStatuses: make(map[string]domain.Decision, len(in.RequiredAgents)),
	}
	var rejected, conditional []string
	for _, agentID := range in.RequiredAgents {
		op, ok := latest[agentID]
		if !ok {
			agg.MissingAgents = append(agg.MissingAgents, agentID)
			continue
		}
		agg.AgentStatuses[agentID] = op.Decision
		switch op.Decision {
		case domain.DecisionReject:
			rejected = append(rejected, agentID)
		case domain.DecisionApproveWithConditions, domain.DecisionRequestChanges:
			conditional = append(conditional, agentID)
		}
	}
	sort.Strings(agg.MissingAgents)

	switch {
	case len(rejected) > 0 && !in.HasException:
		agg.ConsolidatedStatus = StatusRejected
	case len(rejected) > 0 || len(conditional) > 0:
		agg.ConsolidatedStatus = StatusConditional
	case len(agg.MissingAgents) > 0:
		agg.ConsolidatedStatus = StatusPending
	default:
		agg.ConsolidatedStatus = StatusApproved
	}

	for _, agentID := range rejected {
		agg.EscalationReasons = append(agg.EscalationReasons,
			fmt.Sprintf("%s agent rejected - exception signature required", agentID))
	}
	if agg.ConsolidatedStatus == StatusConditional && in.HardGate {
		agg.EscalationReasons = append(agg.EscalationReasons, "conditional approval at hard gate")
	}
	if in.HumanReview {
		if len(in.HumanReasons) > 0 {
			agg.EscalationReasons = append(agg.EscalationReasons, in.HumanReasons...)
		} else {
			agg.EscalationReasons = append(agg.EscalationReasons, "human review policy triggered")
		}
	}
	agg.EscalationRequired = agg.ConsolidatedStatus == StatusRejected ||
		(agg.ConsolidatedStatus == StatusConditional && in.HardGate) ||
		in.HumanReview
	return agg
}
