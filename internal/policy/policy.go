// Package policy decides when a project must be routed to a human reviewer
// and classifies risk scores. All functions are pure given the configured
// thresholds.
package policy

import (
	"revisaria/internal/domain"
	"revisaria/internal/refdata"
)

// Trigger reasons, in evaluation order. Every true condition is reported,
// not just the first.
const (
	ReasonAmountThreshold   = "amount exceeds human review threshold"
	ReasonRiskScore         = "risk score requires mandatory review"
	ReasonTypology          = "typology requires mandatory human review"
	ReasonRelatedParty      = "counterparty is a related party"
	ReasonBlacklist         = "counterparty flagged on EFOS/blacklist"
	ReasonFirstTimeProvider = "first-time provider above threshold"
)

// Verdict is recomputed on demand, never persisted.
type Verdict struct {
	Required bool     `json:"required"`
	Reasons  []string `json:"reasons,omitempty"`
}

type Evaluator struct {
	Ref *refdata.Store
}

// Evaluate checks every trigger independently and collects all that fire.
func (e Evaluator) Evaluate(p domain.Project, riskScore int, cp domain.Counterparty) Verdict {
	t := e.Ref.Thresholds()
	var reasons []string
	if p.Amount >= t.HumanReviewAmount {
		reasons = append(reasons, ReasonAmountThreshold)
	}
	if riskScore >= t.MandatoryRiskScore {
		reasons = append(reasons, ReasonRiskScore)
	}
	if meta, err := e.Ref.TypologyMetadata(p.Typology); err == nil && meta.AlwaysRequiresHuman {
		reasons = append(reasons, ReasonTypology)
	}
	if cp.ID != "" && cp.Relationship != domain.RelIndependent {
		reasons = append(reasons, ReasonRelatedParty)
	}
	if cp.EFOSListed {
		reasons = append(reasons, ReasonBlacklist)
	}
	if cp.FirstTime && p.Amount > t.FirstTimeProviderAmount {
		reasons = append(reasons, ReasonFirstTimeProvider)
	}
	return Verdict{Required: len(reasons) > 0, Reasons: reasons}
}

// ClassifyRiskScore buckets a 0-100 score: mandatory at or above the
// mandatory threshold, discretionary at or above the discretionary
// threshold, automated below.
func (e Evaluator) ClassifyRiskScore(score int) domain.RiskClass {
	t := e.Ref.Thresholds()
	switch {
	case score >= t.MandatoryRiskScore:
		return domain.RiskMandatory
	case score >= t.DiscretionaryRiskScore:
		return domain.RiskDiscretionary
	default:
		return domain.RiskAutomated
	}
}
