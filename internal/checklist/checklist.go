// Package checklist computes per-typology checklist completion for a phase.
// The evaluator is a pure function over reference data and the set of
// satisfied item IDs: identical inputs always yield identical output.
package checklist

import (
	"revisaria/internal/domain"
	"revisaria/internal/refdata"
)

type Result struct {
	Typology               string                   `json:"typology"`
	Phase                  domain.Phase             `json:"phase"`
	MissingMandatory       []refdata.ChecklistItem  `json:"missing_mandatory,omitempty"`
	MissingOptional        []refdata.ChecklistItem  `json:"missing_optional,omitempty"`
	SatisfiedCount         int                      `json:"satisfied_count"`
	TotalCount             int                      `json:"total_count"`
	MandatoryCompletionPct float64                  `json:"mandatory_completion_pct"`
	TotalCompletionPct     float64                  `json:"total_completion_pct"`
	CanAdvance             bool                     `json:"can_advance"`
}

type Evaluator struct {
	Ref *refdata.Store
}

// Evaluate partitions the (typology, phase) checklist into satisfied and
// missing items. A phase with no mandatory items is vacuously complete
// (100%). Unknown typologies surface refdata.ErrNotFound.
func (e Evaluator) Evaluate(typology string, phase domain.Phase, satisfied map[string]bool) (Result, error) {
	items, err := e.Ref.Checklist(typology, phase)
	if err != nil {
		return Result{}, err
	}
	res := Result{Typology: typology, Phase: phase, TotalCount: len(items)}
	var mandatoryTotal, mandatoryDone, totalDone int
	for _, item := range items {
		done := satisfied[item.ID]
		if done {
			totalDone++
		}
		if item.Mandatory {
			mandatoryTotal++
			if done {
				mandatoryDone++
			} else {
				res.MissingMandatory = append(res.MissingMandatory, item)
			}
		} else if !done {
			res.MissingOptional = append(res.MissingOptional, item)
		}
	}
	res.SatisfiedCount = totalDone
	res.MandatoryCompletionPct = pct(mandatoryDone, mandatoryTotal)
	res.TotalCompletionPct = pct(totalDone, len(items))
	res.CanAdvance = len(res.MissingMandatory) == 0
	return res, nil
}

func pct(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(done) / float64(total)
}
