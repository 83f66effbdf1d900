package checklist_test

import (
	"errors"
	"testing"

	"revisaria/internal/checklist"
	"revisaria/internal/config"
	"revisaria/internal/domain"
	"revisaria/internal/refdata"
)

func newEvaluator(t *testing.T) checklist.Evaluator {
	t.Helper()
	store, err := refdata.New(config.Default("test-firm"))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return checklist.Evaluator{Ref: store}
}

func TestEvaluatePartitionsMissingItems(t *testing.T) {
	ev := newEvaluator(t)
	// CMM F5 has two mandatory items and one optional
	res, err := ev.Evaluate("CONSULTORIA_MERCADO", domain.PhaseF5, map[string]bool{
		"CMM_F5_01": true,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.TotalCount != 3 || res.SatisfiedCount != 1 {
		t.Fatalf("counts: %+v", res)
	}
	if len(res.MissingMandatory) != 1 || res.MissingMandatory[0].ID != "CMM_F5_02" {
		t.Fatalf("missing mandatory: %+v", res.MissingMandatory)
	}
	if len(res.MissingOptional) != 1 || res.MissingOptional[0].ID != "CMM_F5_03" {
		t.Fatalf("missing optional: %+v", res.MissingOptional)
	}
	if res.MandatoryCompletionPct != 50 {
		t.Fatalf("mandatory pct: %v", res.MandatoryCompletionPct)
	}
	if res.CanAdvance {
		t.Fatalf("mandatory item missing, completion should not be reached")
	}
}

func TestEvaluateCompletePhase(t *testing.T) {
	ev := newEvaluator(t)
	res, err := ev.Evaluate("CONSULTORIA_MERCADO", domain.PhaseF5, map[string]bool{
		"CMM_F5_01": true, "CMM_F5_02": true, "CMM_F5_03": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanAdvance || res.TotalCompletionPct != 100 || res.MandatoryCompletionPct != 100 {
		t.Fatalf("expected full completion: %+v", res)
	}
}

func TestEvaluateEmptyPhaseIsVacuouslyComplete(t *testing.T) {
	ev := newEvaluator(t)
	// no checklist is defined for F0 in any typology
	res, err := ev.Evaluate("DESARROLLO_SOFTWARE", domain.PhaseF0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanAdvance || res.TotalCount != 0 {
		t.Fatalf("empty phase should be complete: %+v", res)
	}
	if res.MandatoryCompletionPct != 100 || res.TotalCompletionPct != 100 {
		t.Fatalf("empty phase pct should be 100: %+v", res)
	}
}

func TestEvaluateUnknownTypology(t *testing.T) {
	ev := newEvaluator(t)
	_, err := ev.Evaluate("OUTSOURCING_NOMINA", domain.PhaseF2, nil)
	if !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
