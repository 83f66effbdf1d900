package policy_test

import (
	"testing"

	"revisaria/internal/config"
	"revisaria/internal/domain"
	"revisaria/internal/policy"
	"revisaria/internal/refdata"
)

func newEvaluator(t *testing.T) policy.Evaluator {
	t.Helper()
	store, err := refdata.New(config.Default("test-firm"))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return policy.Evaluator{Ref: store}
}

func TestClassifyRiskScoreBoundaries(t *testing.T) {
	ev := newEvaluator(t)
	cases := []struct {
		score int
		want  domain.RiskClass
	}{
		{0, domain.RiskAutomated},
		{39, domain.RiskAutomated},
		{40, domain.RiskDiscretionary},
		{59, domain.RiskDiscretionary},
		{60, domain.RiskMandatory},
		{100, domain.RiskMandatory},
	}
	for _, tc := range cases {
		if got := ev.ClassifyRiskScore(tc.score); got != tc.want {
			t.Fatalf("score %d: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestEvaluateNoTriggers(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "DESARROLLO_SOFTWARE", Amount: 100000}
	v := ev.Evaluate(p, 30, domain.Counterparty{})
	if v.Required {
		t.Fatalf("no trigger should fire: %v", v.Reasons)
	}
}

func TestEvaluateAmountThreshold(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "DESARROLLO_SOFTWARE", Amount: 5000000}
	v := ev.Evaluate(p, 0, domain.Counterparty{})
	if !v.Required {
		t.Fatalf("amount at threshold must trigger")
	}
	below := domain.Project{Typology: "DESARROLLO_SOFTWARE", Amount: 4999999}
	if ev.Evaluate(below, 0, domain.Counterparty{}).Required {
		t.Fatalf("amount below threshold must not trigger")
	}
}

func TestEvaluateTypologyAlwaysHuman(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "INTRAGRUPO_MANAGEMENT_FEE", Amount: 1}
	v := ev.Evaluate(p, 0, domain.Counterparty{})
	if !v.Required {
		t.Fatalf("IMF typology must always require a human")
	}
	found := false
	for _, r := range v.Reasons {
		if r == policy.ReasonTypology {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected typology reason, got %v", v.Reasons)
	}
}

func TestEvaluateCounterpartyTriggers(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "DESARROLLO_SOFTWARE", Amount: 600000}
	cp := domain.Counterparty{
		ID:           "cp-1",
		Relationship: domain.RelRelated,
		EFOSListed:   true,
		FirstTime:    true,
	}
	v := ev.Evaluate(p, 0, cp)
	want := []string{policy.ReasonRelatedParty, policy.ReasonBlacklist, policy.ReasonFirstTimeProvider}
	for _, reason := range want {
		found := false
		for _, r := range v.Reasons {
			if r == reason {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q among %v", reason, v.Reasons)
		}
	}
}

func TestEvaluateFirstTimeProviderNeedsAmount(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "DESARROLLO_SOFTWARE", Amount: 500000}
	cp := domain.Counterparty{ID: "cp-1", Relationship: domain.RelIndependent, FirstTime: true}
	// amount must strictly exceed the first-time threshold
	if ev.Evaluate(p, 0, cp).Required {
		t.Fatalf("first-time trigger needs amount above threshold")
	}
	p.Amount = 500001
	if !ev.Evaluate(p, 0, cp).Required {
		t.Fatalf("first-time provider above threshold must trigger")
	}
}

func TestEvaluateCollectsEveryReason(t *testing.T) {
	ev := newEvaluator(t)
	p := domain.Project{Typology: "INTRAGRUPO_MANAGEMENT_FEE", Amount: 9000000}
	cp := domain.Counterparty{
		ID:           "cp-1",
		Relationship: domain.RelIntragroup,
		EFOSListed:   true,
		FirstTime:    true,
	}
	v := ev.Evaluate(p, 80, cp)
	if len(v.Reasons) != 6 {
		t.Fatalf("expected all six reasons, got %d: %v", len(v.Reasons), v.Reasons)
	}
}
