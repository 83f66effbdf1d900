package refdata_test

import (
	"errors"
	"testing"

	"revisaria/internal/config"
	"revisaria/internal/domain"
	"revisaria/internal/refdata"
)

func newStore(t *testing.T) *refdata.Store {
	t.Helper()
	store, err := refdata.New(config.Default("test-firm"))
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return store
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := refdata.New(nil); err == nil {
		t.Fatalf("nil config should error")
	}
	broken := config.Default("test-firm")
	broken.Firm.ID = ""
	if _, err := refdata.New(broken); err == nil {
		t.Fatalf("invalid config should error")
	}
}

func TestPhaseDefinitions(t *testing.T) {
	store := newStore(t)
	defs := store.Phases()
	if len(defs) != len(domain.PhaseOrder) {
		t.Fatalf("expected %d phases, got %d", len(domain.PhaseOrder), len(defs))
	}
	for i, def := range defs {
		if def.ID != domain.PhaseOrder[i] {
			t.Fatalf("phase %d: expected %s, got %s", i, domain.PhaseOrder[i], def.ID)
		}
	}

	f2, err := store.PhaseDefinition(domain.PhaseF2)
	if err != nil {
		t.Fatal(err)
	}
	if !f2.HardGate {
		t.Fatalf("F2 must be a hard gate")
	}
	if len(f2.RequiredAgents) != 4 {
		t.Fatalf("F2 required agents: %v", f2.RequiredAgents)
	}
	mandatory := 0
	for _, doc := range f2.RequiredDocuments {
		if doc.Mandatory {
			mandatory++
		}
	}
	if mandatory != 3 {
		t.Fatalf("F2 mandatory documents: %d", mandatory)
	}

	if _, err := store.PhaseDefinition("F42"); !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChecklistLookup(t *testing.T) {
	store := newStore(t)
	items, err := store.Checklist("CONSULTORIA_MERCADO", domain.PhaseF5)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("CMM F5 items: %d", len(items))
	}
	// phases without a checklist return an empty slice, not an error
	items, err = store.Checklist("CONSULTORIA_MERCADO", domain.PhaseF0)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty checklist, got %v %v", items, err)
	}
	if _, err := store.Checklist("NOPE", domain.PhaseF2); !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("unknown typology: %v", err)
	}
}

func TestFindChecklistItem(t *testing.T) {
	store := newStore(t)
	item, typology, phase, err := store.FindChecklistItem("IMF_F5_01")
	if err != nil {
		t.Fatal(err)
	}
	if typology != "INTRAGRUPO_MANAGEMENT_FEE" || phase != domain.PhaseF5 {
		t.Fatalf("location: %s %s", typology, phase)
	}
	if !item.Mandatory {
		t.Fatalf("IMF_F5_01 should be mandatory")
	}
	if _, _, _, err := store.FindChecklistItem("GHOST_01"); !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTypologyMetadata(t *testing.T) {
	store := newStore(t)
	meta, err := store.TypologyMetadata("INTRAGRUPO_MANAGEMENT_FEE")
	if err != nil {
		t.Fatal(err)
	}
	if meta.InherentRisk != 70 || !meta.AlwaysRequiresHuman {
		t.Fatalf("IMF metadata: %+v", meta)
	}
	if len(store.Typologies()) != 3 {
		t.Fatalf("typologies: %v", store.Typologies())
	}
}

func TestAgentCatalog(t *testing.T) {
	store := newStore(t)
	if len(store.Agents()) != 8 {
		t.Fatalf("agent catalog: %v", store.Agents())
	}
	if !store.KnownAgent("fiscal") || store.KnownAgent("astrology") {
		t.Fatalf("agent lookup broken")
	}
}

func TestThresholds(t *testing.T) {
	store := newStore(t)
	th := store.Thresholds()
	if th.MandatoryRiskScore != 60 || th.DiscretionaryRiskScore != 40 {
		t.Fatalf("risk thresholds: %+v", th)
	}
	if th.HumanReviewAmount != 5000000 || th.FirstTimeProviderAmount != 500000 {
		t.Fatalf("amount thresholds: %+v", th)
	}
}
