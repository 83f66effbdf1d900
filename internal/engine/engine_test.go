package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"revisaria/internal/agent"
	"revisaria/internal/config"
	"revisaria/internal/db"
	"revisaria/internal/domain"
	"revisaria/internal/engine"
	"revisaria/internal/migrate"
	"revisaria/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-firm")
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createProject(t *testing.T, typology string) domain.Project {
	t.Helper()
	p, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{
		Typology: typology,
		Amount:   100000,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return p
}

// fulfillPhase supplies every required opinion and mandatory document for the
// project's current phase so the gate passes cleanly.
func (env testEnv) fulfillPhase(t *testing.T, projectID string) {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	def, err := env.Engine.Ref.PhaseDefinition(p.CurrentPhase)
	if err != nil {
		t.Fatalf("phase definition: %v", err)
	}
	for _, agent := range def.RequiredAgents {
		if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
			ProjectID:   projectID,
			AgentID:     agent,
			Decision:    domain.DecisionApprove,
			SubmittedBy: "tester",
		}); err != nil {
			t.Fatalf("submit %s opinion: %v", agent, err)
		}
	}
	for _, doc := range def.RequiredDocuments {
		if !doc.Mandatory {
			continue
		}
		if _, err := env.Engine.SetDocument(env.Ctx, projectID, doc.Name, true, "tester"); err != nil {
			t.Fatalf("set document %s: %v", doc.Name, err)
		}
	}
}

func TestGateBlocksWithoutOpinionsAndDocuments(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")

	_, gate, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	var blocked engine.GateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected gate blocked error, got %v", err)
	}
	want := map[string]bool{
		"missing opinion from strategy":        false,
		"missing document: solicitud_servicio": false,
	}
	for _, reason := range blocked.Reasons {
		if _, ok := want[reason]; ok {
			want[reason] = true
		}
	}
	for reason, seen := range want {
		if !seen {
			t.Fatalf("missing blocking reason %q in %v", reason, blocked.Reasons)
		}
	}
	if gate.Allowed {
		t.Fatalf("gate should not allow advance")
	}
	// the failed advance must leave the project untouched
	after, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CurrentPhase != domain.PhaseF0 || after.Version != p.Version {
		t.Fatalf("blocked advance mutated project: %+v", after)
	}
}

func TestAdvanceNormalClosure(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)

	updated, gate, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if updated.CurrentPhase != domain.PhaseF1 {
		t.Fatalf("expected F1, got %s", updated.CurrentPhase)
	}
	if gate.ClosureType != domain.ClosureNormal {
		t.Fatalf("expected NORMAL closure, got %s", gate.ClosureType)
	}
	statuses, err := env.Engine.Repo.ListPhaseStatuses(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ps := range statuses {
		switch ps.Phase {
		case domain.PhaseF0:
			if ps.State != domain.PhaseComplete || ps.ClosureType != domain.ClosureNormal || ps.CompletedAt == nil {
				t.Fatalf("F0 not closed normally: %+v", ps)
			}
		case domain.PhaseF1:
			if ps.State != domain.PhaseInProgress {
				t.Fatalf("F1 should be in progress: %+v", ps)
			}
		}
	}
}

func TestRejectionBlocksUntilException(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)
	if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
		ProjectID:   p.ID,
		AgentID:     "strategy",
		Decision:    domain.DecisionReject,
		SubmittedBy: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	_, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	var blocked engine.GateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected gate blocked, got %v", err)
	}
	found := false
	for _, reason := range blocked.Reasons {
		if reason == "strategy rejected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rejection reason, got %v", blocked.Reasons)
	}

	if _, err := env.Engine.RecordException(env.Ctx, engine.ExceptionOptions{
		ProjectID:     p.ID,
		Responsible:   "cfo",
		Justification: "business continuity",
		AcceptedRisks: []string{"strategy objection overridden"},
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("record exception: %v", err)
	}

	updated, gate, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("advance with exception: %v", err)
	}
	if gate.ClosureType != domain.ClosureException {
		t.Fatalf("expected EXCEPTION closure, got %s", gate.ClosureType)
	}
	if updated.CurrentPhase != domain.PhaseF1 {
		t.Fatalf("expected F1, got %s", updated.CurrentPhase)
	}
	statuses, _ := env.Engine.Repo.ListPhaseStatuses(env.Ctx, p.ID)
	for _, ps := range statuses {
		if ps.Phase == domain.PhaseF0 && ps.ClosureType != domain.ClosureException {
			t.Fatalf("F0 closure should be EXCEPTION: %+v", ps)
		}
	}
}

func TestOpinionResubmissionReplacesEffective(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)
	if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
		ProjectID: p.ID, AgentID: "strategy", Decision: domain.DecisionReject, SubmittedBy: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
		ProjectID: p.ID, AgentID: "strategy", Decision: domain.DecisionApprove, SubmittedBy: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	gate, err := env.Engine.CanAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gate.Allowed {
		t.Fatalf("latest approve should unblock, reasons %v", gate.BlockingReasons)
	}
	history, err := env.Engine.Repo.ListOpinions(env.Ctx, repo.OpinionFilters{ProjectID: p.ID, AgentID: "strategy"})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected full history preserved, got %d rows", len(history))
	}
}

func TestSendBackResetsLaterPhases(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.fulfillPhase(t, p.ID)
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	updated, err := env.Engine.SendBack(env.Ctx, p.ID, domain.PhaseF0, "rework request", "tester")
	if err != nil {
		t.Fatalf("send back: %v", err)
	}
	if updated.CurrentPhase != domain.PhaseF0 {
		t.Fatalf("expected F0, got %s", updated.CurrentPhase)
	}
	statuses, _ := env.Engine.Repo.ListPhaseStatuses(env.Ctx, p.ID)
	for _, ps := range statuses {
		switch ps.Phase {
		case domain.PhaseF0:
			if ps.State != domain.PhaseComplete || ps.ClosureType != domain.ClosureNormal || ps.CompletedAt == nil {
				t.Fatalf("F0 completion record should survive send-back: %+v", ps)
			}
		case domain.PhaseF1, domain.PhaseF2:
			if ps.State != domain.PhasePending || ps.ClosureType != "" {
				t.Fatalf("%s should be reset to pending: %+v", ps.Phase, ps)
			}
		}
	}
	// audit data survives the rework loop
	history, _ := env.Engine.Repo.ListOpinions(env.Ctx, repo.OpinionFilters{ProjectID: p.ID})
	if len(history) == 0 {
		t.Fatalf("opinion history should survive send-back")
	}

	// target must precede the current phase
	if _, err := env.Engine.SendBack(env.Ctx, p.ID, domain.PhaseF5, "forward", "tester"); err == nil {
		t.Fatalf("expected error for non-preceding target")
	} else if !strings.Contains(err.Error(), "must precede") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.Engine.SendBack(env.Ctx, p.ID, "F42", "bogus", "tester"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestAdvancePastFinalPhaseClosesProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	for i := 0; i < len(domain.PhaseOrder); i++ {
		env.fulfillPhase(t, p.ID)
		updated, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		p = updated
	}
	if p.Status != "closed" {
		t.Fatalf("expected closed, got %s", p.Status)
	}
	if p.CurrentPhase != domain.PhaseF9 {
		t.Fatalf("closed project should stay at F9, got %s", p.CurrentPhase)
	}
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err == nil {
		t.Fatalf("expected error advancing closed project")
	}
}

func TestChecklistIncompletenessNeverBlocks(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.fulfillPhase(t, p.ID)
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// now at F2, which carries a mandatory checklist item for this typology
	env.fulfillPhase(t, p.ID)
	gate, err := env.Engine.CanAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gate.Checklist.MissingMandatory) == 0 {
		t.Fatalf("expected missing mandatory checklist items")
	}
	if !gate.Allowed {
		t.Fatalf("checklist must not block, reasons %v", gate.BlockingReasons)
	}
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("advance with incomplete checklist: %v", err)
	}
}

func TestChecklistItemTypologyMismatch(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	if _, err := env.Engine.SatisfyChecklistItem(env.Ctx, p.ID, "IMF_F2_01", "tester"); err == nil {
		t.Fatalf("expected typology mismatch error")
	}
	if _, err := env.Engine.SatisfyChecklistItem(env.Ctx, p.ID, "NOPE_01", "tester"); err == nil {
		t.Fatalf("expected unknown item error")
	}
	if _, err := env.Engine.SatisfyChecklistItem(env.Ctx, p.ID, "DSW_F2_01", "tester"); err != nil {
		t.Fatalf("satisfy own item: %v", err)
	}
}

func TestRiskClassBoundaries(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
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
		_, class, err := env.Engine.SetRiskScore(env.Ctx, p.ID, tc.score, "tester")
		if err != nil {
			t.Fatalf("set score %d: %v", tc.score, err)
		}
		if class != tc.want {
			t.Fatalf("score %d: expected %s, got %s", tc.score, tc.want, class)
		}
	}
	if _, _, err := env.Engine.SetRiskScore(env.Ctx, p.ID, 101, "tester"); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestHumanReviewTriggers(t *testing.T) {
	env := newTestEnv(t)

	// intra-group fees always require a human regardless of score
	imf, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{
		Typology: "INTRAGRUPO_MANAGEMENT_FEE",
		Amount:   100000,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	verdict, class, err := env.Engine.HumanReview(env.Ctx, imf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Required {
		t.Fatalf("IMF project should require review")
	}
	if class != domain.RiskMandatory {
		t.Fatalf("inherent risk 70 should classify MANDATORY, got %s", class)
	}

	// EFOS-listed related party fires multiple independent triggers
	flagged, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{
		Typology: "DESARROLLO_SOFTWARE",
		Amount:   6000000,
		ActorID:  "tester",
		Counterparty: &engine.CounterpartyInput{
			Name:         "Grupo Fantasma SA",
			Relationship: domain.RelRelated,
			EFOSListed:   true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	verdict, _, err = env.Engine.HumanReview(env.Ctx, flagged.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(verdict.Reasons) < 3 {
		t.Fatalf("expected amount, related-party and EFOS reasons, got %v", verdict.Reasons)
	}

	// clean low-amount project needs nothing
	clean, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{
		Typology: "DESARROLLO_SOFTWARE",
		Amount:   100000,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	verdict, _, _ = env.Engine.HumanReview(env.Ctx, clean.ID)
	if verdict.Required {
		t.Fatalf("clean project should not require review: %v", verdict.Reasons)
	}
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	stale, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.SetRiskScore(env.Ctx, p.ID, 50, "tester"); err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.Description = "stale write"
	err = env.Engine.Repo.UpdateProjectTx(env.Ctx, tx, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestUnknownTypologyAndAgentRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, engine.ProjectCreateOptions{
		Typology: "OUTSOURCING_NOMINA",
		ActorID:  "tester",
	}); err == nil {
		t.Fatalf("expected unknown typology error")
	}
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
		ProjectID: p.ID, AgentID: "astrology", Decision: domain.DecisionApprove, SubmittedBy: "tester",
	}); err == nil {
		t.Fatalf("expected unknown agent error")
	}
	if _, err := env.Engine.SubmitOpinion(env.Ctx, engine.OpinionOptions{
		ProjectID: p.ID, AgentID: "strategy", Decision: "MAYBE", SubmittedBy: "tester",
	}); err == nil {
		t.Fatalf("expected invalid decision error")
	}
	if _, err := env.Engine.SetDocument(env.Ctx, p.ID, "carta_astral", true, "tester"); err == nil {
		t.Fatalf("expected unknown document type error")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)
	if _, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE project_id=?`, p.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		rows.Scan(&typ)
		types[typ] = true
	}
	for _, want := range []string{"project.created", "opinion.submitted", "document.updated", "phase.advanced"} {
		if !types[want] {
			t.Fatalf("expected event %s, got %v", want, types)
		}
	}
}

func TestDocumentUnsetReblocksGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	env.fulfillPhase(t, p.ID)

	gate, err := env.Engine.CanAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gate.Allowed {
		t.Fatalf("gate should pass after fulfillment: %v", gate.BlockingReasons)
	}

	if _, err := env.Engine.SetDocument(env.Ctx, p.ID, "solicitud_servicio", false, "tester"); err != nil {
		t.Fatalf("unset document: %v", err)
	}
	gate, err = env.Engine.CanAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gate.Allowed {
		t.Fatalf("gate should block after document removal")
	}
	found := false
	for _, reason := range gate.BlockingReasons {
		if reason == "missing document: solicitud_servicio" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing document reason, got %v", gate.BlockingReasons)
	}
}

func TestSendBackKeepsEarlierCompletionIntact(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	for p.CurrentPhase != domain.PhaseF6 {
		env.fulfillPhase(t, p.ID)
		updated, _, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
		if err != nil {
			t.Fatalf("advance from %s: %v", p.CurrentPhase, err)
		}
		p = updated
	}

	updated, err := env.Engine.SendBack(env.Ctx, p.ID, domain.PhaseF3, "rework", "tester")
	if err != nil {
		t.Fatalf("send back: %v", err)
	}
	if updated.CurrentPhase != domain.PhaseF3 {
		t.Fatalf("expected F3, got %s", updated.CurrentPhase)
	}
	statuses, err := env.Engine.Repo.ListPhaseStatuses(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ps := range statuses {
		idx := domain.PhaseIndex(ps.Phase)
		switch {
		case idx <= domain.PhaseIndex(domain.PhaseF3):
			if ps.State != domain.PhaseComplete || ps.ClosureType != domain.ClosureNormal || ps.CompletedAt == nil {
				t.Fatalf("%s completion should stay intact: %+v", ps.Phase, ps)
			}
		case idx <= domain.PhaseIndex(domain.PhaseF6):
			if ps.State != domain.PhasePending || ps.ClosureType != "" || ps.CompletedAt != nil {
				t.Fatalf("%s should be reset: %+v", ps.Phase, ps)
			}
		}
	}
}

type reviewerStub struct {
	id       string
	decision domain.Decision
	err      error
	seen     *agent.Context
}

func (s *reviewerStub) ID() string { return s.id }

func (s *reviewerStub) ProduceOpinion(_ context.Context, in agent.Context) (domain.AgentOpinion, error) {
	if s.seen != nil {
		*s.seen = in
	}
	if s.err != nil {
		return domain.AgentOpinion{}, s.err
	}
	return domain.AgentOpinion{Decision: s.decision, Justification: "automated review"}, nil
}

func TestRequestOpinionRecordsAgentDecision(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "DESARROLLO_SOFTWARE")
	if _, err := env.Engine.SetDocument(env.Ctx, p.ID, "solicitud_servicio", true, "tester"); err != nil {
		t.Fatal(err)
	}

	var seen agent.Context
	stub := &reviewerStub{id: "strategy", decision: domain.DecisionApprove, seen: &seen}
	op, err := env.Engine.RequestOpinion(env.Ctx, stub, p.ID, "tester")
	if err != nil {
		t.Fatalf("request opinion: %v", err)
	}
	if op.AgentID != "strategy" || op.Decision != domain.DecisionApprove || op.Phase != domain.PhaseF0 {
		t.Fatalf("recorded opinion: %+v", op)
	}
	if seen.Phase != domain.PhaseF0 || seen.Project.ID != p.ID {
		t.Fatalf("agent snapshot: %+v", seen)
	}
	if len(seen.Documents) == 0 {
		t.Fatalf("agent should see document flags")
	}

	gate, err := env.Engine.CanAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gate.Allowed {
		t.Fatalf("agent approval should satisfy the gate, reasons %v", gate.BlockingReasons)
	}

	failing := &reviewerStub{id: "strategy", err: errors.New("model unavailable")}
	if _, err := env.Engine.RequestOpinion(env.Ctx, failing, p.ID, "tester"); err == nil {
		t.Fatalf("agent failure should surface")
	} else if !strings.Contains(err.Error(), "strategy") {
		t.Fatalf("error should name the agent: %v", err)
	}
	history, err := env.Engine.Repo.ListOpinions(env.Ctx, repo.OpinionFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("failed request must not record an opinion, got %d rows", len(history))
	}
}
