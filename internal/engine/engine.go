package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"revisaria/internal/agent"
	"revisaria/internal/checklist"
	"revisaria/internal/config"
	"revisaria/internal/domain"
	"revisaria/internal/engine/auth"
	"revisaria/internal/events"
	"revisaria/internal/opinions"
	"revisaria/internal/policy"
	"revisaria/internal/refdata"
	"revisaria/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Ref    *refdata.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	ref, err := refdata.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Ref:    ref,
		Config: cfg,
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GateBlockedError is returned when an advance is attempted against a gate
// that is not satisfied and no exception covers it.
type GateBlockedError struct {
	Phase   domain.Phase
	Reasons []string
}

func (e GateBlockedError) Error() string {
	return fmt.Sprintf("phase %s gate blocked: %s", e.Phase, strings.Join(e.Reasons, "; "))
}

// CounterpartyInput describes a counterparty to register alongside a project.
type CounterpartyInput struct {
	ID           string
	Name         string
	RFC          string
	Relationship domain.Relationship
	EFOSListed   bool
	FirstTime    bool
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID           string
	Typology     string
	Amount       int64
	Description  string
	Counterparty *CounterpartyInput
	ActorID      string
}

// InitProject creates a project at F0 with one phase_statuses row per phase.
// The risk score starts at the typology's inherent risk.
func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	meta, err := e.Ref.TypologyMetadata(opts.Typology)
	if err != nil {
		return domain.Project{}, fmt.Errorf("unknown typology %s", opts.Typology)
	}
	if opts.Amount < 0 {
		return domain.Project{}, errors.New("amount must not be negative")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureFirm(ctx, tx, e.Config.Firm.ID, e.Config.Firm.Name, now); err != nil {
		return domain.Project{}, err
	}
	var counterpartyID string
	if opts.Counterparty != nil {
		cp := domain.Counterparty{
			ID:           opts.Counterparty.ID,
			Name:         opts.Counterparty.Name,
			RFC:          opts.Counterparty.RFC,
			Relationship: opts.Counterparty.Relationship,
			EFOSListed:   opts.Counterparty.EFOSListed,
			FirstTime:    opts.Counterparty.FirstTime,
			CreatedAt:    now,
		}
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		if cp.Relationship == "" {
			cp.Relationship = domain.RelIndependent
		}
		if _, err := e.Repo.GetCounterpartyTx(ctx, tx, cp.ID); err == repo.ErrNotFound {
			if err := e.Repo.InsertCounterpartyTx(ctx, tx, cp); err != nil {
				return domain.Project{}, fmt.Errorf("insert counterparty: %w", err)
			}
		} else if err != nil {
			return domain.Project{}, err
		}
		counterpartyID = cp.ID
	}

	p := domain.Project{
		ID:             id,
		Typology:       opts.Typology,
		Amount:         opts.Amount,
		CurrentPhase:   domain.PhaseF0,
		RiskScore:      meta.InherentRisk,
		CounterpartyID: counterpartyID,
		Status:         "active",
		Description:    opts.Description,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, e.Config.Firm.ID, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, phase := range domain.PhaseOrder {
		ps := domain.PhaseStatus{ProjectID: p.ID, Phase: phase, State: domain.PhasePending}
		if phase == domain.PhaseF0 {
			ps.State = domain.PhaseInProgress
		}
		if err := e.Repo.InsertPhaseStatusTx(ctx, tx, ps); err != nil {
			return domain.Project{}, fmt.Errorf("insert phase status: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"typology":   p.Typology,
		"amount":     p.Amount,
		"risk_score": p.RiskScore,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// OpinionOptions are parameters for submitting an agent opinion.
type OpinionOptions struct {
	ProjectID     string
	AgentID       string
	Phase         domain.Phase
	Decision      domain.Decision
	Justification string
	ScoresJSON    string
	SubmittedBy   string
}

// SubmitOpinion appends an opinion for (agent, phase). Resubmitting replaces
// the effective opinion without erasing the earlier one.
func (e Engine) SubmitOpinion(ctx context.Context, opts OpinionOptions) (domain.AgentOpinion, error) {
	if !domain.ValidDecision(opts.Decision) {
		return domain.AgentOpinion{}, fmt.Errorf("invalid decision %s", opts.Decision)
	}
	if !e.Ref.KnownAgent(opts.AgentID) {
		return domain.AgentOpinion{}, fmt.Errorf("unknown agent %s", opts.AgentID)
	}
	if opts.ScoresJSON != "" {
		if err := validateJSON(opts.ScoresJSON); err != nil {
			return domain.AgentOpinion{}, fmt.Errorf("scores json: %w", err)
		}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.AgentOpinion{}, err
	}
	phase := opts.Phase
	if phase == "" {
		phase = p.CurrentPhase
	}
	if domain.PhaseIndex(phase) < 0 {
		return domain.AgentOpinion{}, fmt.Errorf("unknown phase %s", phase)
	}
	op := domain.AgentOpinion{
		ID:            uuid.New().String(),
		ProjectID:     p.ID,
		AgentID:       opts.AgentID,
		Phase:         phase,
		Decision:      opts.Decision,
		Justification: opts.Justification,
		ScoresJSON:    optionalString(opts.ScoresJSON),
		SubmittedBy:   opts.SubmittedBy,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return op, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOpinionTx(ctx, tx, op); err != nil {
		return op, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeOpinionSubmitted, p.ID, "opinion", op.ID, opts.SubmittedBy, events.EventPayload{
		"agent":    op.AgentID,
		"phase":    op.Phase,
		"decision": op.Decision,
	}); err != nil {
		return op, err
	}
	if err := tx.Commit(); err != nil {
		return op, err
	}
	return op, nil
}

// RequestOpinion asks a registered agent implementation to review the
// project's current phase and records whatever it returns through
// SubmitOpinion. The agent only sees the snapshot it is handed and never
// touches storage itself.
func (e Engine) RequestOpinion(ctx context.Context, a agent.Agent, projectID, actorID string) (domain.AgentOpinion, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.AgentOpinion{}, err
	}
	snapshot := agent.Context{Project: p, Phase: p.CurrentPhase}
	if p.CounterpartyID != "" {
		cp, err := e.Repo.GetCounterparty(ctx, p.CounterpartyID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.AgentOpinion{}, err
		}
		snapshot.Counterparty = cp
	}
	if snapshot.Documents, err = e.Repo.ListDocuments(ctx, projectID); err != nil {
		return domain.AgentOpinion{}, err
	}
	marks, err := e.Repo.ListChecklistMarks(ctx, projectID)
	if err != nil {
		return domain.AgentOpinion{}, err
	}
	snapshot.Checklist = make(map[string]bool, len(marks))
	for _, m := range marks {
		snapshot.Checklist[m.ItemID] = true
	}
	if snapshot.History, err = e.Repo.ListOpinions(ctx, repo.OpinionFilters{ProjectID: projectID}); err != nil {
		return domain.AgentOpinion{}, err
	}

	op, err := a.ProduceOpinion(ctx, snapshot)
	if err != nil {
		return domain.AgentOpinion{}, fmt.Errorf("agent %s: %w", a.ID(), err)
	}
	opts := OpinionOptions{
		ProjectID:     projectID,
		AgentID:       a.ID(),
		Phase:         p.CurrentPhase,
		Decision:      op.Decision,
		Justification: op.Justification,
		SubmittedBy:   actorID,
	}
	if op.ScoresJSON != nil {
		opts.ScoresJSON = *op.ScoresJSON
	}
	return e.SubmitOpinion(ctx, opts)
}

// SetDocument records presence or absence of a required document type.
func (e Engine) SetDocument(ctx context.Context, projectID, docType string, present bool, actorID string) (domain.DocumentFlag, error) {
	if !e.knownDocumentType(docType) {
		return domain.DocumentFlag{}, fmt.Errorf("unknown document type %s", docType)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.DocumentFlag{}, err
	}
	d := domain.DocumentFlag{
		ProjectID:    p.ID,
		DocumentType: docType,
		Present:      present,
		UpdatedBy:    actorID,
		UpdatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertDocumentTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDocumentUpdated, p.ID, "document", docType, actorID, events.EventPayload{
		"document_type": docType,
		"present":       present,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

func (e Engine) knownDocumentType(docType string) bool {
	for _, def := range e.Ref.Phases() {
		for _, doc := range def.RequiredDocuments {
			if doc.Name == docType {
				return true
			}
		}
	}
	return false
}

// SatisfyChecklistItem marks an item satisfied. The item must belong to the
// project's typology; marking an already-satisfied item is a no-op.
func (e Engine) SatisfyChecklistItem(ctx context.Context, projectID, itemID, actorID string) (domain.ChecklistMark, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ChecklistMark{}, err
	}
	_, typology, phase, err := e.Ref.FindChecklistItem(itemID)
	if err != nil {
		return domain.ChecklistMark{}, fmt.Errorf("unknown checklist item %s", itemID)
	}
	if typology != p.Typology {
		return domain.ChecklistMark{}, fmt.Errorf("checklist item %s belongs to typology %s, project is %s", itemID, typology, p.Typology)
	}
	m := domain.ChecklistMark{
		ProjectID:   p.ID,
		ItemID:      itemID,
		SatisfiedBy: actorID,
		SatisfiedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertChecklistMarkTx(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeChecklistUpdated, p.ID, "checklist_item", itemID, actorID, events.EventPayload{
		"item":      itemID,
		"phase":     phase,
		"satisfied": true,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// UnsatisfyChecklistItem clears a previously satisfied item.
func (e Engine) UnsatisfyChecklistItem(ctx context.Context, projectID, itemID, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	_, _, phase, err := e.Ref.FindChecklistItem(itemID)
	if err != nil {
		return fmt.Errorf("unknown checklist item %s", itemID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteChecklistMarkTx(ctx, tx, p.ID, itemID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeChecklistUpdated, p.ID, "checklist_item", itemID, actorID, events.EventPayload{
		"item":      itemID,
		"phase":     phase,
		"satisfied": false,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRiskScore updates the project risk score (0-100) and returns the
// project with its new risk class.
func (e Engine) SetRiskScore(ctx context.Context, projectID string, score int, actorID string) (domain.Project, domain.RiskClass, error) {
	if score < 0 || score > 100 {
		return domain.Project{}, "", errors.New("risk score must be between 0 and 100")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, "", err
	}
	old := p.RiskScore
	p.RiskScore = score
	p.Version++
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return p, "", err
	}
	class := policy.Evaluator{Ref: e.Ref}.ClassifyRiskScore(score)
	if err := e.Events.Append(ctx, tx, events.TypeRiskUpdated, p.ID, "project", p.ID, actorID, events.EventPayload{
		"old_score":  old,
		"new_score":  score,
		"risk_class": class,
	}); err != nil {
		return p, "", err
	}
	if err := tx.Commit(); err != nil {
		return p, "", err
	}
	return p, class, nil
}

// HumanReview evaluates the routing policy for a project as it stands.
func (e Engine) HumanReview(ctx context.Context, projectID string) (policy.Verdict, domain.RiskClass, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return policy.Verdict{}, "", err
	}
	var cp domain.Counterparty
	if p.CounterpartyID != "" {
		cp, err = e.Repo.GetCounterparty(ctx, p.CounterpartyID)
		if err != nil {
			return policy.Verdict{}, "", err
		}
	}
	ev := policy.Evaluator{Ref: e.Ref}
	return ev.Evaluate(p, p.RiskScore, cp), ev.ClassifyRiskScore(p.RiskScore), nil
}

// GateResult is the full gate evaluation for a project's current phase.
type GateResult struct {
	ProjectID       string               `json:"project_id"`
	Phase           domain.Phase         `json:"phase"`
	HardGate        bool                 `json:"hard_gate"`
	Allowed         bool                 `json:"allowed"`
	ClosureType     domain.ClosureType   `json:"closure_type"`
	BlockingReasons []string             `json:"blocking_reasons,omitempty"`
	HasException    bool                 `json:"has_exception"`
	Checklist       checklist.Result     `json:"checklist"`
	Aggregation     opinions.Aggregation `json:"aggregation"`
	HumanReview     policy.Verdict       `json:"human_review"`
	RiskClass       domain.RiskClass     `json:"risk_class"`
}

// CanAdvance evaluates the current phase's gate without mutating anything.
// A signed exception makes the gate pass regardless of blockers; the closure
// type records which path was taken. Checklist incompleteness is reported
// but never blocks.
func (e Engine) CanAdvance(ctx context.Context, projectID string) (GateResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return GateResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return GateResult{}, err
	}
	defer tx.Rollback()
	return e.evaluateGate(ctx, tx, p)
}

func (e Engine) evaluateGate(ctx context.Context, tx *sql.Tx, p domain.Project) (GateResult, error) {
	def, err := e.Ref.PhaseDefinition(p.CurrentPhase)
	if err != nil {
		return GateResult{}, fmt.Errorf("no definition for phase %s", p.CurrentPhase)
	}
	res := GateResult{
		ProjectID: p.ID,
		Phase:     p.CurrentPhase,
		HardGate:  def.HardGate,
	}

	history, err := e.Repo.ListOpinionsTx(ctx, tx, p.ID, p.CurrentPhase)
	if err != nil {
		return res, err
	}
	latest := opinions.LatestForPhase(history, p.CurrentPhase)
	for _, agentID := range def.RequiredAgents {
		op, ok := latest[agentID]
		if !ok {
			res.BlockingReasons = append(res.BlockingReasons, fmt.Sprintf("missing opinion from %s", agentID))
			continue
		}
		if op.Decision == domain.DecisionReject {
			res.BlockingReasons = append(res.BlockingReasons, fmt.Sprintf("%s rejected", agentID))
		}
	}

	present, err := e.Repo.PresentDocumentsTx(ctx, tx, p.ID)
	if err != nil {
		return res, err
	}
	for _, doc := range def.RequiredDocuments {
		if doc.Mandatory && !present[doc.Name] {
			res.BlockingReasons = append(res.BlockingReasons, fmt.Sprintf("missing document: %s", doc.Name))
		}
	}

	res.HasException, err = e.Repo.HasExceptionTx(ctx, tx, p.ID, p.CurrentPhase)
	if err != nil {
		return res, err
	}
	res.Allowed = len(res.BlockingReasons) == 0 || res.HasException
	res.ClosureType = domain.ClosureNormal
	if len(res.BlockingReasons) > 0 && res.HasException {
		res.ClosureType = domain.ClosureException
	}

	satisfied, err := e.Repo.SatisfiedItemsTx(ctx, tx, p.ID)
	if err != nil {
		return res, err
	}
	res.Checklist, err = checklist.Evaluator{Ref: e.Ref}.Evaluate(p.Typology, p.CurrentPhase, satisfied)
	if err != nil {
		return res, err
	}

	var cp domain.Counterparty
	if p.CounterpartyID != "" {
		cp, err = e.Repo.GetCounterpartyTx(ctx, tx, p.CounterpartyID)
		if err != nil {
			return res, err
		}
	}
	ev := policy.Evaluator{Ref: e.Ref}
	res.HumanReview = ev.Evaluate(p, p.RiskScore, cp)
	res.RiskClass = ev.ClassifyRiskScore(p.RiskScore)

	res.Aggregation = opinions.Aggregate(opinions.Input{
		Phase:          p.CurrentPhase,
		RequiredAgents: def.RequiredAgents,
		History:        history,
		HardGate:       def.HardGate,
		HasException:   res.HasException,
		HumanReview:    res.HumanReview.Required,
		HumanReasons:   res.HumanReview.Reasons,
	})
	return res, nil
}

// Advance moves the project exactly one phase forward. The whole evaluation
// and mutation happens in one transaction; a blocked gate leaves no trace
// except the error.
func (e Engine) Advance(ctx context.Context, projectID, actorID string) (domain.Project, GateResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, GateResult{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, GateResult{}, err
	}
	if p.Status != "active" {
		return p, GateResult{}, fmt.Errorf("project %s is %s", p.ID, p.Status)
	}
	gate, err := e.evaluateGate(ctx, tx, p)
	if err != nil {
		return p, gate, err
	}
	if !gate.Allowed {
		return p, gate, GateBlockedError{Phase: p.CurrentPhase, Reasons: gate.BlockingReasons}
	}

	now := e.now().UTC().Format(time.RFC3339)
	current, err := e.Repo.GetPhaseStatusTx(ctx, tx, p.ID, p.CurrentPhase)
	if err != nil {
		return p, gate, err
	}
	current.State = domain.PhaseComplete
	current.ClosureType = gate.ClosureType
	current.CompletedAt = &now
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, current); err != nil {
		return p, gate, err
	}

	from := p.CurrentPhase
	next := domain.NextPhase(p.CurrentPhase)
	if next == "" {
		p.Status = "closed"
	} else {
		ns, err := e.Repo.GetPhaseStatusTx(ctx, tx, p.ID, next)
		if err != nil {
			return p, gate, err
		}
		ns.State = domain.PhaseInProgress
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, ns); err != nil {
			return p, gate, err
		}
		p.CurrentPhase = next
	}
	p.Version++
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return p, gate, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseAdvanced, p.ID, "phase", string(from), actorID, events.EventPayload{
		"from":         from,
		"to":           p.CurrentPhase,
		"closure_type": gate.ClosureType,
		"status":       p.Status,
	}); err != nil {
		return p, gate, err
	}
	if err := tx.Commit(); err != nil {
		return p, gate, err
	}
	return p, gate, nil
}

// SendBack returns the project to an earlier phase. Phases after the target
// are reset to PENDING; the target phase keeps its prior completion record,
// and opinions, documents, checklist marks and exceptions are untouched so
// the audit trail survives the rework loop.
func (e Engine) SendBack(ctx context.Context, projectID string, target domain.Phase, reason, actorID string) (domain.Project, error) {
	targetIdx := domain.PhaseIndex(target)
	if targetIdx < 0 {
		return domain.Project{}, fmt.Errorf("unknown phase %s", target)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != "active" {
		return p, fmt.Errorf("project %s is %s", p.ID, p.Status)
	}
	currentIdx := domain.PhaseIndex(p.CurrentPhase)
	if targetIdx >= currentIdx {
		return p, fmt.Errorf("send-back target %s must precede current phase %s", target, p.CurrentPhase)
	}

	now := e.now().UTC().Format(time.RFC3339)
	for i := targetIdx + 1; i <= currentIdx; i++ {
		phase := domain.PhaseOrder[i]
		ps, err := e.Repo.GetPhaseStatusTx(ctx, tx, p.ID, phase)
		if err != nil {
			return p, err
		}
		ps.State = domain.PhasePending
		ps.ClosureType = ""
		ps.CompletedAt = nil
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, ps); err != nil {
			return p, err
		}
	}
	from := p.CurrentPhase
	p.CurrentPhase = target
	p.Version++
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseSentBack, p.ID, "phase", string(target), actorID, events.EventPayload{
		"from":   from,
		"to":     target,
		"reason": reason,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// ExceptionOptions are parameters for recording a gate exception.
type ExceptionOptions struct {
	ProjectID     string
	Phase         domain.Phase
	Responsible   string
	Justification string
	AcceptedRisks []string
	ActorID       string
}

// RecordException writes a signed override for a phase gate. Recording never
// fails on gate state; the record simply changes the gate outcome.
func (e Engine) RecordException(ctx context.Context, opts ExceptionOptions) (domain.ExceptionRecord, error) {
	if opts.Responsible == "" {
		return domain.ExceptionRecord{}, errors.New("responsible is required")
	}
	if opts.Justification == "" {
		return domain.ExceptionRecord{}, errors.New("justification is required")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.ExceptionRecord{}, err
	}
	phase := opts.Phase
	if phase == "" {
		phase = p.CurrentPhase
	}
	if domain.PhaseIndex(phase) < 0 {
		return domain.ExceptionRecord{}, fmt.Errorf("unknown phase %s", phase)
	}
	rec := domain.ExceptionRecord{
		ID:            uuid.New().String(),
		ProjectID:     p.ID,
		Phase:         phase,
		Responsible:   opts.Responsible,
		Justification: opts.Justification,
		AcceptedRisks: opts.AcceptedRisks,
		Signed:        true,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExceptionTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeExceptionRecorded, p.ID, "exception", rec.ID, opts.ActorID, events.EventPayload{
		"phase":       phase,
		"responsible": rec.Responsible,
	}); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// AggregateOpinions returns the consolidated multi-agent view for a phase.
func (e Engine) AggregateOpinions(ctx context.Context, projectID string, phase domain.Phase) (opinions.Aggregation, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return opinions.Aggregation{}, err
	}
	if phase == "" {
		phase = p.CurrentPhase
	}
	def, err := e.Ref.PhaseDefinition(phase)
	if err != nil {
		return opinions.Aggregation{}, fmt.Errorf("no definition for phase %s", phase)
	}
	history, err := e.Repo.ListOpinions(ctx, repo.OpinionFilters{ProjectID: p.ID, Phase: phase})
	if err != nil {
		return opinions.Aggregation{}, err
	}
	hasException, err := e.Repo.HasException(ctx, p.ID, phase)
	if err != nil {
		return opinions.Aggregation{}, err
	}
	verdict, _, err := e.HumanReview(ctx, projectID)
	if err != nil {
		return opinions.Aggregation{}, err
	}
	return opinions.Aggregate(opinions.Input{
		Phase:          phase,
		RequiredAgents: def.RequiredAgents,
		History:        history,
		HardGate:       def.HardGate,
		HasException:   hasException,
		HumanReview:    verdict.Required,
		HumanReasons:   verdict.Reasons,
	}), nil
}

// ChecklistStatus evaluates checklist completion for a phase of a project.
func (e Engine) ChecklistStatus(ctx context.Context, projectID string, phase domain.Phase) (checklist.Result, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return checklist.Result{}, err
	}
	if phase == "" {
		phase = p.CurrentPhase
	}
	satisfied, err := e.Repo.SatisfiedItems(ctx, p.ID)
	if err != nil {
		return checklist.Result{}, err
	}
	return checklist.Evaluator{Ref: e.Ref}.Evaluate(p.Typology, phase, satisfied)
}

// ProjectSummary is the full status view of a project.
type ProjectSummary struct {
	Project      domain.Project          `json:"project"`
	Phases       []domain.PhaseStatus    `json:"phases"`
	Gate         GateResult              `json:"gate"`
	Counterparty *domain.Counterparty    `json:"counterparty,omitempty"`
	Documents    []domain.DocumentFlag   `json:"documents,omitempty"`
	Exceptions   []domain.ExceptionRecord `json:"exceptions,omitempty"`
}

// ProjectStatus assembles the project, its phase ledger and the current gate
// evaluation.
func (e Engine) ProjectStatus(ctx context.Context, projectID string) (ProjectSummary, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectSummary{}, err
	}
	var summary ProjectSummary
	summary.Project = p
	summary.Phases, err = e.Repo.ListPhaseStatuses(ctx, p.ID)
	if err != nil {
		return summary, err
	}
	summary.Gate, err = e.CanAdvance(ctx, p.ID)
	if err != nil {
		return summary, err
	}
	if p.CounterpartyID != "" {
		cp, err := e.Repo.GetCounterparty(ctx, p.CounterpartyID)
		if err != nil {
			return summary, err
		}
		summary.Counterparty = &cp
	}
	summary.Documents, err = e.Repo.ListDocuments(ctx, p.ID)
	if err != nil {
		return summary, err
	}
	summary.Exceptions, err = e.Repo.ListExceptions(ctx, p.ID)
	if err != nil {
		return summary, err
	}
	return summary, nil
}

// SeedRBAC loads the configured roles, permissions, opinion authorities and
// exception signers into the database and grants ownerActor the owner role.
func (e Engine) SeedRBAC(ctx context.Context, ownerActor string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	for agentID, roles := range e.Config.RBAC.OpinionAuthorities {
		for _, roleID := range roles {
			if err := e.Repo.AllowOpinionRole(ctx, tx, agentID, roleID); err != nil {
				return err
			}
		}
	}
	for _, roleID := range e.Config.RBAC.ExceptionSigners {
		if err := e.Repo.AllowExceptionSigner(ctx, tx, roleID); err != nil {
			return err
		}
	}
	if ownerActor != "" {
		if err := e.Repo.EnsureActor(ctx, tx, ownerActor, now); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, ownerActor, "owner"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- helpers ---

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
