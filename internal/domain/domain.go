package domain

// Phase identifies one stage of the F0-F9 approval workflow.
type Phase string

const (
	PhaseF0 Phase = "F0"
	PhaseF1 Phase = "F1"
	PhaseF2 Phase = "F2"
	PhaseF3 Phase = "F3"
	PhaseF4 Phase = "F4"
	PhaseF5 Phase = "F5"
	PhaseF6 Phase = "F6"
	PhaseF7 Phase = "F7"
	PhaseF8 Phase = "F8"
	PhaseF9 Phase = "F9"
)

// PhaseOrder is the canonical workflow sequence. Gate logic navigates by
// index, never by string comparison.
var PhaseOrder = [...]Phase{
	PhaseF0, PhaseF1, PhaseF2, PhaseF3, PhaseF4,
	PhaseF5, PhaseF6, PhaseF7, PhaseF8, PhaseF9,
}

// PhaseIndex returns the ordinal of p, or -1 if p is not a known phase.
func PhaseIndex(p Phase) int {
	for i, candidate := range PhaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase after p, or "" when p is last or unknown.
func NextPhase(p Phase) Phase {
	idx := PhaseIndex(p)
	if idx < 0 || idx+1 >= len(PhaseOrder) {
		return ""
	}
	return PhaseOrder[idx+1]
}

// PrevPhase returns the phase before p, or "" when p is first or unknown.
func PrevPhase(p Phase) Phase {
	idx := PhaseIndex(p)
	if idx <= 0 {
		return ""
	}
	return PhaseOrder[idx-1]
}

// Decision is an agent's verdict for a project at a phase.
type Decision string

const (
	DecisionApprove               Decision = "APPROVE"
	DecisionApproveWithConditions Decision = "APPROVE_WITH_CONDITIONS"
	DecisionRequestChanges        Decision = "REQUEST_CHANGES"
	DecisionReject                Decision = "REJECT"
)

// ValidDecision reports whether d is one of the four recognized decisions.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionApprove, DecisionApproveWithConditions, DecisionRequestChanges, DecisionReject:
		return true
	}
	return false
}

// RiskClass buckets a 0-100 risk score for human-review routing.
type RiskClass string

const (
	RiskAutomated     RiskClass = "AUTOMATED"
	RiskDiscretionary RiskClass = "DISCRETIONARY"
	RiskMandatory     RiskClass = "MANDATORY"
)

// ClosureType records how a completed phase was closed.
type ClosureType string

const (
	ClosureNormal    ClosureType = "NORMAL"
	ClosureException ClosureType = "EXCEPTION"
)

// PhaseState is the per-phase progress marker.
type PhaseState string

const (
	PhasePending    PhaseState = "PENDING"
	PhaseInProgress PhaseState = "IN_PROGRESS"
	PhaseComplete   PhaseState = "COMPLETE"
)

// Relationship classifies a counterparty with respect to the company.
type Relationship string

const (
	RelIndependent Relationship = "INDEPENDENT_THIRD_PARTY"
	RelRelated     Relationship = "RELATED_PARTY"
	RelIntragroup  Relationship = "INTRAGROUP"
)

type Project struct {
	ID             string `json:"id"`
	Typology       string `json:"typology"`
	Amount         int64  `json:"amount"`
	CurrentPhase   Phase  `json:"current_phase"`
	RiskScore      int    `json:"risk_score"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Status         string `json:"status" enum:"active,suspended,closed"`
	Description    string `json:"description,omitempty"`
	Version        int    `json:"version"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type PhaseStatus struct {
	ProjectID   string      `json:"project_id"`
	Phase       Phase       `json:"phase"`
	State       PhaseState  `json:"state" enum:"PENDING,IN_PROGRESS,COMPLETE"`
	ClosureType ClosureType `json:"closure_type,omitempty" enum:"NORMAL,EXCEPTION"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

// AgentOpinion rows are append-only; the newest row per (agent, phase) is the
// current opinion, older rows remain retrievable for audit.
type AgentOpinion struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	AgentID       string   `json:"agent_id"`
	Phase         Phase    `json:"phase"`
	Decision      Decision `json:"decision" enum:"APPROVE,APPROVE_WITH_CONDITIONS,REQUEST_CHANGES,REJECT"`
	Justification string   `json:"justification,omitempty"`
	ScoresJSON    *string  `json:"scores_json,omitempty"`
	SubmittedBy   string   `json:"submitted_by"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type DocumentFlag struct {
	ProjectID    string `json:"project_id"`
	DocumentType string `json:"document_type"`
	Present      bool   `json:"present"`
	UpdatedBy    string `json:"updated_by"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type ChecklistMark struct {
	ProjectID   string `json:"project_id"`
	ItemID      string `json:"item_id"`
	SatisfiedBy string `json:"satisfied_by"`
	SatisfiedAt string `json:"satisfied_at" format:"date-time"`
}

// ExceptionRecord is the human-signed override for a gate. Immutable once
// written; there is no update or delete path.
type ExceptionRecord struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Phase         Phase    `json:"phase"`
	Responsible   string   `json:"responsible"`
	Justification string   `json:"justification"`
	AcceptedRisks []string `json:"accepted_risks,omitempty"`
	Signed        bool     `json:"signed"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type Counterparty struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	RFC          string       `json:"rfc,omitempty"`
	Relationship Relationship `json:"relationship" enum:"INDEPENDENT_THIRD_PARTY,RELATED_PARTY,INTRAGROUP"`
	EFOSListed   bool         `json:"efos_listed"`
	FirstTime    bool         `json:"first_time"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
