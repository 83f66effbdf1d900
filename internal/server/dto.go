package server

import (
	"encoding/json"

	"revisaria/internal/domain"
)

// Request payloads

type CounterpartyRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	RFC          *string `json:"rfc,omitempty"`
	Relationship *string `json:"relationship,omitempty" enum:"INDEPENDENT_THIRD_PARTY,RELATED_PARTY,INTRAGROUP"`
	EFOSListed   *bool   `json:"efos_listed,omitempty"`
	FirstTime    *bool   `json:"first_time,omitempty"`
}

type CreateProjectRequest struct {
	ID           *string              `json:"id,omitempty"`
	Typology     string               `json:"typology"`
	Amount       int64                `json:"amount"`
	Description  *string              `json:"description,omitempty"`
	Counterparty *CounterpartyRequest `json:"counterparty,omitempty"`
}

type SubmitOpinionRequest struct {
	AgentID       string         `json:"agent_id"`
	Phase         *string        `json:"phase,omitempty"`
	Decision      string         `json:"decision" enum:"APPROVE,APPROVE_WITH_CONDITIONS,REQUEST_CHANGES,REJECT"`
	Justification string         `json:"justification"`
	Scores        map[string]any `json:"scores,omitempty"`
}

type SetDocumentRequest struct {
	Present bool `json:"present"`
}

type SendBackRequest struct {
	TargetPhase string `json:"target_phase"`
	Reason      string `json:"reason"`
}

type RecordExceptionRequest struct {
	Phase         *string  `json:"phase,omitempty"`
	Responsible   string   `json:"responsible"`
	Justification string   `json:"justification"`
	AcceptedRisks []string `json:"accepted_risks,omitempty"`
}

type SetRiskScoreRequest struct {
	Score int `json:"score" minimum:"0" maximum:"100"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type OpinionAuthorityRequest struct {
	AgentID string `json:"agent_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID             string `json:"id"`
	Typology       string `json:"typology"`
	Amount         int64  `json:"amount"`
	CurrentPhase   string `json:"current_phase"`
	RiskScore      int    `json:"risk_score"`
	RiskClass      string `json:"risk_class" enum:"AUTOMATED,DISCRETIONARY,MANDATORY"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Status         string `json:"status" enum:"active,suspended,closed"`
	Description    string `json:"description,omitempty"`
	Version        int    `json:"version"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type OpinionResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	AgentID       string         `json:"agent_id"`
	Phase         string         `json:"phase"`
	Decision      string         `json:"decision" enum:"APPROVE,APPROVE_WITH_CONDITIONS,REQUEST_CHANGES,REJECT"`
	Justification string         `json:"justification,omitempty"`
	Scores        map[string]any `json:"scores,omitempty"`
	SubmittedBy   string         `json:"submitted_by"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type ExceptionResponse struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Phase         string   `json:"phase"`
	Responsible   string   `json:"responsible"`
	Justification string   `json:"justification"`
	AcceptedRisks []string `json:"accepted_risks"`
	Signed        bool     `json:"signed"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type HumanReviewResponse struct {
	ProjectID string   `json:"project_id"`
	Required  bool     `json:"required"`
	Reasons   []string `json:"reasons"`
	RiskClass string   `json:"risk_class" enum:"AUTOMATED,DISCRETIONARY,MANDATORY"`
}

type WhoAmIResponse struct {
	ActorID       string   `json:"actor_id"`
	FirmID        string   `json:"firm_id,omitempty"`
	Roles         []string `json:"roles"`
	Permissions   []string `json:"permissions"`
	OpinionAgents []string `json:"opinion_agents"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project, class domain.RiskClass) ProjectResponse {
	return ProjectResponse{
		ID:             p.ID,
		Typology:       p.Typology,
		Amount:         p.Amount,
		CurrentPhase:   string(p.CurrentPhase),
		RiskScore:      p.RiskScore,
		RiskClass:      string(class),
		CounterpartyID: p.CounterpartyID,
		Status:         p.Status,
		Description:    p.Description,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func opinionResponse(op domain.AgentOpinion) OpinionResponse {
	return OpinionResponse{
		ID:            op.ID,
		ProjectID:     op.ProjectID,
		AgentID:       op.AgentID,
		Phase:         string(op.Phase),
		Decision:      string(op.Decision),
		Justification: op.Justification,
		Scores:        decodeJSONMap(op.ScoresJSON),
		SubmittedBy:   op.SubmittedBy,
		CreatedAt:     op.CreatedAt,
	}
}

func mapOpinions(items []domain.AgentOpinion) []OpinionResponse {
	res := make([]OpinionResponse, 0, len(items))
	for _, op := range items {
		res = append(res, opinionResponse(op))
	}
	return res
}

func exceptionResponse(rec domain.ExceptionRecord) ExceptionResponse {
	return ExceptionResponse{
		ID:            rec.ID,
		ProjectID:     rec.ProjectID,
		Phase:         string(rec.Phase),
		Responsible:   rec.Responsible,
		Justification: rec.Justification,
		AcceptedRisks: nonNilSlice(rec.AcceptedRisks),
		Signed:        rec.Signed,
		CreatedAt:     rec.CreatedAt,
	}
}

func mapExceptions(items []domain.ExceptionRecord) []ExceptionResponse {
	res := make([]ExceptionResponse, 0, len(items))
	for _, rec := range items {
		res = append(res, exceptionResponse(rec))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeJSONMap(in map[string]any) string {
	if len(in) == 0 {
		return ""
	}
	b, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return string(b)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
