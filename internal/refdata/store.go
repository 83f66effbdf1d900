package refdata

import (
	"errors"
	"sort"

	"revisaria/internal/config"
	"revisaria/internal/domain"
)

// ErrNotFound signals absence of a reference-data key. Callers treat it as
// "no data available", not as a crash condition.
var ErrNotFound = errors.New("reference data not found")

type DocumentDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Mandatory   bool   `json:"mandatory"`
}

type PhaseDefinition struct {
	ID                 domain.Phase         `json:"id"`
	Ordinal            int                  `json:"ordinal"`
	Name               string               `json:"name"`
	Objective          string               `json:"objective,omitempty"`
	HardGate           bool                 `json:"hard_gate"`
	RequiredAgents     []string             `json:"required_agents,omitempty"`
	RequiredDocuments  []DocumentDescriptor `json:"required_documents,omitempty"`
	AdvanceCondition   string               `json:"advance_condition,omitempty"`
	BlockingConditions []string             `json:"blocking_conditions,omitempty"`
}

type ChecklistItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
	Role        string `json:"role,omitempty"`
	Acceptance  string `json:"acceptance,omitempty"`
	GoodExample string `json:"good_example,omitempty"`
	BadExample  string `json:"bad_example,omitempty"`
}

type TypologyMetadata struct {
	ID                  string   `json:"id"`
	Code                string   `json:"code"`
	Name                string   `json:"name"`
	InherentRisk        int      `json:"inherent_risk"`
	AlwaysRequiresHuman bool     `json:"always_requires_human"`
	AlertList           []string `json:"alert_list,omitempty"`
}

type Thresholds struct {
	HumanReviewAmount       int64
	MandatoryRiskScore      int
	DiscretionaryRiskScore  int
	FirstTimeProviderAmount int64
}

type itemLocation struct {
	typology string
	phase    domain.Phase
}

// Store holds the frozen reference data: phase definitions, per-typology
// checklists and risk metadata, and review thresholds. Built once from
// config at startup, never mutated, safe for concurrent reads.
type Store struct {
	phases     map[domain.Phase]PhaseDefinition
	checklists map[string]map[domain.Phase][]ChecklistItem
	typologies map[string]TypologyMetadata
	items      map[string]ChecklistItem
	locations  map[string]itemLocation
	thresholds Thresholds
	agents     []string
}

// New builds a Store from validated config.
func New(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		phases:     make(map[domain.Phase]PhaseDefinition, len(cfg.Phases)),
		checklists: make(map[string]map[domain.Phase][]ChecklistItem, len(cfg.Typologies)),
		typologies: make(map[string]TypologyMetadata, len(cfg.Typologies)),
		items:      map[string]ChecklistItem{},
		locations:  map[string]itemLocation{},
		thresholds: Thresholds{
			HumanReviewAmount:       cfg.Thresholds.HumanReviewAmount,
			MandatoryRiskScore:      cfg.Thresholds.MandatoryRiskScore,
			DiscretionaryRiskScore:  cfg.Thresholds.DiscretionaryRiskScore,
			FirstTimeProviderAmount: cfg.Thresholds.FirstTimeProviderAmount,
		},
	}
	for i, ph := range cfg.Phases {
		def := PhaseDefinition{
			ID:                 domain.Phase(ph.ID),
			Ordinal:            i,
			Name:               ph.Name,
			Objective:          ph.Objective,
			HardGate:           ph.HardGate,
			RequiredAgents:     append([]string(nil), ph.RequiredAgents...),
			AdvanceCondition:   ph.AdvanceCondition,
			BlockingConditions: append([]string(nil), ph.BlockingConditions...),
		}
		for _, doc := range ph.RequiredDocuments {
			def.RequiredDocuments = append(def.RequiredDocuments, DocumentDescriptor{
				Name:        doc.Name,
				Description: doc.Description,
				Mandatory:   doc.Mandatory,
			})
		}
		s.phases[def.ID] = def
	}
	for name, ty := range cfg.Typologies {
		s.typologies[name] = TypologyMetadata{
			ID:                  name,
			Code:                ty.Code,
			Name:                ty.Name,
			InherentRisk:        ty.InherentRisk,
			AlwaysRequiresHuman: ty.AlwaysRequiresHuman,
			AlertList:           append([]string(nil), ty.AlertList...),
		}
		byPhase := map[domain.Phase][]ChecklistItem{}
		for phaseID, items := range ty.Checklists {
			phase := domain.Phase(phaseID)
			for _, item := range items {
				ci := ChecklistItem{
					ID:          item.ID,
					Description: item.Description,
					Mandatory:   item.Mandatory,
					Role:        item.Role,
					Acceptance:  item.Acceptance,
					GoodExample: item.GoodExample,
					BadExample:  item.BadExample,
				}
				byPhase[phase] = append(byPhase[phase], ci)
				s.items[ci.ID] = ci
				s.locations[ci.ID] = itemLocation{typology: name, phase: phase}
			}
			sort.Slice(byPhase[phase], func(i, j int) bool { return byPhase[phase][i].ID < byPhase[phase][j].ID })
		}
		s.checklists[name] = byPhase
	}
	for agentID := range cfg.Agents.Catalog {
		s.agents = append(s.agents, agentID)
	}
	sort.Strings(s.agents)
	return s, nil
}

// PhaseDefinition returns the definition for a phase.
func (s *Store) PhaseDefinition(p domain.Phase) (PhaseDefinition, error) {
	def, ok := s.phases[p]
	if !ok {
		return PhaseDefinition{}, ErrNotFound
	}
	return def, nil
}

// Phases returns all phase definitions in workflow order.
func (s *Store) Phases() []PhaseDefinition {
	out := make([]PhaseDefinition, 0, len(domain.PhaseOrder))
	for _, p := range domain.PhaseOrder {
		if def, ok := s.phases[p]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Checklist returns the items for (typology, phase), sorted by ID for
// deterministic report generation. A typology without items for the phase
// yields an empty list, not an error; an unknown typology yields ErrNotFound.
func (s *Store) Checklist(typology string, p domain.Phase) ([]ChecklistItem, error) {
	byPhase, ok := s.checklists[typology]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]ChecklistItem(nil), byPhase[p]...), nil
}

// TypologyMetadata returns risk metadata for a typology.
func (s *Store) TypologyMetadata(typology string) (TypologyMetadata, error) {
	meta, ok := s.typologies[typology]
	if !ok {
		return TypologyMetadata{}, ErrNotFound
	}
	return meta, nil
}

// Typologies returns typology IDs in sorted order.
func (s *Store) Typologies() []string {
	out := make([]string, 0, len(s.typologies))
	for name := range s.typologies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FindChecklistItem resolves a globally unique item ID to its definition and
// owning (typology, phase).
func (s *Store) FindChecklistItem(id string) (ChecklistItem, string, domain.Phase, error) {
	item, ok := s.items[id]
	if !ok {
		return ChecklistItem{}, "", "", ErrNotFound
	}
	loc := s.locations[id]
	return item, loc.typology, loc.phase, nil
}

// Thresholds returns the configured human-review thresholds.
func (s *Store) Thresholds() Thresholds { return s.thresholds }

// Agents returns the agent catalog IDs in sorted order.
func (s *Store) Agents() []string { return append([]string(nil), s.agents...) }

// KnownAgent reports whether id is in the agent catalog.
func (s *Store) KnownAgent(id string) bool {
	for _, a := range s.agents {
		if a == id {
			return true
		}
	}
	return false
}
