package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"revisaria/internal/domain"
)

// Config models revisaria.yml, the reference-data file for the phase-gate
// workflow: phase definitions, per-typology checklists, review thresholds,
// the agent catalog, and RBAC. Loaded once and treated as immutable.
type Config struct {
	Firm struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"firm"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Agents     struct {
		Catalog map[string]AgentConfig `yaml:"catalog"`
	} `yaml:"agents"`
	Phases     []PhaseConfig             `yaml:"phases"`
	Typologies map[string]TypologyConfig `yaml:"typologies"`
	RBAC       struct {
		Roles              map[string]RBACRole `yaml:"roles"`
		OpinionAuthorities map[string][]string `yaml:"opinion_authorities"`
		ExceptionSigners   []string            `yaml:"exception_signers"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ThresholdConfig struct {
	HumanReviewAmount       int64 `yaml:"human_review_amount"`
	MandatoryRiskScore      int   `yaml:"mandatory_risk_score"`
	DiscretionaryRiskScore  int   `yaml:"discretionary_risk_score"`
	FirstTimeProviderAmount int64 `yaml:"first_time_provider_amount"`
}

type AgentConfig struct {
	Description string `yaml:"description"`
}

type PhaseConfig struct {
	ID                 string           `yaml:"id"`
	Name               string           `yaml:"name"`
	Objective          string           `yaml:"objective"`
	HardGate           bool             `yaml:"hard_gate"`
	RequiredAgents     []string         `yaml:"required_agents"`
	RequiredDocuments  []DocumentConfig `yaml:"required_documents"`
	AdvanceCondition   string           `yaml:"advance_condition"`
	BlockingConditions []string         `yaml:"blocking_conditions"`
}

type DocumentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Mandatory   bool   `yaml:"mandatory"`
}

type TypologyConfig struct {
	Code                string                           `yaml:"code"`
	Name                string                           `yaml:"name"`
	InherentRisk        int                              `yaml:"inherent_risk"`
	AlwaysRequiresHuman bool                             `yaml:"always_requires_human"`
	AlertList           []string                         `yaml:"alert_list"`
	Checklists          map[string][]ChecklistItemConfig `yaml:"checklists"`
}

type ChecklistItemConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Mandatory   bool   `yaml:"mandatory"`
	Role        string `yaml:"role"`
	Acceptance  string `yaml:"acceptance"`
	GoodExample string `yaml:"good_example"`
	BadExample  string `yaml:"bad_example"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rv config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "revisaria.yml")
}

// Validate ensures the reference data meets required structure.
func (c *Config) Validate() error {
	if c.Firm.ID == "" {
		return fmt.Errorf("config.firm.id is required")
	}
	t := c.Thresholds
	if t.HumanReviewAmount <= 0 {
		return fmt.Errorf("config.thresholds.human_review_amount must be positive")
	}
	if t.FirstTimeProviderAmount <= 0 {
		return fmt.Errorf("config.thresholds.first_time_provider_amount must be positive")
	}
	if t.DiscretionaryRiskScore <= 0 || t.MandatoryRiskScore <= t.DiscretionaryRiskScore {
		return fmt.Errorf("config.thresholds risk scores must satisfy 0 < discretionary < mandatory")
	}
	if len(c.Agents.Catalog) == 0 {
		return fmt.Errorf("config.agents.catalog is required")
	}
	if len(c.Phases) != len(domain.PhaseOrder) {
		return fmt.Errorf("config.phases must define all %d phases, got %d", len(domain.PhaseOrder), len(c.Phases))
	}
	for i, ph := range c.Phases {
		if domain.Phase(ph.ID) != domain.PhaseOrder[i] {
			return fmt.Errorf("config.phases[%d] must be %s, got %s", i, domain.PhaseOrder[i], ph.ID)
		}
		if ph.Name == "" {
			return fmt.Errorf("phase %s has no name", ph.ID)
		}
		for _, agentID := range ph.RequiredAgents {
			if _, ok := c.Agents.Catalog[agentID]; !ok {
				return fmt.Errorf("phase %s requires unknown agent %s", ph.ID, agentID)
			}
		}
		for _, doc := range ph.RequiredDocuments {
			if doc.Name == "" {
				return fmt.Errorf("phase %s has a required document with empty name", ph.ID)
			}
		}
	}
	seenItems := map[string]string{}
	for name, ty := range c.Typologies {
		if ty.Code == "" {
			return fmt.Errorf("typology %s has no code", name)
		}
		if ty.InherentRisk < 0 || ty.InherentRisk > 100 {
			return fmt.Errorf("typology %s inherent_risk must be 0-100", name)
		}
		for phaseID, items := range ty.Checklists {
			if domain.PhaseIndex(domain.Phase(phaseID)) < 0 {
				return fmt.Errorf("typology %s has checklist for unknown phase %s", name, phaseID)
			}
			for _, item := range items {
				if item.ID == "" {
					return fmt.Errorf("typology %s phase %s has checklist item with empty id", name, phaseID)
				}
				if prev, dup := seenItems[item.ID]; dup {
					return fmt.Errorf("checklist item id %s duplicated (%s and %s/%s)", item.ID, prev, name, phaseID)
				}
				seenItems[item.ID] = name + "/" + phaseID
				if item.Role != "" {
					if _, ok := c.Agents.Catalog[item.Role]; !ok {
						return fmt.Errorf("checklist item %s references unknown role %s", item.ID, item.Role)
					}
				}
			}
		}
	}
	for agentID, roles := range c.RBAC.OpinionAuthorities {
		if _, ok := c.Agents.Catalog[agentID]; !ok {
			return fmt.Errorf("rbac.opinion_authorities references unknown agent %s", agentID)
		}
		for _, roleID := range roles {
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("opinion authority for %s references unknown role %s", agentID, roleID)
				}
			}
		}
	}
	for _, roleID := range c.RBAC.ExceptionSigners {
		if len(c.RBAC.Roles) > 0 {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("rbac.exception_signers references unknown role %s", roleID)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for a firm.
func GenerateDefault(firmID string) string {
	return fmt.Sprintf(defaultTemplate, firmID)
}

// Default returns the built-in reference data for a firm.
func Default(firmID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(firmID)), &cfg)
	cfg.Firm.ID = firmID
	return &cfg
}
