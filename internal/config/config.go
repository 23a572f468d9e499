package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Safety priorities, applied by the conflict resolver per phase.
const (
	PriorityTestability = "testability"
	PriorityFidelity    = "fidelity"
	PriorityQuality     = "quality"
)

// Gate criterion kinds the phase controller knows how to evaluate.
const (
	CriterionItemsDone          = "items.done"
	CriterionProposalsSettled   = "proposals.settled"
	CriterionEscalationsCleared = "escalations.resolved"
	CriterionCatalogueApproved  = "catalogue.approved"
)

// Config models gateline.yml.
type Config struct {
	Engine struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"engine" json:"engine"`
	Phases []PhaseConfig `yaml:"phases" json:"phases"`
	Review ReviewConfig  `yaml:"review" json:"review"`
	Roles  struct {
		Catalog map[string]RoleConfig `yaml:"catalog" json:"catalog"`
	} `yaml:"roles" json:"roles"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type PhaseConfig struct {
	Ordinal        int               `yaml:"ordinal" json:"ordinal"`
	Name           string            `yaml:"name" json:"name"`
	SafetyPriority string            `yaml:"safety_priority" json:"safety_priority"`
	Reviewers      []string          `yaml:"reviewers" json:"reviewers"`
	Gate           []CriterionConfig `yaml:"gate" json:"gate"`
}

type CriterionConfig struct {
	ID          string `yaml:"id" json:"id"`
	Kind        string `yaml:"kind" json:"kind"`
	Description string `yaml:"description" json:"description"`
}

type ReviewConfig struct {
	VoteDeadlineSeconds int `yaml:"vote_deadline_seconds" json:"vote_deadline_seconds"`
	MaxVoteRetries      int `yaml:"max_vote_retries" json:"max_vote_retries"`
	MaxDebateRounds     int `yaml:"max_debate_rounds" json:"max_debate_rounds"`
	Workers             int `yaml:"workers" json:"workers"`
}

type RoleConfig struct {
	Charter string `yaml:"charter" json:"charter"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
}

var criterionKinds = map[string]bool{
	CriterionItemsDone:          true,
	CriterionProposalsSettled:   true,
	CriterionEscalationsCleared: true,
	CriterionCatalogueApproved:  true,
}

var safetyPriorities = map[string]bool{
	PriorityTestability: true,
	PriorityFidelity:    true,
	PriorityQuality:     true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Phases {
		if p.Ordinal != i+1 {
			return fmt.Errorf("phase ordinals must be sequential from 1; got %d at position %d", p.Ordinal, i)
		}
		if p.Name == "" {
			return fmt.Errorf("phase %d has no name", p.Ordinal)
		}
		if !safetyPriorities[p.SafetyPriority] {
			return fmt.Errorf("phase %d safety_priority %q unknown", p.Ordinal, p.SafetyPriority)
		}
		if len(p.Reviewers) == 0 {
			return fmt.Errorf("phase %d requires at least one reviewer role", p.Ordinal)
		}
		for _, role := range p.Reviewers {
			if _, ok := c.Roles.Catalog[role]; !ok {
				return fmt.Errorf("phase %d reviewer %q not in roles.catalog", p.Ordinal, role)
			}
		}
		if len(p.Gate) == 0 {
			return fmt.Errorf("phase %d has no gate criteria", p.Ordinal)
		}
		for _, g := range p.Gate {
			if g.ID == "" {
				return fmt.Errorf("phase %d has a gate criterion without id", p.Ordinal)
			}
			if seen[g.ID] {
				return fmt.Errorf("gate criterion id %s is not unique", g.ID)
			}
			seen[g.ID] = true
			if !criterionKinds[g.Kind] {
				return fmt.Errorf("gate criterion %s has unknown kind %q", g.ID, g.Kind)
			}
		}
	}
	if c.Review.VoteDeadlineSeconds <= 0 {
		return fmt.Errorf("config.review.vote_deadline_seconds must be positive")
	}
	if c.Review.MaxVoteRetries <= 0 {
		return fmt.Errorf("config.review.max_vote_retries must be positive")
	}
	if c.Review.MaxDebateRounds <= 0 || c.Review.MaxDebateRounds > 2 {
		return fmt.Errorf("config.review.max_debate_rounds must be 1 or 2")
	}
	if c.Review.Workers <= 0 {
		return fmt.Errorf("config.review.workers must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Phase returns the phase config for an ordinal.
func (c *Config) Phase(ordinal int) (PhaseConfig, bool) {
	for _, p := range c.Phases {
		if p.Ordinal == ordinal {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

// RequiredReviewerRoles resolves the fixed reviewer role set for a phase.
func (c *Config) RequiredReviewerRoles(ordinal int) []string {
	p, ok := c.Phase(ordinal)
	if !ok {
		return nil
	}
	out := make([]string, len(p.Reviewers))
	copy(out, p.Reviewers)
	return out
}

// SafetyPriority returns the resolver priority for a phase, defaulting to
// the conservative-only rule when the phase is unknown.
func (c *Config) SafetyPriority(ordinal int) string {
	p, ok := c.Phase(ordinal)
	if !ok {
		return ""
	}
	return p.SafetyPriority
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

// Default returns the default Config struct for an engine.
func Default(engineID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, engineID))).Decode(&cfg)
	cfg.Engine.ID = engineID
	return &cfg
}

const defaultTemplate = `engine:
  id: %s

phases:
  - ordinal: 1
    name: groundwork
    safety_priority: testability
    reviewers: [analyst, verifier]
    gate:
      - id: p1.items
        kind: items.done
        description: "All groundwork work items are done"
      - id: p1.proposals
        kind: proposals.settled
        description: "No groundwork proposal is still in flight"
      - id: p1.escalations
        kind: escalations.resolved
        description: "No pending escalation touches groundwork"

  - ordinal: 2
    name: translation
    safety_priority: fidelity
    reviewers: [analyst, architect, verifier]
    gate:
      - id: p2.items
        kind: items.done
        description: "All translation work items are done"
      - id: p2.proposals
        kind: proposals.settled
        description: "No translation proposal is still in flight"
      - id: p2.catalogue
        kind: catalogue.approved
        description: "No catalogue entry is left in draft or under review"
      - id: p2.escalations
        kind: escalations.resolved
        description: "No pending escalation touches translation"

  - ordinal: 3
    name: hardening
    safety_priority: quality
    reviewers: [architect, verifier, curator]
    gate:
      - id: p3.items
        kind: items.done
        description: "All hardening work items are done"
      - id: p3.proposals
        kind: proposals.settled
        description: "No hardening proposal is still in flight"
      - id: p3.catalogue
        kind: catalogue.approved
        description: "Every surviving catalogue entry is approved or locked"
      - id: p3.escalations
        kind: escalations.resolved
        description: "No pending escalation remains anywhere"

review:
  vote_deadline_seconds: 600
  max_vote_retries: 3
  max_debate_rounds: 2
  workers: 4

roles:
  catalog:
    analyst:
      charter: "Reads source material and proposes rule entries with cited evidence."
    architect:
      charter: "Owns structural consistency across the catalogue and flags behavioral drift."
    verifier:
      charter: "Checks every proposal against tests and gate criteria before approving."
    curator:
      charter: "Keeps the catalogue and chronicle coherent; answers export queries."
`
