package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Tier is the seniority level a definition declares.
type Tier string

const (
	TierExecutive Tier = "executive"
	TierDirector  Tier = "director"
	TierManager   Tier = "manager"
	TierSpecialist Tier = "specialist"
)

// DefinitionStatus is the lifecycle stage of an AgentDefinition.
type DefinitionStatus string

const (
	StatusActive     DefinitionStatus = "active"
	StatusBeta       DefinitionStatus = "beta"
	StatusDeprecated DefinitionStatus = "deprecated"
)

// Tool is a declared capability binding inside the header's tools list.
type Tool struct {
	Name        string
	Description string
	Required    bool
}

// Definition is an immutable snapshot parsed from one agent definition
// document (metadata header + free-form system-prompt body). (id, version)
// is unique within a registry snapshot.
type Definition struct {
	ID                 string
	Name               string
	Role               string
	Tier               Tier
	Category           string
	Capabilities       []string
	Tools              []Tool
	Tags               []string
	SystemPrompt       string
	ModelPreference    string
	Temperature        float64
	MaxContextTokens   int
	CostPerInteraction float64
	Dependencies       []string
	Version            string
	Status             DefinitionStatus
	ContentHash        string
}

var genericCapabilityTokens = map[string]bool{
	"helps users":     true,
	"assists":         true,
	"does things":     true,
	"general purpose": true,
	"various tasks":   true,
}

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Validate enforces the spec's §4.1 validation rules against the parsed
// fields, independent of where they came from.
func (d *Definition) Validate(knownTools map[string]bool) error {
	if d.ID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidDefinition)
	}
	if d.Name == "" || d.Role == "" || d.Category == "" {
		return fmt.Errorf("%w: name, role and category are required", ErrInvalidDefinition)
	}
	switch d.Tier {
	case TierExecutive, TierDirector, TierManager, TierSpecialist:
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidDefinition, d.Tier)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must be non-empty", ErrInvalidDefinition)
	}
	for _, c := range d.Capabilities {
		if genericCapabilityTokens[strings.ToLower(strings.TrimSpace(c))] {
			return fmt.Errorf("%w: capability %q is too vague", ErrInvalidDefinition, c)
		}
	}
	n := len(d.SystemPrompt)
	if n < 50 || n > 5000 {
		return fmt.Errorf("%w: system prompt must be 50..5000 chars, got %d", ErrInvalidDefinition, n)
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if !semverRe.MatchString(d.Version) {
		return fmt.Errorf("%w: version %q is not a parseable semver", ErrInvalidDefinition, d.Version)
	}
	if knownTools != nil {
		for _, t := range d.Tools {
			if !knownTools[t.Name] {
				return fmt.Errorf("%w: unknown tool %q", ErrInvalidDefinition, t.Name)
			}
		}
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.MaxContextTokens == 0 {
		d.MaxContextTokens = 8000
	}
	if d.Temperature == 0 {
		d.Temperature = 0.7
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0,2]", ErrInvalidDefinition)
	}
	d.ContentHash = hashContent(d)
	return nil
}

func hashContent(d *Definition) string {
	h := sha256.New()
	h.Write([]byte(d.ID))
	h.Write([]byte(d.Version))
	h.Write([]byte(d.SystemPrompt))
	h.Write([]byte(d.ModelPreference))
	for _, c := range d.Capabilities {
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}
