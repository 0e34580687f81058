package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ArtifactKind string

const (
	KindFunctional    ArtifactKind = "functional"
	KindNonFunctional ArtifactKind = "non_functional"
	KindCompliance    ArtifactKind = "compliance"
)

type Provenance string

const (
	GeneratedByAI     Provenance = "ai"
	GeneratedByManual Provenance = "manual"
)

func (p Provenance) Valid() bool {
	return p == GeneratedByAI || p == GeneratedByManual
}

// ArtifactDescription is the structured body of a generated test case. The
// set of implementations is closed: FunctionalDescription,
// NonFunctionalDescription and ComplianceDescription.
type ArtifactDescription interface {
	Kind() ArtifactKind
	Validate() error
	isArtifactDescription()
}

type TestStep struct {
	Action   string `json:"action"`
	Expected string `json:"expected,omitempty"`
}

type FunctionalDescription struct {
	Preconditions  []string   `json:"preconditions,omitempty"`
	Steps          []TestStep `json:"steps"`
	ExpectedResult string     `json:"expected_result"`
}

type NonFunctionalDescription struct {
	Category  string     `json:"category" enum:"performance,security,usability,reliability,scalability,compatibility"`
	Scenario  string     `json:"scenario"`
	Metric    string     `json:"metric,omitempty"`
	Threshold string     `json:"threshold,omitempty"`
	Steps     []TestStep `json:"steps,omitempty"`
}

type ComplianceDescription struct {
	Framework   ComplianceFramework `json:"framework"`
	Clause      string              `json:"clause,omitempty"`
	Requirement string              `json:"requirement"`
	Steps       []TestStep          `json:"steps,omitempty"`
	Evidence    string              `json:"evidence,omitempty"`
}

func (FunctionalDescription) Kind() ArtifactKind    { return KindFunctional }
func (NonFunctionalDescription) Kind() ArtifactKind { return KindNonFunctional }
func (ComplianceDescription) Kind() ArtifactKind    { return KindCompliance }

func (FunctionalDescription) isArtifactDescription()    {}
func (NonFunctionalDescription) isArtifactDescription() {}
func (ComplianceDescription) isArtifactDescription()    {}

func (d FunctionalDescription) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("functional description requires at least one step")
	}
	if err := validateSteps(d.Steps); err != nil {
		return err
	}
	if strings.TrimSpace(d.ExpectedResult) == "" {
		return errors.New("functional description requires expected_result")
	}
	return nil
}

var nonFunctionalCategories = map[string]bool{
	"performance":   true,
	"security":      true,
	"usability":     true,
	"reliability":   true,
	"scalability":   true,
	"compatibility": true,
}

func (d NonFunctionalDescription) Validate() error {
	if !nonFunctionalCategories[d.Category] {
		return fmt.Errorf("invalid non-functional category %q", d.Category)
	}
	if strings.TrimSpace(d.Scenario) == "" {
		return errors.New("non-functional description requires scenario")
	}
	return validateSteps(d.Steps)
}

func (d ComplianceDescription) Validate() error {
	if !d.Framework.Valid() {
		return fmt.Errorf("invalid compliance framework %q", d.Framework)
	}
	if strings.TrimSpace(d.Requirement) == "" {
		return errors.New("compliance description requires requirement")
	}
	return validateSteps(d.Steps)
}

func validateSteps(steps []TestStep) error {
	for i, s := range steps {
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("step %d requires action", i+1)
		}
	}
	return nil
}

// DescriptionEnvelope is the serialized form of an ArtifactDescription: a
// kind tag plus exactly one populated variant.
type DescriptionEnvelope struct {
	Kind          ArtifactKind              `json:"kind" enum:"functional,non_functional,compliance"`
	Functional    *FunctionalDescription    `json:"functional,omitempty"`
	NonFunctional *NonFunctionalDescription `json:"non_functional,omitempty"`
	Compliance    *ComplianceDescription    `json:"compliance,omitempty"`
}

// Envelope wraps a description for storage or transport.
func Envelope(d ArtifactDescription) DescriptionEnvelope {
	switch v := d.(type) {
	case FunctionalDescription:
		return DescriptionEnvelope{Kind: KindFunctional, Functional: &v}
	case NonFunctionalDescription:
		return DescriptionEnvelope{Kind: KindNonFunctional, NonFunctional: &v}
	case ComplianceDescription:
		return DescriptionEnvelope{Kind: KindCompliance, Compliance: &v}
	default:
		return DescriptionEnvelope{}
	}
}

// Decode returns the variant named by Kind. A missing or mismatched payload is an error.
func (e DescriptionEnvelope) Decode() (ArtifactDescription, error) {
	switch e.Kind {
	case KindFunctional:
		if e.Functional == nil {
			return nil, errors.New("description kind functional requires functional payload")
		}
		return *e.Functional, nil
	case KindNonFunctional:
		if e.NonFunctional == nil {
			return nil, errors.New("description kind non_functional requires non_functional payload")
		}
		return *e.NonFunctional, nil
	case KindCompliance:
		if e.Compliance == nil {
			return nil, errors.New("description kind compliance requires compliance payload")
		}
		return *e.Compliance, nil
	default:
		return nil, fmt.Errorf("invalid description kind %q", e.Kind)
	}
}

func MarshalDescription(d ArtifactDescription) ([]byte, error) {
	if d == nil {
		return nil, errors.New("description is required")
	}
	return json.Marshal(Envelope(d))
}

func UnmarshalDescription(data []byte) (ArtifactDescription, error) {
	var env DescriptionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}
	return env.Decode()
}

// ArtifactDraft is artifact content before it is attached to a work item.
type ArtifactDraft struct {
	Summary     string
	Description ArtifactDescription
}

type GeneratedArtifact struct {
	ID          string
	WorkItemID  string
	Summary     string
	Description ArtifactDescription
	GeneratedBy Provenance
	LinkedTo    string
	ModifiedBy  string
	CreatedAt   string
	UpdatedAt   string
}

type generatedArtifactJSON struct {
	ID          string              `json:"id"`
	WorkItemID  string              `json:"work_item_id"`
	Summary     string              `json:"summary"`
	Description DescriptionEnvelope `json:"description"`
	GeneratedBy Provenance          `json:"generated_by"`
	LinkedTo    string              `json:"linked_to,omitempty"`
	ModifiedBy  string              `json:"modified_by,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
}

func (a GeneratedArtifact) MarshalJSON() ([]byte, error) {
	return json.Marshal(generatedArtifactJSON{
		ID:          a.ID,
		WorkItemID:  a.WorkItemID,
		Summary:     a.Summary,
		Description: Envelope(a.Description),
		GeneratedBy: a.GeneratedBy,
		LinkedTo:    a.LinkedTo,
		ModifiedBy:  a.ModifiedBy,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	})
}

func (a *GeneratedArtifact) UnmarshalJSON(data []byte) error {
	var raw generatedArtifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	desc, err := raw.Description.Decode()
	if err != nil {
		return err
	}
	*a = GeneratedArtifact{
		ID:          raw.ID,
		WorkItemID:  raw.WorkItemID,
		Summary:     raw.Summary,
		Description: desc,
		GeneratedBy: raw.GeneratedBy,
		LinkedTo:    raw.LinkedTo,
		ModifiedBy:  raw.ModifiedBy,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}

// PlainText renders a description as human-readable text, used when pushing
// artifacts to the external system and for exports.
func PlainText(d ArtifactDescription) string {
	var b strings.Builder
	writeSteps := func(steps []TestStep) {
		for i, s := range steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s.Action)
			if s.Expected != "" {
				fmt.Fprintf(&b, "   Expected: %s\n", s.Expected)
			}
		}
	}
	switch v := d.(type) {
	case FunctionalDescription:
		if len(v.Preconditions) > 0 {
			b.WriteString("Preconditions:\n")
			for _, p := range v.Preconditions {
				fmt.Fprintf(&b, "- %s\n", p)
			}
		}
		b.WriteString("Steps:\n")
		writeSteps(v.Steps)
		fmt.Fprintf(&b, "Expected result: %s\n", v.ExpectedResult)
	case NonFunctionalDescription:
		fmt.Fprintf(&b, "Category: %s\nScenario: %s\n", v.Category, v.Scenario)
		if v.Metric != "" {
			fmt.Fprintf(&b, "Metric: %s\n", v.Metric)
		}
		if v.Threshold != "" {
			fmt.Fprintf(&b, "Threshold: %s\n", v.Threshold)
		}
		if len(v.Steps) > 0 {
			b.WriteString("Steps:\n")
			writeSteps(v.Steps)
		}
	case ComplianceDescription:
		fmt.Fprintf(&b, "Framework: %s\n", v.Framework)
		if v.Clause != "" {
			fmt.Fprintf(&b, "Clause: %s\n", v.Clause)
		}
		fmt.Fprintf(&b, "Requirement: %s\n", v.Requirement)
		if len(v.Steps) > 0 {
			b.WriteString("Steps:\n")
			writeSteps(v.Steps)
		}
		if v.Evidence != "" {
			fmt.Fprintf(&b, "Evidence: %s\n", v.Evidence)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
