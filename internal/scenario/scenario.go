// Package scenario loads the roleplay scenario catalogue: the customer
// personas, reply guidelines and few-shot utterances a trainee can practise
// against.
//
// A catalogue directory holds an index.json listing the scenario files and a
// default id. Every scenario file is validated against an embedded JSON schema
// when it is loaded.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Speaker labels used in scenario utterances.
const (
	SpeakerSales          = "営業"
	SpeakerCustomer       = "顧客"
	SpeakerCustomerLegacy = "お客様"
)

// SNSStatus describes how the customer currently runs social media.
type SNSStatus struct {
	Status          string   `json:"status,omitempty"`
	VideoProduction string   `json:"video_production,omitempty"`
	Instagram       string   `json:"instagram,omitempty"`
	TikTok          string   `json:"tiktok,omitempty"`
	Challenges      []string `json:"challenges,omitempty"`
}

// Persona is the customer role the model plays.
type Persona struct {
	VariationName    string     `json:"variation_name,omitempty"`
	CustomerRole     string     `json:"customer_role,omitempty"`
	BusinessDetail   string     `json:"business_detail,omitempty"`
	Tone             string     `json:"tone,omitempty"`
	Relationship     string     `json:"relationship,omitempty"`
	KnowledgeLevel   string     `json:"knowledge_level,omitempty"`
	DecisionPower    string     `json:"decision_power,omitempty"`
	CurrentSNSStatus *SNSStatus `json:"current_sns_status,omitempty"`
	PainPoints       []string   `json:"pain_points,omitempty"`
	BudgetSense      string     `json:"budget_sense,omitempty"`
}

// Utterance is one line of a scenario's sample conversation.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Scenario is one practice setting.
type Scenario struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	Voice             string      `json:"voice,omitempty"`
	Persona           Persona     `json:"persona"`
	PersonaVariations []Persona   `json:"persona_variations,omitempty"`
	Guidelines        []string    `json:"guidelines,omitempty"`
	Utterances        []Utterance `json:"utterances,omitempty"`
}

// ActivePersona returns the persona used for prompting. The first variation
// replaces the base persona so a conversation stays consistent.
func (s *Scenario) ActivePersona() Persona {
	if len(s.PersonaVariations) > 0 {
		return s.PersonaVariations[0]
	}
	return s.Persona
}

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "roleplay://scenario.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("scenario: add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("scenario: compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Parse validates raw against the scenario schema and decodes it.
func Parse(raw []byte) (*Scenario, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("scenario: validate: %w", err)
	}
	var s Scenario
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	return &s, nil
}
