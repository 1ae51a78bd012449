// Package rag implements the retrieval-augmented context pipeline: turning
// roleplay transcripts into passages, embedding them into a similarity index,
// and retrieving scenario-scoped examples for a live conversation.
package rag

import "strings"

// Role is the speaker role of an utterance.
type Role string

const (
	RoleSales    Role = "sales"
	RoleCustomer Role = "customer"
)

// Label returns the Japanese speaker label used in passage and prompt text.
func (r Role) Label() string {
	switch r {
	case RoleSales:
		return "営業"
	case RoleCustomer:
		return "顧客"
	default:
		return string(r)
	}
}

// ParseRole maps a speaker label or speaker type to a Role. The legacy
// label "お客様" is treated as a customer. Unknown labels return "".
func ParseRole(s string) Role {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "営業", "sales", "salesperson":
		return RoleSales
	case "顧客", "お客様", "customer", "client":
		return RoleCustomer
	default:
		return ""
	}
}

// Utterance is one speaker turn of a transcript.
type Utterance struct {
	Role  Role
	Text  string
	Start float64
	End   float64
}

// Transcript is an ordered list of utterances from one recorded roleplay.
type Transcript struct {
	SourceFile string
	ScenarioID string
	Utterances []Utterance
}

// Scenario ids with special meaning.
const (
	// ScenarioUnscoped marks passages whose source could not be matched to a
	// scenario. They are searchable but never selected by a scenario filter.
	ScenarioUnscoped = "unscoped"

	// ScenarioUnknown is a legacy tag for unresolvable sources. It is invalid:
	// such passages are excluded from queries and removed by Rebuild.
	ScenarioUnknown = "unknown"
)

// ValidScenario reports whether a passage with this scenario id may be served.
func ValidScenario(id string) bool {
	return id != "" && id != ScenarioUnknown
}

// PatternType is the kind of example a passage represents.
type PatternType string

const (
	TypeGeneral           PatternType = "general"
	TypeGoodQuestion      PatternType = "good_question"
	TypeObjectionHandling PatternType = "objection_handling"
	TypeClosing           PatternType = "closing"
	TypeCustomerResponse  PatternType = "customer_response"
)

// Label returns the heading used for this pattern type in prompts.
func (t PatternType) Label() string {
	switch t {
	case TypeGoodQuestion:
		return "良い質問例"
	case TypeObjectionHandling:
		return "異論処理例"
	case TypeClosing:
		return "クロージング例"
	default:
		return "実例"
	}
}

// Passage is the metadata record stored next to every vector in the index.
type Passage struct {
	Text         string      `json:"text"`
	ScenarioID   string      `json:"scenario_id"`
	Type         PatternType `json:"type"`
	SourceFile   string      `json:"source_file,omitempty"`
	SpeakerType  string      `json:"speaker_type,omitempty"`
	StartTime    float64     `json:"start_time,omitempty"`
	EndTime      float64     `json:"end_time,omitempty"`
	SegmentCount int         `json:"segment_count,omitempty"`
	Scene        string      `json:"scene,omitempty"`
	Topics       []string    `json:"topics,omitempty"`
	Position     float64     `json:"position,omitempty"`
}
