// Package prompt assembles the chat messages sent to the language model for
// one customer turn.
//
// The system prompt is an ordered list of labelled sections: the base
// persona instructions, the scenario's persona and reply guidelines, and the
// examples retrieved from real roleplays. It is converted to provider
// messages only at the call boundary, by [Assembly.ToMessages] or
// [Assembly.Request].
package prompt

import (
	_ "embed"
	"strings"

	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/types"
)

// DefaultBase is the built-in persona instruction that opens every system
// prompt.
//
//go:embed base.txt
var DefaultBase string

// Section labels.
const (
	LabelScenario   = "シナリオ設定"
	LabelGuidelines = "返答ガイドライン"
	LabelExamples   = "⭐ 重要：実際のロープレパターン（必ず活用すること）"
	LabelPatterns   = "過去の実例パターン（実際のロープレから抽出）"
)

// Section is one labelled block of the system prompt.
type Section struct {
	Label string
	Body  string
}

// Assembly is the complete input for one completion call.
type Assembly struct {
	// Base opens the system prompt.
	Base string

	// Sections follow Base in order. Each renders as "\n\n【label】\n" + body.
	Sections []Section

	// FewShot holds sample exchanges placed before the history.
	FewShot []types.Message

	// History is the conversation so far, already mapped to chat roles.
	History []types.Message

	// Message is the salesperson's current utterance.
	Message string
}

// Add appends a section. Blank bodies are dropped.
func (a *Assembly) Add(label, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	a.Sections = append(a.Sections, Section{Label: label, Body: body})
}

// Has reports whether a section with label is present.
func (a *Assembly) Has(label string) bool {
	for _, s := range a.Sections {
		if s.Label == label {
			return true
		}
	}
	return false
}

// System renders the system prompt.
func (a *Assembly) System() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(a.Base, "\n"))
	for _, s := range a.Sections {
		sb.WriteString("\n\n【")
		sb.WriteString(s.Label)
		sb.WriteString("】\n")
		sb.WriteString(s.Body)
	}
	return sb.String()
}

// ToMessages returns the system message followed by the few-shot examples,
// the history and the current message.
func (a *Assembly) ToMessages() []types.Message {
	msgs := make([]types.Message, 0, 2+len(a.FewShot)+len(a.History))
	msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: a.System()})
	msgs = append(msgs, a.conversation()...)
	return msgs
}

// Params are the sampling settings of a completion call.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Streaming and unary reply defaults.
var (
	StreamParams = Params{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 1000}
	ReplyParams  = Params{Model: "gpt-4o", Temperature: 0.9, MaxTokens: 300}
)

// Request converts the assembly into an LLM request.
func (a *Assembly) Request(p Params) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: a.System(),
		Messages:     a.conversation(),
		Model:        p.Model,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}
}

func (a *Assembly) conversation() []types.Message {
	msgs := make([]types.Message, 0, 1+len(a.FewShot)+len(a.History))
	msgs = append(msgs, a.FewShot...)
	msgs = append(msgs, a.History...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: a.Message})
	return msgs
}
