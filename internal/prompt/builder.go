package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Limits applied while assembling prompts.
const (
	HistoryLimit       = 10
	FewShotLimit       = 8
	MaxExamples        = 7
	maxListItems       = 5
	maxExampleRunes    = 300
	maxCandidateRunes  = 500
	customerLinePrefix = "顧客:"
)

const examplesPreamble = "以下は実際の顧客の応答例です。これらの口調、表現、フィラー（「えーと」「あのー」「そうですね...」など）、間（「...」）を積極的に使って応答してください。\n" +
	"**同じような状況では、これらのパターンのような自然でリアルな話し方を必ず真似してください：**\n\n"

const examplesNotes = "\n\n【応答時の注意】\n" +
	"- 上記のパターンと同じような口調・言い回しを使うこと\n" +
	"- フィラー（「えーと」「あのー」「そうですね...」）を適度に入れること\n" +
	"- 間（「...」）を使って考えている様子を表現すること\n" +
	"- 一般的な回答ではなく、具体的でリアルな表現を心がけること"

const patternsPreamble = "以下のような実際の会話パターンを参考に、自然でリアルな応答をしてください：\n"

// ExampleStyle selects how retrieved passages are rendered.
type ExampleStyle int

const (
	// CustomerLines keeps only the customer's lines of each passage. Used by
	// the streaming reply.
	CustomerLines ExampleStyle = iota

	// TypedPatterns renders each passage with its pattern label. Used by the
	// unary reply.
	TypedPatterns
)

// Input is everything needed to assemble one turn.
type Input struct {
	Scenario *scenario.Scenario
	History  []rag.Turn
	Message  string
	Examples []rag.Hit
	Style    ExampleStyle

	// FewShot adds the scenario's sample utterances as prior exchanges.
	FewShot bool
}

// Builder assembles prompts around a fixed base instruction.
type Builder struct {
	base string
}

// NewBuilder returns a Builder. An empty base uses DefaultBase.
func NewBuilder(base string) *Builder {
	if strings.TrimSpace(base) == "" {
		base = DefaultBase
	}
	return &Builder{base: base}
}

// Build assembles the prompt for in.
func (b *Builder) Build(in Input) *Assembly {
	a := &Assembly{Base: b.base, Message: in.Message}
	if s := in.Scenario; s != nil {
		a.Add(LabelScenario, bulletList(PersonaLines(s.ActivePersona())))
		a.Add(LabelGuidelines, bulletList(s.Guidelines))
		if in.FewShot {
			a.FewShot = FewShotMessages(s.Utterances, FewShotLimit)
		}
	}
	switch in.Style {
	case TypedPatterns:
		if ex := PatternExamples(in.Examples, MaxExamples); len(ex) > 0 {
			a.Add(LabelPatterns, patternsPreamble+strings.Join(ex, "\n"))
		}
	default:
		if ex := CustomerExamples(in.Examples, MaxExamples); len(ex) > 0 {
			a.Add(LabelExamples, examplesPreamble+strings.Join(ex, "\n")+examplesNotes)
		}
	}
	a.History = HistoryMessages(in.History, HistoryLimit)
	return a
}

// PersonaLines renders the persona fields that are set, in a fixed order.
// Nested lists are capped at five entries.
func PersonaLines(p scenario.Persona) []string {
	var lines []string
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("顧客役", p.CustomerRole)
	add("事業詳細", p.BusinessDetail)
	add("トーン・態度", p.Tone)
	add("営業との関係性", p.Relationship)
	add("知識レベル", p.KnowledgeLevel)
	add("意思決定権", p.DecisionPower)

	if st := p.CurrentSNSStatus; st != nil {
		lines = append(lines, "現在のSNS運用状況:")
		sub := func(label, v string) {
			if v != "" {
				lines = append(lines, "  - "+label+": "+v)
			}
		}
		sub("状況", st.Status)
		sub("動画制作", st.VideoProduction)
		sub("Instagram", st.Instagram)
		sub("TikTok", st.TikTok)
		if len(st.Challenges) > 0 {
			lines = append(lines, "  - 具体的な課題:")
			for _, c := range head(st.Challenges, maxListItems) {
				lines = append(lines, "    • "+c)
			}
		}
	}
	if len(p.PainPoints) > 0 {
		lines = append(lines, "ペインポイント:")
		for _, pp := range head(p.PainPoints, maxListItems) {
			lines = append(lines, "  • "+pp)
		}
	}
	add("予算感", p.BudgetSense)
	return lines
}

// CustomerExamples renders up to limit passages as customer-only examples.
// Passages of 500 runes or more are skipped. Each example keeps the lines
// starting with "顧客:", truncated to 300 runes. A customer-response passage
// holds a single bare customer line and is used whole; any other passage
// without customer lines is skipped.
func CustomerExamples(hits []rag.Hit, limit int) []string {
	var out []string
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		if h.Text == "" || runeLen(h.Text) >= maxCandidateRunes {
			continue
		}
		var lines []string
		for _, l := range strings.Split(h.Text, "\n") {
			if l = strings.TrimSpace(l); strings.HasPrefix(l, customerLinePrefix) {
				lines = append(lines, l)
			}
		}
		var text string
		switch {
		case len(lines) > 0:
			text = strings.Join(lines, "\n")
		case h.Type == rag.TypeCustomerResponse:
			text = h.Text
		default:
			continue
		}
		out = append(out, "- "+truncate(text, maxExampleRunes))
	}
	return out
}

// PatternExamples renders up to limit passages as "- [label] text", each
// truncated to 300 runes.
func PatternExamples(hits []rag.Hit, limit int) []string {
	var out []string
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		if h.Text == "" {
			continue
		}
		out = append(out, fmt.Sprintf("- [%s] %s", h.Type.Label(), truncate(h.Text, maxExampleRunes)))
	}
	return out
}

// HistoryMessages maps the last limit turns to chat roles: the salesperson is
// the user and the customer is the assistant. Turns by other speakers are
// dropped.
func HistoryMessages(history []rag.Turn, limit int) []types.Message {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	var out []types.Message
	for _, t := range history {
		if role, ok := chatRole(t.Speaker); ok {
			out = append(out, types.Message{Role: role, Content: t.Text})
		}
	}
	return out
}

// FewShotMessages maps the first limit scenario utterances to chat roles,
// skipping empty lines.
func FewShotMessages(utts []scenario.Utterance, limit int) []types.Message {
	var out []types.Message
	for _, u := range head(utts, limit) {
		if u.Text == "" {
			continue
		}
		if role, ok := chatRole(u.Speaker); ok {
			out = append(out, types.Message{Role: role, Content: u.Text})
		}
	}
	return out
}

func chatRole(speaker string) (string, bool) {
	switch rag.ParseRole(speaker) {
	case rag.RoleSales:
		return types.RoleUser, true
	case rag.RoleCustomer:
		return types.RoleAssistant, true
	default:
		return "", false
	}
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func runeLen(s string) int { return len([]rune(s)) }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
