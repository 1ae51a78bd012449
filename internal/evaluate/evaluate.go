// Package evaluate scores a finished practice conversation on the four
// sales skills: questioning, listening, proposing and closing.
//
// The [Evaluator] asks the language model for a rubric-based review with
// quoted strengths and improvements. When no model is configured, or its
// answer cannot be used, the keyword scoring of [Heuristic] is returned
// instead, so an evaluation never fails for provider reasons.
package evaluate

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/prompt"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/types"
)

// ErrNoSalesLines is returned when the conversation has no salesperson
// utterance to evaluate.
var ErrNoSalesLines = errors.New("evaluate: conversation has no salesperson lines")

// Source tells how an evaluation was produced.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// Flow is the conversation stage most salesperson lines belong to.
type Flow string

const (
	FlowShort             Flow = "short"
	FlowUnclassified      Flow = "unclassified"
	FlowGreeting          Flow = "greeting"
	FlowNeedsAnalysis     Flow = "needs_analysis"
	FlowProposal          Flow = "proposal"
	FlowObjectionHandling Flow = "objection_handling"
	FlowClosing           Flow = "closing"
)

// Scores are on a 0 to 5 scale. Total is the weighted mean of the four
// skills, with proposing weighted highest.
type Scores struct {
	Questioning float64 `json:"questioning"`
	Listening   float64 `json:"listening"`
	Proposing   float64 `json:"proposing"`
	Closing     float64 `json:"closing"`
	Total       float64 `json:"total"`
}

// Analysis holds the keyword counts of the salesperson's lines.
type Analysis struct {
	Questions           int  `json:"questions_count"`
	OpenQuestions       int  `json:"open_questions_count"`
	ListeningResponses  int  `json:"listening_responses_count"`
	Proposals           int  `json:"proposals_count"`
	Closings            int  `json:"closings_count"`
	PositiveExpressions int  `json:"positive_expressions"`
	NegativeExpressions int  `json:"negative_expressions"`
	ConversationFlow    Flow `json:"conversation_flow"`

	// FlowSummary is the model's own description of the conversation flow.
	FlowSummary string `json:"flow_summary,omitempty"`
}

// Evaluation is the review of one conversation.
type Evaluation struct {
	Scores       Scores   `json:"scores"`
	Overall      string   `json:"overall"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`

	// Comments and Suggestions are only set by the keyword scoring.
	Comments    []string `json:"comments,omitempty"`
	Suggestions []string `json:"improvement_suggestions,omitempty"`

	TotalUtterances int      `json:"total_utterances"`
	Analysis        Analysis `json:"analysis"`
	Source          Source   `json:"source"`
}

// Input is one evaluation request.
type Input struct {
	Conversation []rag.Turn

	// ScenarioID selects the few-shot samples. Scenario, when set, adds the
	// title and persona to the prompt.
	ScenarioID string
	Scenario   *scenario.Scenario
}

// SalesLines returns the non-blank salesperson utterances in order.
func SalesLines(conv []rag.Turn) []string {
	var out []string
	for _, t := range conv {
		if rag.ParseRole(t.Speaker) != rag.RoleSales {
			continue
		}
		if s := strings.TrimSpace(t.Text); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultParams are the sampling settings of the review completion.
var DefaultParams = prompt.Params{Model: "gpt-4o", Temperature: 0.3, MaxTokens: 1500}

const defaultTimeout = 60 * time.Second

// Config tunes the model review.
type Config struct {
	// Params are the sampling settings. The zero value uses DefaultParams.
	Params prompt.Params

	// Criteria are listed as the scored items. Empty uses DefaultCriteria.
	Criteria []Criterion

	// Timeout bounds one review completion.
	Timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLLM sets the reviewing model. Without one, only keyword scoring is
// used.
func WithLLM(p llm.Provider) Option {
	return func(e *Evaluator) { e.llm = p }
}

// WithSamples adds few-shot examples per scenario.
func WithSamples(s *SampleStore) Option {
	return func(e *Evaluator) { e.samples = s }
}

// WithMetrics counts evaluations by source.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// Evaluator reviews conversations. It is safe for concurrent use.
type Evaluator struct {
	cfg     Config
	llm     llm.Provider
	samples *SampleStore
	metrics *observe.Metrics
}

// New returns an Evaluator.
func New(cfg Config, opts ...Option) *Evaluator {
	if cfg.Params == (prompt.Params{}) {
		cfg.Params = DefaultParams
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = DefaultCriteria
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	e := &Evaluator{cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate reviews the salesperson's side of the conversation. It fails only
// with ErrNoSalesLines or when ctx ends; model failures fall back to
// keyword scoring.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Evaluation, error) {
	sales := SalesLines(in.Conversation)
	if len(sales) == 0 {
		return nil, ErrNoSalesLines
	}

	ctx, span := observe.StartSpan(ctx, "evaluate")
	defer span.End()

	ev := Heuristic(sales)
	if e.llm != nil {
		reviewed, err := e.review(ctx, in, sales)
		switch {
		case err == nil:
			ev = reviewed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			observe.Logger(ctx).Warn("evaluate: model review failed, using keyword scoring",
				"scenario_id", in.ScenarioID, "err", err)
		}
	}
	span.SetAttributes(attribute.String("evaluate.source", string(ev.Source)))
	e.metrics.RecordEvaluation(ctx, string(ev.Source))
	return ev, nil
}

func (e *Evaluator) review(ctx context.Context, in Input, sales []string) (*Evaluation, error) {
	user := e.userPrompt(ctx, in, sales)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: user}},
		Model:        e.cfg.Params.Model,
		Temperature:  e.cfg.Params.Temperature,
		MaxTokens:    e.cfg.Params.MaxTokens,
	})
	e.metrics.RecordLLM(ctx, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("evaluate: completion: %w", err)
	}
	if resp == nil {
		return nil, errors.New("evaluate: empty completion")
	}
	return parseReview(resp.Content, sales)
}

const systemPrompt = `あなたはショート動画制作営業のプロフェッショナルコーチです。
10年以上の営業経験を持ち、1000件以上のロープレを評価してきました。
営業の発言を具体的に引用しながら、良かった点と改善点を明確に分け、次回のロープレで即実行できる評価を提供してください。`

//go:embed instructions.txt
var instructions string

func (e *Evaluator) userPrompt(ctx context.Context, in Input, sales []string) string {
	var b strings.Builder
	b.WriteString("以下の営業の発言を分析して、具体的で実践的な評価を提供してください。\n")

	samples, err := e.samples.Get(in.ScenarioID)
	if err != nil {
		observe.Logger(ctx).Warn("evaluate: samples unavailable", "scenario_id", in.ScenarioID, "err", err)
		samples = nil
	}

	if sc := in.Scenario; sc != nil || samples != nil {
		b.WriteString("\n")
		if sc != nil {
			fmt.Fprintf(&b, "【シナリオ】: %s\n", sc.Title)
		}
		b.WriteString("【シナリオの重点評価項目】:\n")
		if sc != nil {
			p := sc.ActivePersona()
			if p.Tone != "" || p.Relationship != "" {
				fmt.Fprintf(&b, "- 相談者の状態: %s (%s)\n", p.Tone, p.Relationship)
			}
		}
		if samples != nil && len(samples.Focus) > 0 {
			fmt.Fprintf(&b, "- 評価の重点: %s\n", strings.Join(samples.Focus, ", "))
		}
	}

	b.WriteString("\n【営業の発言】\n")
	b.WriteString(strings.Join(sales, " "))
	b.WriteString("\n\n【評価項目】（5点満点で評価）\n")
	for _, c := range e.cfg.Criteria {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\n")

	if samples != nil {
		if ex, ok := samples.first(QualityGood); ok {
			writeSample(&b, "評価サンプル1：良い例", ex, ex.Evaluation.Strengths)
		}
		if ex, ok := samples.first(QualityPoor); ok {
			writeSample(&b, "評価サンプル2：改善が必要な例", ex, ex.Evaluation.Improvements)
		}
	}

	b.WriteString(instructions)
	return b.String()
}

// writeSample renders up to three of the example's salesperson lines with
// its scores and first reason.
func writeSample(b *strings.Builder, label string, ex Sample, reasons []string) {
	var lines []string
	for i := 0; i < len(ex.Conversation) && len(lines) < 3; i += 2 {
		lines = append(lines, ex.Conversation[i])
	}
	s := ex.Evaluation.Scores
	fmt.Fprintf(b, "【%s】\n", label)
	fmt.Fprintf(b, "営業の発言: %s...\n", strings.Join(lines, " → "))
	fmt.Fprintf(b, "評価スコア: 質問力=%g, 傾聴力=%g, 提案力=%g, クロージング=%g\n",
		s.Questioning, s.Listening, s.Proposing, s.Closing)
	if len(reasons) > 0 {
		fmt.Fprintf(b, "評価理由: %s\n", reasons[0])
	}
	b.WriteString("\n")
}

type modelReview struct {
	Scores struct {
		Questioning *float64 `json:"questioning"`
		Listening   *float64 `json:"listening"`
		Proposing   *float64 `json:"proposing"`
		Closing     *float64 `json:"closing"`
	} `json:"scores"`
	Strengths      []string `json:"strengths"`
	Improvements   []string `json:"improvements"`
	Overall        string   `json:"overall"`
	OverallComment string   `json:"overall_comment"`
	Analysis       struct {
		ConversationFlow string `json:"conversation_flow"`
	} `json:"analysis"`
}

// parseReview reads the JSON object between the first '{' and the last '}'
// of the model's answer. The four skill scores must be present and within
// 1 to 5. The total is recomputed; the model's own total is ignored.
func parseReview(text string, sales []string) (*Evaluation, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errors.New("evaluate: no JSON object in model answer")
	}
	var r modelReview
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("evaluate: decode model answer: %w", err)
	}

	var s Scores
	for _, f := range []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"questioning", r.Scores.Questioning, &s.Questioning},
		{"listening", r.Scores.Listening, &s.Listening},
		{"proposing", r.Scores.Proposing, &s.Proposing},
		{"closing", r.Scores.Closing, &s.Closing},
	} {
		if f.src == nil {
			return nil, fmt.Errorf("evaluate: model answer has no %s score", f.name)
		}
		if *f.src < 1 || *f.src > 5 {
			return nil, fmt.Errorf("evaluate: %s score %g is outside 1-5", f.name, *f.src)
		}
		*f.dst = round1(*f.src)
	}
	s.Total = s.weightedTotal()

	ev := &Evaluation{
		Scores:          s,
		Overall:         strings.TrimSpace(r.Overall),
		Strengths:       nonBlank(r.Strengths),
		Improvements:    nonBlank(r.Improvements),
		TotalUtterances: len(sales),
		Analysis:        Analyze(sales),
		Source:          SourceLLM,
	}
	ev.Analysis.FlowSummary = strings.TrimSpace(r.Analysis.ConversationFlow)
	if ev.Overall == "" {
		ev.Overall = strings.TrimSpace(r.OverallComment)
	}
	if ev.Overall == "" {
		ev.Overall = "評価を完了しました。"
	}
	if len(ev.Strengths) == 0 {
		ev.Strengths = []string{"評価データを確認中です。"}
	}
	if len(ev.Improvements) == 0 {
		ev.Improvements = []string{"継続的な練習で更なる向上を目指しましょう。"}
	}
	return ev, nil
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
