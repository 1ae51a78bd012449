package rag

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/roleplay/internal/topic"
)

// DefaultChunkSize is the number of utterances per general passage.
const DefaultChunkSize = 5

// minCustomerLineRunes is the shortest customer line kept as a passage.
const minCustomerLineRunes = 5

// BuildPassages groups the transcript into windows of chunkSize consecutive
// utterances. The last window may be shorter and is always kept. Empty
// utterances are skipped before windowing.
func BuildPassages(t *Transcript, chunkSize int) []Passage {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	utts := nonEmpty(t.Utterances)
	var out []Passage
	for i := 0; i < len(utts); i += chunkSize {
		window := utts[i:min(i+chunkSize, len(utts))]
		lines := make([]string, len(window))
		for j, u := range window {
			lines[j] = u.Role.Label() + ": " + u.Text
		}
		out = append(out, Passage{
			Text:         strings.Join(lines, "\n"),
			ScenarioID:   t.ScenarioID,
			Type:         TypeGeneral,
			SourceFile:   t.SourceFile,
			SpeakerType:  string(window[0].Role),
			StartTime:    window[0].Start,
			EndTime:      window[len(window)-1].End,
			SegmentCount: len(window),
		})
	}
	return out
}

var salesPatternRules = []struct {
	typ PatternType
	re  *regexp.Regexp
}{
	{TypeGoodQuestion, regexp.MustCompile(`(なぜ|理由|目的|課題|ゴール|懸念|不安|どのように|どうして)`)},
	{TypeObjectionHandling, regexp.MustCompile(`(たしかに|とはいえ|一方で|ご安心|もし.*なら)`)},
	{TypeClosing, regexp.MustCompile(`(次|日程|進め|合意|ご提案|いかが)`)},
}

// ClassifySalesUtterance returns the pattern type of a sales utterance, or
// false when it matches no rule. Rules are checked in priority order.
func ClassifySalesUtterance(text string) (PatternType, bool) {
	for _, r := range salesPatternRules {
		if r.re.MatchString(text) {
			return r.typ, true
		}
	}
	return "", false
}

// ExtractSalesPatterns returns one passage per sales utterance that is a good
// question, an objection handling or a closing. Other utterances are dropped.
func ExtractSalesPatterns(t *Transcript) []Passage {
	var out []Passage
	for _, u := range nonEmpty(t.Utterances) {
		if u.Role != RoleSales {
			continue
		}
		typ, ok := ClassifySalesUtterance(u.Text)
		if !ok {
			continue
		}
		out = append(out, Passage{
			Text:        u.Text,
			ScenarioID:  t.ScenarioID,
			Type:        typ,
			SourceFile:  t.SourceFile,
			SpeakerType: string(RoleSales),
			StartTime:   u.Start,
			EndTime:     u.End,
		})
	}
	return out
}

// ExtractCustomerLines returns customer utterances of at least five runes,
// tagged with the conversation scene, ingestion topics and their relative
// position among the customer's lines.
func ExtractCustomerLines(t *Transcript, classifier topic.Classifier) []Passage {
	var customer []Utterance
	for _, u := range nonEmpty(t.Utterances) {
		if u.Role == RoleCustomer {
			customer = append(customer, u)
		}
	}
	var out []Passage
	for i, u := range customer {
		if utf8.RuneCountInString(u.Text) < minCustomerLineRunes {
			continue
		}
		pos := float64(i) / float64(len(customer))
		out = append(out, Passage{
			Text:        u.Text,
			ScenarioID:  t.ScenarioID,
			Type:        TypeCustomerResponse,
			SourceFile:  t.SourceFile,
			SpeakerType: string(RoleCustomer),
			StartTime:   u.Start,
			EndTime:     u.End,
			Scene:       DetectScene(u.Text, pos),
			Topics:      classifier.Classify(u.Text),
			Position:    pos,
		})
	}
	return out
}

// Conversation scenes.
const (
	SceneGreeting      = "greeting"
	SceneNeedsAnalysis = "needs_analysis"
	SceneProposal      = "proposal"
	SceneClosing       = "closing"
)

// DetectScene guesses the conversation phase of a line from its relative
// position and a few keywords. The opening tenth is always a greeting and the
// final fifth always a closing.
func DetectScene(text string, position float64) string {
	switch {
	case position < 0.1:
		return SceneGreeting
	case position > 0.8:
		return SceneClosing
	case containsAny(text, "はじめまして", "よろしく", "ご紹介", "お名前"):
		return SceneGreeting
	case containsAny(text, "ありがとう", "それでは", "よろしくお願い", "今後"):
		return SceneClosing
	case containsAny(text, "提案", "プラン", "サービス", "こちら", "例えば", "ご覧"):
		return SceneProposal
	default:
		return SceneNeedsAnalysis
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func nonEmpty(utts []Utterance) []Utterance {
	out := make([]Utterance, 0, len(utts))
	for _, u := range utts {
		if strings.TrimSpace(u.Text) != "" {
			out = append(out, u)
		}
	}
	return out
}
