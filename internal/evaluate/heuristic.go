package evaluate

import (
	"math"
	"strings"
)

var (
	questionWords     = []string{"何", "どの", "なぜ", "どうして", "いつ", "どこ", "誰", "いくつ", "いくら", "どのように", "どうやって"}
	openQuestionWords = []string{"どのように", "なぜ", "どうして", "どのような"}
	listeningWords    = []string{
		"そうですね", "なるほど", "確かに", "おっしゃる通り", "理解しました", "承知いたしました",
		"お聞かせください", "詳しく教えてください", "興味深いですね", "それは大変ですね",
	}
	proposalWords = []string{
		"提案", "おすすめ", "解決", "改善", "サービス", "プラン", "案", "方法", "ソリューション",
		"お手伝い", "サポート", "ご提供", "ご案内",
	}
	closingWords = []string{
		"いかがでしょうか", "検討", "お時間", "ご連絡", "次回", "後日", "ご検討", "お考え",
		"お決め", "お返事", "ご返答", "お待ち", "お聞かせ",
	}
	positiveWords = []string{"ありがとう", "感謝", "嬉しい", "素晴らしい", "良い", "助かります", "心強い"}
	negativeWords = []string{"困って", "大変", "難しい", "問題", "課題", "悩み"}
)

// flowStages are tried in order; an utterance counts for the first stage it
// matches.
var flowStages = []struct {
	flow  Flow
	words []string
}{
	{FlowGreeting, []string{"こんにちは", "はじめまして", "お忙しい中"}},
	{FlowNeedsAnalysis, []string{"困って", "課題", "問題", "悩み", "どのような"}},
	{FlowProposal, []string{"提案", "おすすめ", "解決", "サービス"}},
	{FlowObjectionHandling, []string{"でも", "しかし", "心配", "不安"}},
	{FlowClosing, []string{"いかがでしょうか", "検討", "お時間"}},
}

// Skill weights of the total score.
const (
	weightQuestioning = 0.25
	weightListening   = 0.25
	weightProposing   = 0.3
	weightClosing     = 0.2
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func countMatching(lines, words []string) int {
	n := 0
	for _, l := range lines {
		if containsAny(l, words) {
			n++
		}
	}
	return n
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Analyze counts the skill markers in the salesperson's lines.
func Analyze(sales []string) Analysis {
	return Analysis{
		Questions:           countMatching(sales, questionWords),
		OpenQuestions:       countMatching(sales, openQuestionWords),
		ListeningResponses:  countMatching(sales, listeningWords),
		Proposals:           countMatching(sales, proposalWords),
		Closings:            countMatching(sales, closingWords),
		PositiveExpressions: countMatching(sales, positiveWords),
		NegativeExpressions: countMatching(sales, negativeWords),
		ConversationFlow:    AnalyzeFlow(sales),
	}
}

// AnalyzeFlow returns the stage most of the lines belong to. Ties go to the
// earlier stage. Fewer than two lines is FlowShort; lines that match no
// stage give FlowUnclassified.
func AnalyzeFlow(sales []string) Flow {
	if len(sales) < 2 {
		return FlowShort
	}
	counts := make([]int, len(flowStages))
	for _, l := range sales {
		for i, st := range flowStages {
			if containsAny(l, st.words) {
				counts[i]++
				break
			}
		}
	}
	best, bestN := FlowUnclassified, 0
	for i, n := range counts {
		if n > bestN {
			best, bestN = flowStages[i].flow, n
		}
	}
	return best
}

// weightedTotal combines the four skills on the same 5-point scale, rounded
// to one decimal.
func (s Scores) weightedTotal() float64 {
	return round1(s.Questioning*weightQuestioning + s.Listening*weightListening +
		s.Proposing*weightProposing + s.Closing*weightClosing)
}

// Heuristic scores the salesperson's lines from keyword counts alone. It is
// used when no language model is configured or its answer is unusable.
func Heuristic(sales []string) *Evaluation {
	a := Analyze(sales)
	s := Scores{
		Questioning: round1(min(5, float64(a.Questions)*1.5+float64(a.OpenQuestions)*0.5)),
		Listening:   round1(min(5, float64(a.ListeningResponses)*1.5)),
		Proposing:   round1(min(5, float64(a.Proposals)*1.5)),
		Closing:     round1(min(5, float64(a.Closings)*1.5)),
	}
	s.Total = s.weightedTotal()

	ev := &Evaluation{
		Scores:          s,
		Overall:         overallComment(s.Total),
		Suggestions:     suggestions(s, a.ConversationFlow),
		TotalUtterances: len(sales),
		Analysis:        a,
		Source:          SourceHeuristic,
	}
	for _, c := range comments(s, a) {
		ev.Comments = append(ev.Comments, c.text)
		if c.good {
			ev.Strengths = append(ev.Strengths, c.text)
		} else {
			ev.Improvements = append(ev.Improvements, c.text)
		}
	}
	ev.Improvements = append(ev.Improvements, ev.Suggestions...)
	if len(ev.Strengths) == 0 {
		ev.Strengths = []string{ev.Overall}
	}
	if len(ev.Improvements) == 0 {
		ev.Improvements = []string{"さらなる向上のため、継続的な練習を心がけましょう。"}
	}
	return ev
}

type comment struct {
	text string
	good bool
}

// skillComments holds the high (>= 4), middle (>= 2) and low remarks per
// skill.
var skillComments = [4][3]string{
	{
		"相手の課題を積極的に引き出せており、オープンクエスチョンも効果的に使用しています",
		"質問はできていますが、より深掘りするためのオープンクエスチョンを増やしましょう",
		"質問が不足しています。相手のニーズを理解するために積極的に質問しましょう",
	},
	{
		"相手の話をよく聞き、共感を示す表現が豊富です",
		"基本的な傾聴はできていますが、より多様な共感表現を使いましょう",
		"傾聴力が不足しています。相手の話に共感する表現を増やしましょう",
	},
	{
		"具体的で魅力的な提案ができています",
		"提案はしていますが、より具体的なベネフィットを伝えましょう",
		"提案力が不足しています。相手の課題に対する解決策を明確に提示しましょう",
	},
	{
		"次のアクションを明確に促せており、クロージングが上手です",
		"クロージングはしていますが、より具体的な次のステップを提案しましょう",
		"クロージングが不足しています。会話の終わりに次のアクションを明確にしましょう",
	},
}

func comments(s Scores, a Analysis) []comment {
	var out []comment
	for i, score := range []float64{s.Questioning, s.Listening, s.Proposing, s.Closing} {
		switch {
		case score >= 4:
			out = append(out, comment{skillComments[i][0], true})
		case score >= 2:
			out = append(out, comment{skillComments[i][1], false})
		default:
			out = append(out, comment{skillComments[i][2], false})
		}
	}

	switch a.ConversationFlow {
	case FlowGreeting:
		out = append(out, comment{"挨拶段階で止まっています。ニーズ分析に進みましょう", false})
	case FlowNeedsAnalysis:
		out = append(out, comment{"ニーズ分析はできています。提案段階に進みましょう", false})
	case FlowProposal:
		out = append(out, comment{"提案はできています。クロージングに進みましょう", false})
	case FlowClosing:
		out = append(out, comment{"良い会話の流れです。クロージングまで到達できています", true})
	}

	switch {
	case a.PositiveExpressions > a.NegativeExpressions:
		out = append(out, comment{"ポジティブな表現が多く、良い関係性を築けています", true})
	case a.NegativeExpressions > a.PositiveExpressions:
		out = append(out, comment{"ネガティブな表現が多いです。よりポジティブなアプローチを心がけましょう", false})
	}
	return out
}

func overallComment(total float64) string {
	switch {
	case total >= 4.5:
		return "素晴らしい営業スキルです！プロレベルの対応ができています。"
	case total >= 4:
		return "優秀な営業スキルです。さらに磨きをかけて完璧を目指しましょう。"
	case total >= 3:
		return "良い営業スキルです。継続的な練習でさらに向上させましょう。"
	case total >= 2:
		return "基本的な営業スキルはあります。弱点を克服してレベルアップしましょう。"
	default:
		return "営業スキルの基礎を固めましょう。一つずつ確実に身につけていきましょう。"
	}
}

func suggestions(s Scores, flow Flow) []string {
	var out []string
	if s.Questioning < 3 {
		out = append(out, "質問力向上: 5W1H（何・誰・いつ・どこ・なぜ・どのように）を意識した質問を練習しましょう")
	}
	if s.Listening < 3 {
		out = append(out, "傾聴力向上: 相手の話を聞く際は「なるほど」「そうですね」などの相づちを意識しましょう")
	}
	if s.Proposing < 3 {
		out = append(out, "提案力向上: 相手の課題に対する具体的な解決策とベネフィットを明確に伝えましょう")
	}
	if s.Closing < 3 {
		out = append(out, "クロージング力向上: 会話の終わりには必ず次のアクションを明確に提案しましょう")
	}
	if flow == FlowGreeting {
		out = append(out, "会話の流れ: 挨拶の後は相手の課題やニーズを聞く質問から始めましょう")
	}
	return out
}
