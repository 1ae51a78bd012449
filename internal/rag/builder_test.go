package rag

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/roleplay/internal/topic"
)

func makeTranscript(n int) *Transcript {
	t := &Transcript{SourceFile: "meeting_1st_demo.json", ScenarioID: "meeting_1st"}
	for i := range n {
		role := RoleSales
		if i%2 == 1 {
			role = RoleCustomer
		}
		t.Utterances = append(t.Utterances, Utterance{
			Role:  role,
			Text:  fmt.Sprintf("発話%d", i+1),
			Start: float64(i),
			End:   float64(i) + 0.5,
		})
	}
	return t
}

func TestBuildPassagesWindowing(t *testing.T) {
	t.Parallel()
	got := BuildPassages(makeTranscript(12), 5)
	if len(got) != 3 {
		t.Fatalf("got %d passages, want 3", len(got))
	}
	counts := []int{got[0].SegmentCount, got[1].SegmentCount, got[2].SegmentCount}
	if !slices.Equal(counts, []int{5, 5, 2}) {
		t.Errorf("segment counts = %v, want [5 5 2]", counts)
	}
	last := got[2]
	if want := "営業: 発話11\n顧客: 発話12"; last.Text != want {
		t.Errorf("last text = %q, want %q", last.Text, want)
	}
	if last.StartTime != 10 || last.EndTime != 11.5 {
		t.Errorf("last time range = %v-%v, want 10-11.5", last.StartTime, last.EndTime)
	}
	for _, p := range got {
		if p.ScenarioID != "meeting_1st" || p.Type != TypeGeneral || p.SourceFile != "meeting_1st_demo.json" {
			t.Errorf("unexpected metadata: %+v", p)
		}
	}
	if got[1].SpeakerType != string(RoleCustomer) {
		t.Errorf("second window starts with utterance 6 (customer), got speaker type %q", got[1].SpeakerType)
	}
}

func TestBuildPassagesExactMultiple(t *testing.T) {
	t.Parallel()
	if got := BuildPassages(makeTranscript(10), 5); len(got) != 2 {
		t.Errorf("got %d passages, want 2", len(got))
	}
	if got := BuildPassages(makeTranscript(0), 5); len(got) != 0 {
		t.Errorf("empty transcript produced %d passages", len(got))
	}
	if got := BuildPassages(makeTranscript(7), 0); len(got) != 2 {
		t.Errorf("default chunk size: got %d passages, want 2", len(got))
	}
}

func TestBuildPassagesSkipsBlankUtterances(t *testing.T) {
	t.Parallel()
	tr := makeTranscript(3)
	tr.Utterances[1].Text = "   "
	got := BuildPassages(tr, 5)
	if len(got) != 1 || got[0].SegmentCount != 2 {
		t.Fatalf("got %+v", got)
	}
	if strings.Contains(got[0].Text, "顧客: ") {
		t.Errorf("blank utterance leaked into text: %q", got[0].Text)
	}
}

func TestClassifySalesUtterance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want PatternType
		ok   bool
	}{
		{"なぜSNSを始めようと思われたのですか？", TypeGoodQuestion, true},
		{"たしかにおっしゃる通りです", TypeObjectionHandling, true},
		{"もし予算が合うなら進められますか", TypeObjectionHandling, true},
		{"次回の日程はいかがでしょう", TypeClosing, true},
		// Priority: good_question wins over closing.
		{"次に課題を伺えますか", TypeGoodQuestion, true},
		{"本日はありがとうございます", "", false},
	}
	for _, tt := range tests {
		got, ok := ClassifySalesUtterance(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ClassifySalesUtterance(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractSalesPatterns(t *testing.T) {
	t.Parallel()
	tr := &Transcript{
		SourceFile: "upsell_case.json",
		ScenarioID: "upsell",
		Utterances: []Utterance{
			{Role: RoleSales, Text: "本日はよろしくお願いします"},
			{Role: RoleCustomer, Text: "課題は人手不足です"},
			{Role: RoleSales, Text: "目的を教えていただけますか"},
			{Role: RoleSales, Text: "ご安心ください"},
			{Role: RoleSales, Text: "ご提案の件、いかがでしょうか"},
		},
	}
	got := ExtractSalesPatterns(tr)
	var types []PatternType
	for _, p := range got {
		types = append(types, p.Type)
		if p.ScenarioID != "upsell" || p.SpeakerType != string(RoleSales) {
			t.Errorf("unexpected metadata: %+v", p)
		}
	}
	want := []PatternType{TypeGoodQuestion, TypeObjectionHandling, TypeClosing}
	if !slices.Equal(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
}

func TestExtractCustomerLines(t *testing.T) {
	t.Parallel()
	tr := &Transcript{ScenarioID: "meeting_2nd"}
	texts := []string{
		"はい",                 // too short
		"予算はどれくらいですか",        // pos 0.1
		"動画の本数が気になります",       // pos 0.2
		"プランの内容を確認したいです",     // pos 0.3 -> proposal keyword
		"うちの状況を話しますね",        // pos 0.4
		"正直なところ少し不安があります",    // pos 0.5
		"他社さんの事例はありますか",      // pos 0.6
		"それでは社内で検討します",       // pos 0.7 -> closing keyword
		"費用感がわかると助かります",      // pos 0.8
		"本日はありがとうございました",     // pos 0.9 -> closing by position
	}
	for _, s := range texts {
		tr.Utterances = append(tr.Utterances, Utterance{Role: RoleCustomer, Text: s})
		tr.Utterances = append(tr.Utterances, Utterance{Role: RoleSales, Text: "なるほど"})
	}
	got := ExtractCustomerLines(tr, topic.NewIngestClassifier())
	if len(got) != 9 {
		t.Fatalf("got %d lines, want 9", len(got))
	}
	if got[0].Position != 0.1 || got[0].Scene != SceneNeedsAnalysis {
		t.Errorf("first kept line: %+v", got[0])
	}
	if !slices.Equal(got[0].Topics, []string{"budget"}) {
		t.Errorf("topics = %v, want [budget]", got[0].Topics)
	}
	if got[2].Scene != SceneProposal {
		t.Errorf("proposal line scene = %q", got[2].Scene)
	}
	if got[6].Scene != SceneClosing {
		t.Errorf("keyword closing scene = %q", got[6].Scene)
	}
	if got[8].Scene != SceneClosing {
		t.Errorf("position closing scene = %q", got[8].Scene)
	}
	if !slices.Equal(got[3].Topics, []string{"general"}) {
		t.Errorf("untagged line topics = %v", got[3].Topics)
	}
	for _, p := range got {
		if p.Type != TypeCustomerResponse || p.ScenarioID != "meeting_2nd" {
			t.Errorf("unexpected metadata: %+v", p)
		}
	}
}

func TestDetectScene(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		pos  float64
		want string
	}{
		{"提案をお願いします", 0.05, SceneGreeting},
		{"はじめまして", 0.5, SceneGreeting},
		{"提案をお願いします", 0.85, SceneClosing},
		{"今後ともよろしくお願いします", 0.5, SceneGreeting}, // よろしく is checked first
		{"ありがとうございます", 0.5, SceneClosing},
		{"例えばどんな感じですか", 0.5, SceneProposal},
		{"うちは人手が足りなくて", 0.5, SceneNeedsAnalysis},
	}
	for _, tt := range tests {
		if got := DetectScene(tt.text, tt.pos); got != tt.want {
			t.Errorf("DetectScene(%q, %v) = %q, want %q", tt.text, tt.pos, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()
	cases := map[string]Role{
		"営業":       RoleSales,
		"sales":    RoleSales,
		"顧客":       RoleCustomer,
		"お客様":      RoleCustomer,
		"Customer": RoleCustomer,
		"司会":       "",
	}
	for in, want := range cases {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
	if RoleCustomer.Label() != "顧客" || RoleSales.Label() != "営業" {
		t.Error("unexpected role labels")
	}
}
