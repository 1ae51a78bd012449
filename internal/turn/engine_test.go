package turn

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"sync"
	"testing"

	"github.com/MrWong99/roleplay/internal/events"
	"github.com/MrWong99/roleplay/internal/prompt"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/synth"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	llmmock "github.com/MrWong99/roleplay/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/roleplay/pkg/provider/tts/mock"
	"github.com/MrWong99/roleplay/pkg/types"
)

type fakeRetriever struct {
	res     *rag.Result
	err     error
	queries []rag.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q rag.Query) (*rag.Result, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type staticScenarios struct{ cat *scenario.Catalog }

func (s staticScenarios) Current() *scenario.Catalog { return s.cat }

type memoryLog struct {
	mu      sync.Mutex
	records []store.TurnRecord
}

func (m *memoryLog) RecordTurn(_ context.Context, r store.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryLog) SessionTurns(context.Context, string, int) ([]store.TurnRecord, error) {
	return nil, nil
}

type capturePublisher struct {
	subjects []string
	events   []events.TurnCompleted
}

func (c *capturePublisher) Publish(_ context.Context, subject, _ string, ev any) error {
	c.subjects = append(c.subjects, subject)
	c.events = append(c.events, ev.(events.TurnCompleted))
	return nil
}

func (c *capturePublisher) Ready(context.Context) error { return nil }
func (c *capturePublisher) Close() error                { return nil }

func catalog(t *testing.T) *scenario.Catalog {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		scenario.IndexFile: `{"default_id": "meeting_1st", "scenarios": [
			{"id": "meeting_1st", "file": "m1.json"},
			{"id": "upsell", "file": "up.json"}
		]}`,
		"m1.json": `{"id": "meeting_1st", "title": "1次面談", "voice": "nova", "persona": {"customer_role": "美容サロン経営者"}}`,
		"up.json": `{"id": "upsell", "title": "アップセル", "persona": {"customer_role": "既存顧客"}}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cat, err := scenario.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func collectEvents(evs *[]Event) func(Event) error {
	return func(e Event) error {
		*evs = append(*evs, e)
		return nil
	}
}

func TestStreamDeliversOrderedChunks(t *testing.T) {
	tts := &ttsmock.Provider{}
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("そうですね。", "予算は", "まだ決めていません。", "ただ", "興味はあります")}
	ret := &fakeRetriever{res: &rag.Result{Hits: []rag.Hit{
		{Passage: rag.Passage{Text: "顧客: えーと、まだ検討中です", ScenarioID: "meeting_1st"}},
	}}}
	log := &memoryLog{}
	pub := &capturePublisher{}
	e := New(synth.NewPool(tts, synth.Config{}), Config{Voice: types.VoiceProfile{ID: "alloy"}},
		WithLLM(model),
		WithRetriever(ret),
		WithScenarios(staticScenarios{catalog(t)}),
		WithTurnLog(log),
		WithPublisher(pub),
	)

	var evs []Event
	sum, err := e.Stream(context.Background(), Request{SessionID: "s1", Message: "  ご予算はいかがですか？ "}, TransportSSE, collectEvents(&evs))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	want := []string{"そうですね。", "予算はまだ決めていません。", "ただ興味はあります"}
	if len(evs) != len(want) {
		t.Fatalf("got %d events: %+v", len(evs), evs)
	}
	for i, ev := range evs {
		if ev.Chunk != i+1 || ev.Text != want[i] {
			t.Errorf("event %d = %+v, want chunk %d %q", i, ev, i+1, want[i])
		}
		if string(ev.Audio) != want[i] {
			t.Errorf("event %d audio = %q", i, ev.Audio)
		}
		if ev.Final != (i == len(want)-1) {
			t.Errorf("event %d final = %v", i, ev.Final)
		}
	}

	if sum.SessionID != "s1" || sum.ScenarioID != "meeting_1st" || sum.Chunks != 3 || sum.Retrieved != 1 || sum.Mock {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Reply != "そうですね。予算はまだ決めていません。ただ興味はあります" {
		t.Errorf("reply = %q", sum.Reply)
	}

	if len(ret.queries) != 1 || ret.queries[0].ScenarioID != "meeting_1st" || ret.queries[0].Message != "ご予算はいかがですか？" {
		t.Errorf("retrieval queries = %+v", ret.queries)
	}
	streams := model.Streams()
	if len(streams) != 1 {
		t.Fatalf("got %d completions", len(streams))
	}
	req := streams[0].Req
	if req.Model != prompt.StreamParams.Model || !strings.Contains(req.SystemPrompt, "美容サロン経営者") || !strings.Contains(req.SystemPrompt, "えーと、まだ検討中です") {
		t.Errorf("request = %+v", req)
	}
	for _, c := range tts.Calls {
		if c.Voice.ID != "nova" {
			t.Errorf("voice = %q, want the scenario voice", c.Voice.ID)
		}
	}

	if len(log.records) != 1 || log.records[0].Reply != sum.Reply || log.records[0].Chunks != 3 {
		t.Errorf("turn log = %+v", log.records)
	}
	if len(pub.events) != 1 || pub.subjects[0] != events.SubjectTurnCompleted || pub.events[0].Transport != TransportSSE {
		t.Errorf("published = %+v", pub.events)
	}
}

func TestStreamWithoutLLMUsesCannedReply(t *testing.T) {
	e := New(synth.NewPool(nil, synth.Config{}), Config{})
	var evs []Event
	sum, err := e.Stream(context.Background(), Request{Message: "はじめまして"}, TransportWebSocket, collectEvents(&evs))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Mock || sum.SessionID == "" {
		t.Errorf("summary = %+v", sum)
	}
	var text strings.Builder
	for _, ev := range evs {
		if ev.Audio != nil || ev.Error != "" {
			t.Errorf("text-only event carries audio or error: %+v", ev)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != CannedReply("はじめまして") {
		t.Errorf("streamed %q", text.String())
	}
	if len(evs) < 2 {
		t.Errorf("canned reply should be segmented, got %d events", len(evs))
	}
	if !evs[len(evs)-1].Final {
		t.Error("last event not final")
	}
}

func TestStreamDeliversFirstChunkWhileStreaming(t *testing.T) {
	gate := make(chan struct{})
	filler := make([]string, 20)
	for i := range filler {
		filler[i] = "え"
	}
	model := &llmmock.Provider{Gate: gate, StreamChunks: llmmock.Tokens(append([]string{"そうですね。"}, filler...)...)}
	e := New(synth.NewPool(&ttsmock.Provider{}, synth.Config{}), Config{}, WithLLM(model))

	events := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		_, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, func(ev Event) error {
			events <- ev
			return nil
		})
		done <- err
	}()

	gate <- struct{}{}
	var first Event
	for i := 0; first.Chunk == 0; i++ {
		if i == len(filler) {
			t.Fatal("first chunk was not delivered while the reply was still streaming")
		}
		gate <- struct{}{}
		select {
		case first = <-events:
		case <-time.After(20 * time.Millisecond):
		}
	}
	if first.Chunk != 1 || first.Text != "そうですね。" || first.Final {
		t.Errorf("first event = %+v", first)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	close(events)
	var last Event
	for ev := range events {
		last = ev
	}
	if !last.Final || last.Chunk != 2 {
		t.Errorf("last event = %+v", last)
	}
}

func TestStreamEmptyReplyEmitsClosingEvent(t *testing.T) {
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("  ")}
	e := New(synth.NewPool(&ttsmock.Provider{}, synth.Config{}), Config{}, WithLLM(model))
	var evs []Event
	if _, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, collectEvents(&evs)); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || !evs[0].Final || evs[0].Chunk != 0 {
		t.Fatalf("events = %+v", evs)
	}
	raw, _ := json.Marshal(evs[0])
	if string(raw) != `{"chunk":0,"final":true}` {
		t.Errorf("wire form = %s", raw)
	}
}

func TestStreamFailedChunkDoesNotStopTurn(t *testing.T) {
	tts := &ttsmock.Provider{SynthesizeFunc: func(_ context.Context, text string) ([]byte, error) {
		if strings.HasPrefix(text, "予算") {
			return nil, errors.New("voice rejected")
		}
		return []byte("mp3"), nil
	}}
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("そうですね。", "予算は未定です。", "以上です")}
	e := New(synth.NewPool(tts, synth.Config{Attempts: 1}), Config{}, WithLLM(model))

	var evs []Event
	sum, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, collectEvents(&evs))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[1].Error == "" || evs[1].Audio != nil || evs[2].Error != "" {
		t.Fatalf("events = %+v", evs)
	}
	if sum.FailedChunks != 1 {
		t.Errorf("failed chunks = %d", sum.FailedChunks)
	}
}

func TestStreamFatalErrors(t *testing.T) {
	tests := []struct {
		name  string
		model *llmmock.Provider
	}{
		{"start", &llmmock.Provider{StreamErr: errors.New("unauthorized")}},
		{"mid-stream", &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "そうですね。"},
			{FinishReason: llm.FinishReasonError, Err: errors.New("connection reset")},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &memoryLog{}
			pub := &capturePublisher{}
			e := New(synth.NewPool(&ttsmock.Provider{}, synth.Config{}), Config{}, WithLLM(tt.model), WithTurnLog(log), WithPublisher(pub))
			var evs []Event
			if _, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, collectEvents(&evs)); err == nil {
				t.Fatal("expected error")
			}
			last := evs[len(evs)-1]
			if !last.Fatal {
				t.Errorf("last event = %+v, want fatal", last)
			}
			if raw, _ := json.Marshal(last); !strings.HasPrefix(string(raw), `{"error":`) {
				t.Errorf("fatal wire form = %s", raw)
			}
			if len(log.records) != 0 {
				t.Error("failed turn should not be recorded")
			}
			if len(pub.events) != 1 || pub.events[0].Error == "" {
				t.Errorf("published = %+v", pub.events)
			}
		})
	}
}

func TestStreamRetrievalFailureContinues(t *testing.T) {
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("はい、そうです")}
	e := New(synth.NewPool(nil, synth.Config{}), Config{},
		WithLLM(model),
		WithRetriever(&fakeRetriever{err: errors.New("embedding quota")}),
	)
	var evs []Event
	sum, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, collectEvents(&evs))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Retrieved != 0 || len(evs) != 1 {
		t.Errorf("summary = %+v, events = %+v", sum, evs)
	}
	if strings.Contains(model.Streams()[0].Req.SystemPrompt, prompt.LabelExamples) {
		t.Error("prompt should not have an examples section")
	}
}

func TestStreamStopsOnEmitError(t *testing.T) {
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("そうですね。", "予算は未定です。", "以上です")}
	e := New(synth.NewPool(nil, synth.Config{}), Config{}, WithLLM(model))
	gone := errors.New("client gone")
	calls := 0
	_, err := e.Stream(context.Background(), Request{Message: "x"}, TransportSSE, func(Event) error {
		calls++
		return gone
	})
	if !errors.Is(err, gone) || calls != 1 {
		t.Errorf("err = %v after %d emits", err, calls)
	}
}

func TestStreamRejectsInvalidRequest(t *testing.T) {
	e := New(synth.NewPool(nil, synth.Config{}), Config{})
	_, err := e.Stream(context.Background(), Request{Message: " "}, TransportSSE, func(Event) error {
		t.Error("no event expected")
		return nil
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestVoiceResolution(t *testing.T) {
	cat := catalog(t)
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"request voice", Request{Message: "x", ScenarioID: "meeting_1st", Voice: "shimmer"}, "shimmer"},
		{"scenario voice", Request{Message: "x", ScenarioID: "meeting_1st"}, "nova"},
		{"default voice", Request{Message: "x", ScenarioID: "upsell"}, "alloy"},
		{"unknown scenario falls back", Request{Message: "x", ScenarioID: "missing"}, "nova"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(synth.NewPool(nil, synth.Config{}), Config{Voice: types.VoiceProfile{ID: "alloy", Speed: 1.1}}, WithScenarios(staticScenarios{cat}))
			req := tt.req
			_, st, err := e.begin(context.Background(), &req)
			if err != nil {
				t.Fatal(err)
			}
			if st.voice.ID != tt.want || st.voice.Speed != 1.1 {
				t.Errorf("voice = %+v, want %q", st.voice, tt.want)
			}
		})
	}
}

func TestReply(t *testing.T) {
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " えーと、予算はまだ未定ですね。 "}}
	log := &memoryLog{}
	e := New(synth.NewPool(nil, synth.Config{}), Config{}, WithLLM(model), WithTurnLog(log), WithScenarios(staticScenarios{catalog(t)}))

	res, err := e.Reply(context.Background(), Request{
		Message: "ご予算は？",
		History: []rag.Turn{{Speaker: "営業", Text: "本日はよろしくお願いします"}, {Speaker: "顧客", Text: "はい"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply != "えーと、予算はまだ未定ですね。" || res.Mock || res.Timestamp.IsZero() {
		t.Errorf("result = %+v", res)
	}
	req := model.CompleteCalls[0].Req
	if req.Model != prompt.ReplyParams.Model || req.MaxTokens != prompt.ReplyParams.MaxTokens {
		t.Errorf("params = %s/%d", req.Model, req.MaxTokens)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != types.RoleUser || last.Content != "ご予算は？" {
		t.Errorf("last message = %+v", last)
	}
	if len(log.records) != 1 {
		t.Errorf("records = %d", len(log.records))
	}
}

func TestReplyFallsBackToCanned(t *testing.T) {
	tests := []struct {
		name  string
		model llm.Provider
	}{
		{"no model", nil},
		{"model error", &llmmock.Provider{CompleteErr: errors.New("timeout")}},
		{"empty content", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.model != nil {
				opts = append(opts, WithLLM(tt.model))
			}
			e := New(synth.NewPool(nil, synth.Config{}), Config{}, opts...)
			res, err := e.Reply(context.Background(), Request{Message: "新しいサービスのご提案です"})
			if err != nil {
				t.Fatal(err)
			}
			if !res.Mock || res.Reply != CannedReply("新しいサービスのご提案です") {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestCannedReply(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"こんにちは、田中です", cannedReplies.greeting},
		{"はじめまして", cannedReplies.greeting},
		{"ひとつ質問です", cannedReplies.tellMore},
		{"ご提案があります", cannedReplies.proposal},
		{"弊社のサービスについて", cannedReplies.proposal},
		{"よろしくお願いします", cannedReplies.tellMore},
	}
	for _, tt := range tests {
		if got := CannedReply(tt.msg); got != tt.want {
			t.Errorf("CannedReply(%q) = %q", tt.msg, got)
		}
	}
}

func TestValidate(t *testing.T) {
	long := strings.Repeat("あ", MaxMessageRunes+1)
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"ok", Request{Message: " こんにちは "}, false},
		{"empty", Request{Message: "\n"}, true},
		{"too long", Request{Message: long}, true},
		{"history without speaker", Request{Message: "x", History: []rag.Turn{{Text: "y"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error does not wrap ErrInvalidRequest: %v", err)
			}
		})
	}
}

func TestEventMarshal(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"chunk", Event{Chunk: 1, Text: "はい。", Audio: []byte("mp3")}, `{"chunk":1,"text":"はい。","audio":"bXAz"}`},
		{"failed", Event{Chunk: 2, Text: "x", Audio: []byte("mp3"), Error: "speech synthesis failed", Final: true}, `{"chunk":2,"text":"x","final":true,"error":"speech synthesis failed"}`},
		{"fatal", Event{Chunk: 3, Fatal: true, Error: "boom"}, `{"error":"boom"}`},
	}
	for _, tt := range tests {
		raw, err := json.Marshal(tt.ev)
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, raw, tt.want)
		}
	}
}
