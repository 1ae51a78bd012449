package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/roleplay/internal/health"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/synth"
	"github.com/MrWong99/roleplay/internal/turn"
	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	llmmock "github.com/MrWong99/roleplay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/roleplay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/roleplay/pkg/provider/tts/mock"
)

type staticScenarios struct{ cat *scenario.Catalog }

func (s staticScenarios) Current() *scenario.Catalog { return s.cat }

type fakeTurns struct {
	turns     []store.TurnRecord
	err       error
	lastLimit int
}

func (f *fakeTurns) RecordTurn(context.Context, store.TurnRecord) error { return nil }

func (f *fakeTurns) SessionTurns(_ context.Context, _ string, limit int) ([]store.TurnRecord, error) {
	f.lastLimit = limit
	return f.turns, f.err
}

func testCatalog(t *testing.T) *scenario.Catalog {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		scenario.IndexFile: `{"default_id": "meeting_1st", "scenarios": [{"id": "meeting_1st", "file": "m1.json"}]}`,
		"m1.json":          `{"id": "meeting_1st", "title": "1次面談", "persona": {"customer_role": "美容サロン経営者"}}`,
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

func newTestServer(t *testing.T, model llm.Provider, deps Deps) *Server {
	t.Helper()
	var opts []turn.Option
	if model != nil {
		opts = append(opts, turn.WithLLM(model))
	}
	deps.Engine = turn.New(synth.NewPool(&ttsmock.Provider{}, synth.Config{}), turn.Config{}, opts...)
	s, err := New(Config{}, deps)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// sseEvents parses "data: {...}" frames.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestNewRequiresEngine(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error without engine")
	}
}

func TestChatStream(t *testing.T) {
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("そうですね。", "予算は未定です。")}
	s := newTestServer(t, model, Deps{})

	rec := do(s, http.MethodPost, "/api/chat-stream", `{"message": "ご予算は？", "history": [{"speaker": "営業", "text": "こんにちは"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id")
	}
	evs := sseEvents(t, rec.Body.String())
	if len(evs) < 2 || len(evs) > 3 {
		t.Fatalf("events = %v", evs)
	}
	if last := evs[len(evs)-1]; last["final"] != true {
		t.Errorf("turn not closed: %v", last)
	}
	// Both chunks end in a sentence mark, so the second may already be
	// delivered before the stream ends and a closing event follows.
	if len(evs) == 3 && evs[2]["chunk"] != float64(0) {
		t.Errorf("closing event = %v", evs[2])
	}
	if evs[0]["chunk"] != float64(1) || evs[0]["text"] != "そうですね。" || evs[0]["final"] != nil {
		t.Errorf("first event = %v", evs[0])
	}
	audio, _ := base64.StdEncoding.DecodeString(evs[1]["audio"].(string))
	if evs[1]["chunk"] != float64(2) || string(audio) != "予算は未定です。" {
		t.Errorf("second event = %v", evs[1])
	}
}

func TestChatStreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		model    llm.Provider
		body     string
		wantCode int
		wantBody string
	}{
		{"bad json", nil, `{`, http.StatusBadRequest, `"success":false`},
		{"empty message", nil, `{"message": "  "}`, http.StatusBadRequest, "message is empty"},
		{"stream fails", &llmmock.Provider{StreamErr: errors.New("unauthorized")}, `{"message": "x"}`, http.StatusOK, `data: {"error":"reply generation failed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newTestServer(t, tt.model, Deps{}), http.MethodPost, "/api/chat-stream", tt.body)
			if rec.Code != tt.wantCode || !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestChat(t *testing.T) {
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "えーと、検討します。"}}
	rec := do(newTestServer(t, model, Deps{}), http.MethodPost, "/api/chat", `{"session_id": "s1", "message": "いかがですか"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Response != "えーと、検討します。" || body.SessionID != "s1" || body.TurnID == "" || body.Mock {
		t.Errorf("body = %+v", body)
	}

	rec = do(newTestServer(t, nil, Deps{}), http.MethodPost, "/api/chat", `{"message": "はじめまして"}`)
	if !strings.Contains(rec.Body.String(), `"mock":true`) {
		t.Errorf("canned reply not flagged: %s", rec.Body.String())
	}
}

func TestChatWebSocket(t *testing.T) {
	model := &llmmock.Provider{StreamChunks: llmmock.Tokens("はい、", "そうですね。")}
	s := newTestServer(t, model, Deps{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/chat-ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() map[string]any {
		t.Helper()
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if ev := read(); !strings.HasPrefix(ev["error"].(string), "invalid JSON") {
		t.Errorf("bad frame answer = %v", ev)
	}

	for range 2 {
		if err := conn.WriteJSON(map[string]string{"message": "ご予算は？"}); err != nil {
			t.Fatal(err)
		}
		var text strings.Builder
		for {
			ev := read()
			if part, ok := ev["text"].(string); ok {
				text.WriteString(part)
			}
			if ev["final"] == true {
				break
			}
		}
		if text.String() != "はい、そうですね。" {
			t.Errorf("turn text = %q", text.String())
		}
	}

	if err := conn.WriteJSON(map[string]string{"message": ""}); err != nil {
		t.Fatal(err)
	}
	if ev := read(); ev["success"] != false {
		t.Errorf("invalid request answer = %v", ev)
	}
}

func TestSynthesize(t *testing.T) {
	speech := &ttsmock.Provider{Audio: []byte("mp3")}
	s := newTestServer(t, nil, Deps{Speech: speech})

	rec := do(s, http.MethodPost, "/api/tts", `{"text": "こんにちは", "voice": "Mizuki"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "mp3" || rec.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if v := speech.Calls[0].Voice.ID; v != "Mizuki" {
		t.Errorf("voice = %q, a Polly voice must reach the backend unchanged", v)
	}

	do(s, http.MethodPost, "/api/tts", `{"text": "こんにちは"}`)
	if v := speech.Calls[1].Voice.ID; v != defaultSpeechVoice {
		t.Errorf("voice = %q, want the default", v)
	}

	do(s, http.MethodPost, "/api/tts", `{"text": "こんにちは", "voice": "21m00Tcm4TlvDq8ikWAM"}`)
	if v := speech.Calls[2].Voice.ID; v != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("voice = %q, an ElevenLabs voice id must reach the backend unchanged", v)
	}

	if rec := do(s, http.MethodPost, "/api/tts", `{"text": " "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty text: %d", rec.Code)
	}

	speech.Err = &provider.Error{Provider: "openai", Op: "synthesize", Kind: provider.KindRateLimited, Err: errors.New("slow down")}
	if rec := do(s, http.MethodPost, "/api/tts", `{"text": "x"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("rate limited: %d", rec.Code)
	}

	if rec := do(newTestServer(t, nil, Deps{}), http.MethodPost, "/api/tts", `{"text": "x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no provider: %d", rec.Code)
	}
}

func upload(t *testing.T, s *Server, audio []byte, language string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if audio != nil {
		fw, err := mw.CreateFormFile("audio", "rec.webm")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(audio)
	}
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTranscribe(t *testing.T) {
	recognizer := &sttmock.Provider{Text: "本日はよろしくお願いします"}
	s := newTestServer(t, nil, Deps{STT: recognizer})
	audio := bytes.Repeat([]byte{0x1a}, 2048)

	rec := upload(t, s, audio, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"text":"本日はよろしくお願いします"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	c := recognizer.Calls[0]
	if c.Language != "ja" || c.Filename != "rec.webm" || len(c.Audio) != 2048 {
		t.Errorf("call = %s/%s/%d", c.Language, c.Filename, len(c.Audio))
	}

	upload(t, s, audio, "en")
	if recognizer.Calls[1].Language != "en" {
		t.Errorf("language = %q", recognizer.Calls[1].Language)
	}

	tests := []struct {
		name  string
		s     *Server
		audio []byte
		want  int
	}{
		{"too short", s, audio[:1000], http.StatusBadRequest},
		{"missing file", s, nil, http.StatusBadRequest},
		{"not configured", newTestServer(t, nil, Deps{}), audio, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := upload(t, tt.s, tt.audio, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t, nil, Deps{Scenarios: staticScenarios{testCatalog(t)}})

	rec := do(s, http.MethodGet, "/api/scenarios", "")
	var list scenarioList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.DefaultID != "meeting_1st" || len(list.Scenarios) != 1 || list.Scenarios[0].Title != "1次面談" {
		t.Errorf("list = %+v", list)
	}

	rec = do(s, http.MethodGet, "/api/scenarios/meeting_1st", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "美容サロン経営者") {
		t.Errorf("get = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(s, http.MethodGet, "/api/scenarios/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}

	rec = do(newTestServer(t, nil, Deps{}), http.MethodGet, "/api/scenarios", "")
	if !strings.Contains(rec.Body.String(), `"scenarios":[]`) {
		t.Errorf("empty catalogue = %s", rec.Body.String())
	}
}

func TestSessionTurns(t *testing.T) {
	turns := &fakeTurns{turns: []store.TurnRecord{{SessionID: "s1", TurnID: "t1", Reply: "はい"}}}
	s := newTestServer(t, nil, Deps{Turns: turns})

	rec := do(s, http.MethodGet, "/api/sessions/s1/turns", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"turn_id":"t1"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if turns.lastLimit != defaultTurnList {
		t.Errorf("limit = %d", turns.lastLimit)
	}

	do(s, http.MethodGet, "/api/sessions/s1/turns?limit=10000", "")
	if turns.lastLimit != maxTurnList {
		t.Errorf("limit = %d, want capped", turns.lastLimit)
	}
	if rec := do(s, http.MethodGet, "/api/sessions/s1/turns?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit = %d", rec.Code)
	}

	turns.turns, turns.err = nil, errors.New("db down")
	if rec := do(s, http.MethodGet, "/api/sessions/s1/turns", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error = %d", rec.Code)
	}

	turns.err = nil
	if rec := do(s, http.MethodGet, "/api/sessions/s2/turns", ""); !strings.Contains(rec.Body.String(), `"turns":[]`) {
		t.Errorf("unknown session = %s", rec.Body.String())
	}

	if rec := do(newTestServer(t, nil, Deps{}), http.MethodGet, "/api/sessions/s1/turns", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no store = %d", rec.Code)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	s := newTestServer(t, nil, Deps{Health: health.New(), MetricsHandler: metrics})

	if rec := do(s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/metrics", ""); rec.Body.String() != "# metrics" {
		t.Errorf("metrics = %q", rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&provider.Error{Kind: provider.KindInvalidInput, Err: errors.New("x")}, http.StatusBadRequest},
		{&provider.Error{Kind: provider.KindTransient, Err: errors.New("x")}, http.StatusGatewayTimeout},
		{&provider.Error{Kind: provider.KindAuth, Err: errors.New("x")}, http.StatusBadGateway},
		{errors.New("x"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
