package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/roleplay/internal/evaluate"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	llmmock "github.com/MrWong99/roleplay/pkg/provider/llm/mock"
)

type fakeEvaluations struct {
	mu       sync.Mutex
	recorded []store.EvaluationRecord
	err      error
}

func (f *fakeEvaluations) RecordEvaluation(_ context.Context, rec store.EvaluationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeEvaluations) SessionEvaluations(context.Context, string) ([]store.EvaluationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded, f.err
}

const evaluateBody = `{
  "session_id": "s1",
  "scenario_id": "meeting_1st",
  "conversation": [
    {"speaker": "営業", "text": "現在どのような課題をお持ちですか？"},
    {"speaker": "顧客", "text": "集客ですね。"},
    {"speaker": "営業", "text": "なるほど、ご提案させてください。"}
  ]
}`

func decodeEvaluation(t *testing.T, body string) evaluateResponse {
	t.Helper()
	var resp evaluateResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return resp
}

func TestEvaluateHeuristicAndStored(t *testing.T) {
	evals := &fakeEvaluations{}
	s := newTestServer(t, nil, Deps{Evaluations: evals, Scenarios: staticScenarios{testCatalog(t)}})

	rec := do(s, http.MethodPost, "/api/evaluate", evaluateBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeEvaluation(t, rec.Body.String())
	if !resp.Success || resp.Evaluation == nil || resp.Evaluation.Source != evaluate.SourceHeuristic {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Evaluation.TotalUtterances != 2 || resp.Timestamp.IsZero() {
		t.Errorf("evaluation = %+v, timestamp %v", resp.Evaluation, resp.Timestamp)
	}

	if len(evals.recorded) != 1 {
		t.Fatalf("recorded = %d", len(evals.recorded))
	}
	got := evals.recorded[0]
	if got.EvaluationID != resp.EvaluationID || got.SessionID != "s1" || got.ScenarioID != "meeting_1st" {
		t.Errorf("record = %+v, response id %q", got, resp.EvaluationID)
	}
	if got.Source != "heuristic" || got.Total != resp.Evaluation.Scores.Total {
		t.Errorf("record scores = %+v", got)
	}
	if !strings.Contains(string(got.Body), `"strengths"`) {
		t.Errorf("body = %s", got.Body)
	}

	rec = do(s, http.MethodGet, "/api/sessions/s1/evaluations", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), resp.EvaluationID) {
		t.Errorf("list = %d %s", rec.Code, rec.Body.String())
	}
}

func TestEvaluateWithModelUsesScenario(t *testing.T) {
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"scores":{"questioning":4,"listening":4,"proposing":4,"closing":4},"overall":"良い面談です。"}`,
	}}
	s := newTestServer(t, nil, Deps{
		Scenarios: staticScenarios{testCatalog(t)},
		Evaluator: evaluate.New(evaluate.Config{}, evaluate.WithLLM(model)),
	})

	rec := do(s, http.MethodPost, "/api/evaluate", evaluateBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeEvaluation(t, rec.Body.String())
	if resp.Evaluation.Source != evaluate.SourceLLM || resp.Evaluation.Scores.Total != 4 {
		t.Errorf("evaluation = %+v", resp.Evaluation)
	}
	if resp.EvaluationID != "" {
		t.Errorf("evaluation id %q without an evaluation log", resp.EvaluationID)
	}
	if len(model.CompleteCalls) != 1 || !strings.Contains(model.CompleteCalls[0].Req.Messages[0].Content, "【シナリオ】: 1次面談") {
		t.Errorf("prompt does not carry the scenario: %+v", model.CompleteCalls)
	}
}

func TestEvaluateErrors(t *testing.T) {
	s := newTestServer(t, nil, Deps{})
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"conversation": [`, "invalid JSON"},
		{"customer only", `{"conversation": [{"speaker": "顧客", "text": "こんにちは"}]}`, "no salesperson lines"},
		{"empty", `{}`, "no salesperson lines"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/api/evaluate", tt.body)
			if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestEvaluateStoreFailureStillAnswers(t *testing.T) {
	evals := &fakeEvaluations{err: errors.New("db down")}
	s := newTestServer(t, nil, Deps{Evaluations: evals})

	rec := do(s, http.MethodPost, "/api/evaluate", evaluateBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeEvaluation(t, rec.Body.String()); resp.EvaluationID != "" || resp.Evaluation == nil {
		t.Errorf("response = %+v", resp)
	}

	if rec := do(s, http.MethodGet, "/api/sessions/s1/evaluations", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("list with store error = %d", rec.Code)
	}
	if rec := do(newTestServer(t, nil, Deps{}), http.MethodGet, "/api/sessions/s1/evaluations", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no store = %d", rec.Code)
	}
	evals.err = nil
	if rec := do(s, http.MethodGet, "/api/sessions/s2/evaluations", ""); !strings.Contains(rec.Body.String(), `"evaluations":[]`) {
		t.Errorf("empty list = %s", rec.Body.String())
	}
}
