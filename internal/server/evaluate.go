package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrWong99/roleplay/internal/evaluate"
	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/store"
)

const recordEvaluationTimeout = 5 * time.Second

type evaluateRequest struct {
	Conversation []rag.Turn `json:"conversation"`
	ScenarioID   string     `json:"scenario_id"`
	SessionID    string     `json:"session_id"`
}

type evaluateResponse struct {
	Success bool `json:"success"`

	// EvaluationID is set when the evaluation was stored.
	EvaluationID string               `json:"evaluation_id,omitempty"`
	Evaluation   *evaluate.Evaluation `json:"evaluation"`
	Timestamp    time.Time            `json:"timestamp"`
}

// evaluateConversation scores the salesperson's side of a finished practice
// conversation.
func (s *Server) evaluateConversation(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := evaluate.Input{Conversation: req.Conversation, ScenarioID: req.ScenarioID}
	if req.ScenarioID != "" {
		if sc, ok := s.catalog().Get(req.ScenarioID); ok {
			in.Scenario = sc
		}
	}

	ctx := r.Context()
	if req.SessionID != "" {
		ctx = observe.WithTurn(ctx, req.SessionID, "")
	}
	ev, err := s.deps.Evaluator.Evaluate(ctx, in)
	switch {
	case errors.Is(err, evaluate.ErrNoSalesLines):
		writeError(w, http.StatusBadRequest, "conversation has no salesperson lines")
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		internalError(w, r, "evaluate conversation", err)
		return
	}

	resp := evaluateResponse{Success: true, Evaluation: ev, Timestamp: time.Now().UTC()}
	if s.deps.Evaluations != nil {
		id, err := s.recordEvaluation(ctx, req, ev)
		if err != nil {
			observe.Logger(ctx).Warn("server: evaluation not stored", "err", err)
		} else {
			resp.EvaluationID = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordEvaluation(ctx context.Context, req evaluateRequest, ev *evaluate.Evaluation) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	rec := store.EvaluationRecord{
		EvaluationID: uuid.NewString(),
		SessionID:    req.SessionID,
		ScenarioID:   req.ScenarioID,
		Source:       string(ev.Source),
		Questioning:  ev.Scores.Questioning,
		Listening:    ev.Scores.Listening,
		Proposing:    ev.Scores.Proposing,
		Closing:      ev.Scores.Closing,
		Total:        ev.Scores.Total,
		Body:         body,
		CreatedAt:    time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordEvaluationTimeout)
	defer cancel()
	if err := s.deps.Evaluations.RecordEvaluation(ctx, rec); err != nil {
		return "", err
	}
	return rec.EvaluationID, nil
}

type evaluationList struct {
	Success     bool                     `json:"success"`
	SessionID   string                   `json:"session_id"`
	Evaluations []store.EvaluationRecord `json:"evaluations"`
}

// sessionEvaluations lists the stored evaluations of one session, oldest
// first.
func (s *Server) sessionEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evaluations == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation log is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	evals, err := s.deps.Evaluations.SessionEvaluations(r.Context(), id)
	if err != nil {
		internalError(w, r, "list evaluations", err)
		return
	}
	if evals == nil {
		evals = []store.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, evaluationList{Success: true, SessionID: id, Evaluations: evals})
}
