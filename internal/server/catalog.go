package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/internal/store"
)

type scenarioList struct {
	Success   bool               `json:"success"`
	DefaultID string             `json:"default_id"`
	Scenarios []scenario.Summary `json:"scenarios"`
}

func (s *Server) catalog() *scenario.Catalog {
	if s.deps.Scenarios == nil {
		return scenario.Empty()
	}
	if c := s.deps.Scenarios.Current(); c != nil {
		return c
	}
	return scenario.Empty()
}

func (s *Server) listScenarios(w http.ResponseWriter, _ *http.Request) {
	c := s.catalog()
	writeJSON(w, http.StatusOK, scenarioList{Success: true, DefaultID: c.DefaultID(), Scenarios: c.List()})
}

func (s *Server) getScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := s.catalog().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "scenario not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool               `json:"success"`
		Scenario *scenario.Scenario `json:"scenario"`
	}{true, sc})
}

type turnList struct {
	Success   bool               `json:"success"`
	SessionID string             `json:"session_id"`
	Turns     []store.TurnRecord `json:"turns"`
}

// sessionTurns lists the stored turns of one session, oldest first.
func (s *Server) sessionTurns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Turns == nil {
		writeError(w, http.StatusServiceUnavailable, "turn log is not configured")
		return
	}
	limit := defaultTurnList
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnList)
	}
	id := chi.URLParam(r, "id")
	turns, err := s.deps.Turns.SessionTurns(r.Context(), id, limit)
	if err != nil {
		internalError(w, r, "list turns", err)
		return
	}
	if turns == nil {
		turns = []store.TurnRecord{}
	}
	writeJSON(w, http.StatusOK, turnList{Success: true, SessionID: id, Turns: turns})
}
