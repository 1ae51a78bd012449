package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/turn"
)

type chatResponse struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Mock      bool      `json:"mock,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// chat answers with a single reply. Completion failures degrade to the
// canned reply inside the engine.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req turn.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Engine.Reply(r.Context(), req)
	if err != nil {
		if errors.Is(err, turn.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		internalError(w, r, "reply failed", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Success:   true,
		Response:  res.Reply,
		SessionID: res.SessionID,
		TurnID:    res.TurnID,
		Mock:      res.Mock,
		Timestamp: res.Timestamp,
	})
}

// sseWriter frames events as server-sent events. Headers are written with
// the first event so a request rejected before streaming still gets a plain
// JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (sw *sseWriter) emit(ev turn.Event) error {
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write(append(append([]byte("data: "), raw...), '\n', '\n')); err != nil {
		return err
	}
	return sw.rc.Flush()
}

// chatStream streams the reply as SSE chunk events.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req turn.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_, err := s.deps.Engine.Stream(r.Context(), req, turn.TransportSSE, sw.emit)
	if err == nil || sw.started {
		if err != nil {
			observe.Logger(r.Context()).Warn("server: stream ended with error", "err", err)
		}
		return
	}
	if errors.Is(err, turn.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	internalError(w, r, "stream failed", err)
}
