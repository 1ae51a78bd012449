// Package store defines the persistence contracts of the roleplay service:
// the per-turn conversation log, the evaluation log and the optional passage
// mirror used for ad-hoc SQL analysis of the similarity index.
//
// The similarity index itself lives in flat files (see internal/vecindex);
// nothing here is on the retrieval hot path.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TurnRecord is one completed customer turn.
type TurnRecord struct {
	SessionID    string `json:"session_id"`
	TurnID       string `json:"turn_id"`
	ScenarioID   string `json:"scenario_id"`
	Message      string `json:"message"`
	Reply        string `json:"reply"`
	Chunks       int    `json:"chunks"`
	FailedChunks int    `json:"failed_chunks"`

	// Retrieved is the number of examples added to the prompt.
	Retrieved int `json:"retrieved"`

	// Mock reports that the reply came from the canned fallback responses.
	Mock      bool      `json:"mock"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnLog persists completed turns.
type TurnLog interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
}

// EvaluationRecord is one scored practice conversation.
type EvaluationRecord struct {
	EvaluationID string `json:"evaluation_id"`
	SessionID    string `json:"session_id"`
	ScenarioID   string `json:"scenario_id"`

	// Source is "llm" or "heuristic".
	Source string `json:"source"`

	Questioning float64 `json:"questioning"`
	Listening   float64 `json:"listening"`
	Proposing   float64 `json:"proposing"`
	Closing     float64 `json:"closing"`
	Total       float64 `json:"total"`

	// Body is the complete evaluation as returned to the client.
	Body      json.RawMessage `json:"evaluation"`
	CreatedAt time.Time       `json:"created_at"`
}

// EvaluationLog persists evaluations.
type EvaluationLog interface {
	RecordEvaluation(ctx context.Context, rec EvaluationRecord) error
	SessionEvaluations(ctx context.Context, sessionID string) ([]EvaluationRecord, error)
}

// MirroredPassage is a passage row of the mirror table.
type MirroredPassage struct {
	// ID is stable across runs: "<index base>:<position>".
	ID          string
	Text        string
	ScenarioID  string
	Type        string
	SourceFile  string
	SpeakerType string
	Scene       string
	Topics      []string
	Embedding   []float32
}

// PassageMirror upserts passages with their embeddings.
type PassageMirror interface {
	UpsertPassages(ctx context.Context, passages []MirroredPassage) error
}

// Discard is a TurnLog and EvaluationLog that keeps nothing. It is used when
// no database is configured.
type Discard struct{}

var (
	_ TurnLog       = Discard{}
	_ EvaluationLog = Discard{}
)

// RecordTurn implements TurnLog.
func (Discard) RecordTurn(context.Context, TurnRecord) error { return nil }

// SessionTurns implements TurnLog. It always returns no turns.
func (Discard) SessionTurns(context.Context, string, int) ([]TurnRecord, error) { return nil, nil }

// RecordEvaluation implements EvaluationLog.
func (Discard) RecordEvaluation(context.Context, EvaluationRecord) error { return nil }

// SessionEvaluations implements EvaluationLog. It always returns none.
func (Discard) SessionEvaluations(context.Context, string) ([]EvaluationRecord, error) {
	return nil, nil
}
