// Package events publishes domain events about completed roleplay turns to a
// message broker. NATS and Kafka are supported; without a broker events are
// only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SubjectTurnCompleted is the subject (NATS) or topic (Kafka) of
// [TurnCompleted] events.
const SubjectTurnCompleted = "roleplay.turn.completed"

// TurnCompleted is published after every customer turn.
type TurnCompleted struct {
	SessionID    string    `json:"session_id"`
	TurnID       string    `json:"turn_id"`
	ScenarioID   string    `json:"scenario_id"`
	Transport    string    `json:"transport"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks"`
	Retrieved    int       `json:"retrieved"`
	Widened      bool      `json:"widened"`
	Mock         bool      `json:"mock"`
	FirstChunkMS int64     `json:"first_chunk_ms"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	// Publish encodes event as JSON and sends it under subject. key groups
	// related events (the session id) where the broker supports it.
	Publish(ctx context.Context, subject, key string, event any) error

	// Ready reports whether the publisher can currently deliver.
	Ready(ctx context.Context) error

	// Close flushes pending events and releases the connection.
	Close() error
}

func encode(event any) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	return payload, nil
}

// LogPublisher writes events to a logger instead of a broker.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher returns a LogPublisher. A nil logger uses slog.Default.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, subject, key string, event any) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "event", "subject", subject, "key", key, "payload", string(payload))
	return nil
}

// Ready implements Publisher. It is always ready.
func (p *LogPublisher) Ready(context.Context) error { return nil }

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
