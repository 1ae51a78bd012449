package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/roleplay/internal/store"
)

var (
	_ store.TurnLog       = (*Store)(nil)
	_ store.EvaluationLog = (*Store)(nil)
	_ store.PassageMirror = (*Store)(nil)
)

// Store is the PostgreSQL-backed turn log, evaluation log and passage mirror. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks the connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// RecordTurn implements store.TurnLog. A missing turn id is generated and a
// zero CreatedAt is set to now.
func (s *Store) RecordTurn(ctx context.Context, rec store.TurnRecord) error {
	id, err := turnUUID(rec.TurnID)
	if err != nil {
		return fmt.Errorf("postgres store: record turn: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO roleplay_turns
		    (turn_id, session_id, scenario_id, message, reply, chunks, failed_chunks, retrieved, mock, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (turn_id) DO NOTHING`
	_, err = s.pool.Exec(ctx, q,
		id,
		rec.SessionID,
		rec.ScenarioID,
		rec.Message,
		rec.Reply,
		rec.Chunks,
		rec.FailedChunks,
		rec.Retrieved,
		rec.Mock,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record turn: %w", err)
	}
	return nil
}

// SessionTurns implements store.TurnLog. Turns are returned oldest first. A
// limit of zero or less returns every turn.
func (s *Store) SessionTurns(ctx context.Context, sessionID string, limit int) ([]store.TurnRecord, error) {
	q := `
		SELECT turn_id, session_id, scenario_id, message, reply, chunks, failed_chunks, retrieved, mock, created_at
		FROM   roleplay_turns
		WHERE  session_id = $1
		ORDER  BY created_at, turn_id`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\tLIMIT  $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: session turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TurnRecord, error) {
		var (
			rec store.TurnRecord
			id  uuid.UUID
		)
		err := row.Scan(&id, &rec.SessionID, &rec.ScenarioID, &rec.Message, &rec.Reply,
			&rec.Chunks, &rec.FailedChunks, &rec.Retrieved, &rec.Mock, &rec.CreatedAt)
		rec.TurnID = id.String()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return turns, nil
}

// RecordEvaluation implements store.EvaluationLog. A missing evaluation id is
// generated and a zero CreatedAt is set to now.
func (s *Store) RecordEvaluation(ctx context.Context, rec store.EvaluationRecord) error {
	id, err := turnUUID(rec.EvaluationID)
	if err != nil {
		return fmt.Errorf("postgres store: record evaluation: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	body := rec.Body
	if len(body) == 0 {
		body = []byte("{}")
	}
	const q = `
		INSERT INTO roleplay_evaluations
		    (evaluation_id, session_id, scenario_id, source, questioning, listening, proposing, closing, total, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (evaluation_id) DO NOTHING`
	_, err = s.pool.Exec(ctx, q,
		id,
		rec.SessionID,
		rec.ScenarioID,
		rec.Source,
		rec.Questioning,
		rec.Listening,
		rec.Proposing,
		rec.Closing,
		rec.Total,
		string(body),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record evaluation: %w", err)
	}
	return nil
}

// SessionEvaluations implements store.EvaluationLog, oldest first.
func (s *Store) SessionEvaluations(ctx context.Context, sessionID string) ([]store.EvaluationRecord, error) {
	const q = `
		SELECT evaluation_id, session_id, scenario_id, source, questioning, listening, proposing, closing, total, body, created_at
		FROM   roleplay_evaluations
		WHERE  session_id = $1
		ORDER  BY created_at, evaluation_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: session evaluations: %w", err)
	}
	evals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.EvaluationRecord, error) {
		var (
			rec  store.EvaluationRecord
			id   uuid.UUID
			body []byte
		)
		err := row.Scan(&id, &rec.SessionID, &rec.ScenarioID, &rec.Source,
			&rec.Questioning, &rec.Listening, &rec.Proposing, &rec.Closing, &rec.Total,
			&body, &rec.CreatedAt)
		rec.EvaluationID = id.String()
		rec.Body = body
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan evaluations: %w", err)
	}
	return evals, nil
}

// UpsertPassages implements store.PassageMirror. All rows are written in one
// batch; a failing row fails the call.
func (s *Store) UpsertPassages(ctx context.Context, passages []store.MirroredPassage) error {
	if len(passages) == 0 {
		return nil
	}
	const q = `
		INSERT INTO roleplay_passages
		    (id, text, scenario_id, type, source_file, speaker_type, scene, topics, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
		    text          = EXCLUDED.text,
		    scenario_id   = EXCLUDED.scenario_id,
		    type          = EXCLUDED.type,
		    source_file   = EXCLUDED.source_file,
		    speaker_type  = EXCLUDED.speaker_type,
		    scene         = EXCLUDED.scene,
		    topics        = EXCLUDED.topics,
		    embedding     = EXCLUDED.embedding,
		    updated_at    = now()`

	batch := &pgx.Batch{}
	for _, p := range passages {
		topics := p.Topics
		if topics == nil {
			topics = []string{}
		}
		batch.Queue(q, p.ID, p.Text, p.ScenarioID, p.Type, p.SourceFile, p.SpeakerType, p.Scene,
			topics, pgvector.NewVector(p.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: upsert passages: %w", err)
	}
	return nil
}

// NearestPassages returns the ids of the k mirrored passages closest to vec
// by cosine distance, optionally restricted to one scenario.
func (s *Store) NearestPassages(ctx context.Context, vec []float32, scenarioID string, k int) ([]string, error) {
	args := []any{pgvector.NewVector(vec), k}
	where := ""
	if scenarioID != "" {
		args = append(args, scenarioID)
		where = "WHERE scenario_id = $3"
	}
	q := fmt.Sprintf(`
		SELECT id
		FROM   roleplay_passages
		%s
		ORDER  BY embedding <=> $1, id
		LIMIT  $2`, where)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest passages: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan passages: %w", err)
	}
	return ids, nil
}

func turnUUID(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(id)
}
