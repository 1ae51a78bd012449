// Package postgres implements the store contracts on PostgreSQL. The passage
// mirror requires the pgvector extension; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn, 3072)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.RecordTurn(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS roleplay_turns (
    turn_id        UUID         PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    scenario_id    TEXT         NOT NULL DEFAULT '',
    message        TEXT         NOT NULL,
    reply          TEXT         NOT NULL,
    chunks         INTEGER      NOT NULL DEFAULT 0,
    failed_chunks  INTEGER      NOT NULL DEFAULT 0,
    retrieved      INTEGER      NOT NULL DEFAULT 0,
    mock           BOOLEAN      NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_roleplay_turns_session
    ON roleplay_turns (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_roleplay_turns_scenario
    ON roleplay_turns (scenario_id);
`

const ddlEvaluations = `
CREATE TABLE IF NOT EXISTS roleplay_evaluations (
    evaluation_id  UUID         PRIMARY KEY,
    session_id     TEXT         NOT NULL DEFAULT '',
    scenario_id    TEXT         NOT NULL DEFAULT '',
    source         TEXT         NOT NULL,
    questioning    DOUBLE PRECISION NOT NULL,
    listening      DOUBLE PRECISION NOT NULL,
    proposing      DOUBLE PRECISION NOT NULL,
    closing        DOUBLE PRECISION NOT NULL,
    total          DOUBLE PRECISION NOT NULL,
    body           JSONB        NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_roleplay_evaluations_session
    ON roleplay_evaluations (session_id, created_at);
`

// ddlPassages returns the mirror DDL with the embedding dimension baked into
// the column type. No ANN index is created: HNSW supports at most 2000
// dimensions and the mirror is for analysis, not serving.
func ddlPassages(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS roleplay_passages (
    id            TEXT         PRIMARY KEY,
    text          TEXT         NOT NULL,
    scenario_id   TEXT         NOT NULL,
    type          TEXT         NOT NULL,
    source_file   TEXT         NOT NULL DEFAULT '',
    speaker_type  TEXT         NOT NULL DEFAULT '',
    scene         TEXT         NOT NULL DEFAULT '',
    topics        TEXT[]       NOT NULL DEFAULT '{}',
    embedding     vector(%d),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_roleplay_passages_scenario
    ON roleplay_passages (scenario_id, type);
`, dims)
}

// Migrate creates the tables if they do not exist. It is idempotent and safe
// to call on every start. dims must match the embedding model of the index;
// changing it later requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	for _, stmt := range []string{ddlTurns, ddlEvaluations, ddlPassages(dims)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
