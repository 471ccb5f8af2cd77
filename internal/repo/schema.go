package repo

import (
	"context"
	"fmt"
)

// Schema notes:
// cards holds one scheduling row per (user, problem); review_logs is the
// append-only history; user_parameters keeps at most one active row per
// user; idempotency_records dedupes writes. Relationships are logical,
// no foreign keys.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cards (
		id            BIGSERIAL PRIMARY KEY,
		user_id       BIGINT NOT NULL,
		problem_id    BIGINT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'NEW',
		difficulty    DOUBLE PRECISION NOT NULL DEFAULT 0,
		stability     DOUBLE PRECISION NOT NULL DEFAULT 0,
		review_count  INTEGER NOT NULL DEFAULT 0,
		lapses        INTEGER NOT NULL DEFAULT 0,
		last_grade    INTEGER,
		interval_days INTEGER NOT NULL DEFAULT 0,
		last_review   TIMESTAMPTZ,
		next_review   TIMESTAMPTZ,
		deleted       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, problem_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_user_due
		ON cards (user_id, next_review) WHERE NOT deleted`,
	`CREATE TABLE IF NOT EXISTS review_logs (
		id             UUID PRIMARY KEY,
		user_id        BIGINT NOT NULL,
		problem_id     BIGINT NOT NULL,
		card_id        BIGINT NOT NULL,
		rating         INTEGER NOT NULL,
		elapsed_days   DOUBLE PRECISION NOT NULL DEFAULT 0,
		review_type    TEXT NOT NULL DEFAULT 'SCHEDULED',
		old_state      TEXT NOT NULL,
		new_state      TEXT NOT NULL,
		old_stability  DOUBLE PRECISION,
		new_stability  DOUBLE PRECISION NOT NULL,
		old_difficulty DOUBLE PRECISION,
		new_difficulty DOUBLE PRECISION NOT NULL,
		response_time_ms INTEGER,
		reviewed_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_review_logs_user_time
		ON review_logs (user_id, reviewed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_review_logs_card
		ON review_logs (card_id, reviewed_at)`,
	`CREATE TABLE IF NOT EXISTS user_parameters (
		id                      BIGSERIAL PRIMARY KEY,
		user_id                 BIGINT NOT NULL,
		weights                 DOUBLE PRECISION[] NOT NULL,
		request_retention       DOUBLE PRECISION NOT NULL,
		maximum_interval        INTEGER NOT NULL,
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		training_count          INTEGER NOT NULL DEFAULT 0,
		optimized_at            TIMESTAMPTZ,
		performance_improvement DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_parameters_active
		ON user_parameters (user_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS problems (
		id         BIGSERIAL PRIMARY KEY,
		title      TEXT NOT NULL,
		difficulty TEXT NOT NULL DEFAULT 'MEDIUM',
		tags       TEXT[] NOT NULL DEFAULT '{}',
		categories TEXT[] NOT NULL DEFAULT '{}',
		deleted    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		id         BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		user_id    BIGINT NOT NULL,
		operation  TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'IN_PROGRESS',
		response   JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, user_id, operation)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_created
		ON idempotency_records (created_at)`,
}

// EnsureSchema applies the schema statements in order. Every statement is
// idempotent, so repeated startups are safe.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
