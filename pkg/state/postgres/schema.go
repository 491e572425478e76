// Package postgres provides a PostgreSQL-backed implementation of
// [state.Store].
//
// All four record families share a single [pgxpool.Pool] connection pool.
// Turn numbering relies on a row lock on the conversation record: SaveTurn
// runs inside a transaction that selects the conversation FOR UPDATE, so
// concurrent appends to the same conversation serialize at the database even
// across processes. A unique constraint on (conversation_id, turn_num) backs
// this up.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                 TEXT         PRIMARY KEY,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    current_move       TEXT         NOT NULL DEFAULT '',
    awaiting_response  BOOLEAN      NOT NULL DEFAULT FALSE,
    last_question      TEXT         NOT NULL DEFAULT '',
    awaiting_slot_move TEXT         NOT NULL DEFAULT '',
    awaiting_slot_name TEXT         NOT NULL DEFAULT '',
    metadata           JSONB        NOT NULL DEFAULT '{}'
);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    turn_num         INTEGER      NOT NULL,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    user_input       TEXT         NOT NULL,
    sanitized_input  TEXT         NOT NULL DEFAULT '',
    matched_move     TEXT         NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
    response         TEXT         NOT NULL DEFAULT '',
    extracted_params JSONB        NOT NULL DEFAULT '{}',
    outcome          TEXT         NOT NULL DEFAULT 'unknown',
    PRIMARY KEY (conversation_id, turn_num)
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation_num
    ON turns (conversation_id, turn_num);
`

const ddlSlots = `
CREATE TABLE IF NOT EXISTS slots (
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    move_id          TEXT         NOT NULL,
    slot_name        TEXT         NOT NULL,
    value            TEXT         NOT NULL,
    kind             TEXT         NOT NULL DEFAULT 'string',
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, move_id, slot_name)
);

CREATE INDEX IF NOT EXISTS idx_slots_conversation_move
    ON slots (conversation_id, move_id);
`

const ddlContext = `
CREATE TABLE IF NOT EXISTS extracted_context (
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    key              TEXT         NOT NULL,
    value            TEXT         NOT NULL,
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, key)
);

CREATE INDEX IF NOT EXISTS idx_context_conversation_key
    ON extracted_context (conversation_id, key);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlConversations,
		ddlTurns,
		ddlSlots,
		ddlContext,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
