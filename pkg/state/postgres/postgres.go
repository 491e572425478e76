package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/state"
)

// Compile-time assertion that Store satisfies state.Store.
var _ state.Store = (*Store)(nil)

// Store is the PostgreSQL-backed conversation state store. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// and runs [Migrate] to ensure all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("state store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("state store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("state store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("state store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool so sibling stores (learning,
// embedding cache) can share it instead of opening their own.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// GetOrCreate implements [state.Store]. The insert-or-noop upsert makes
// concurrent creation of the same conversation race-free.
func (s *Store) GetOrCreate(ctx context.Context, conversationID string) (*game.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("state store: empty conversation id")
	}

	const insert = `
		INSERT INTO conversations (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, conversationID); err != nil {
		return nil, fmt.Errorf("state store: create conversation: %w", err)
	}

	const query = `
		SELECT id, created_at, updated_at, current_move, awaiting_response,
		       last_question, awaiting_slot_move, awaiting_slot_name, metadata
		FROM   conversations
		WHERE  id = $1`

	var c game.Conversation
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.CurrentMove, &c.AwaitingResponse,
		&c.LastQuestion, &c.AwaitingSlotMove, &c.AwaitingSlotName, &c.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("state store: load conversation: %w", err)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return &c, nil
}

// UpdateConversation implements [state.Store].
func (s *Store) UpdateConversation(ctx context.Context, conv *game.Conversation) error {
	const q = `
		UPDATE conversations SET
		    updated_at         = now(),
		    current_move       = $2,
		    awaiting_response  = $3,
		    last_question      = $4,
		    awaiting_slot_move = $5,
		    awaiting_slot_name = $6,
		    metadata           = $7
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, conv.ID, conv.CurrentMove, conv.AwaitingResponse,
		conv.LastQuestion, conv.AwaitingSlotMove, conv.AwaitingSlotName, conv.Metadata)
	if err != nil {
		return fmt.Errorf("state store: update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("state store: conversation %q does not exist", conv.ID)
	}
	return nil
}

// SaveTurn implements [state.Store]. The conversation row is locked FOR
// UPDATE for the duration of the transaction, which serializes concurrent
// appends across processes; the (conversation_id, turn_num) primary key
// catches any write that slips past the lock.
func (s *Store) SaveTurn(ctx context.Context, t *game.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state store: begin save turn: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	const lock = `SELECT TRUE FROM conversations WHERE id = $1 FOR UPDATE`
	err = tx.QueryRow(ctx, lock, t.ConversationID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("state store: conversation %q does not exist", t.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("state store: lock conversation: %w", err)
	}

	const next = `SELECT COALESCE(MAX(turn_num), 0) + 1 FROM turns WHERE conversation_id = $1`
	if err := tx.QueryRow(ctx, next, t.ConversationID).Scan(&t.Num); err != nil {
		return fmt.Errorf("state store: next turn number: %w", err)
	}

	const insert = `
		INSERT INTO turns (conversation_id, turn_num, user_input, sanitized_input,
		                   matched_move, confidence, response, extracted_params, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING timestamp`
	err = tx.QueryRow(ctx, insert, t.ConversationID, t.Num, t.UserInput, t.SanitizedInput,
		t.MatchedMove, t.Confidence, t.Response, t.ExtractedParams, string(t.Outcome)).Scan(&t.Timestamp)
	if err != nil {
		return fmt.Errorf("state store: insert turn: %w", err)
	}

	const touch = `UPDATE conversations SET updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, touch, t.ConversationID); err != nil {
		return fmt.Errorf("state store: touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state store: commit save turn: %w", err)
	}
	return nil
}

// RecentTurns implements [state.Store].
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]game.Turn, error) {
	if limit <= 0 {
		limit = state.DefaultRecentTurns
	}

	const q = `
		SELECT conversation_id, turn_num, timestamp, user_input, sanitized_input,
		       matched_move, confidence, response, extracted_params, outcome
		FROM (
		    SELECT * FROM turns
		    WHERE conversation_id = $1
		    ORDER BY turn_num DESC
		    LIMIT $2
		) recent
		ORDER BY turn_num ASC`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("state store: recent turns: %w", err)
	}
	defer rows.Close()

	turns := []game.Turn{}
	for rows.Next() {
		var (
			t       game.Turn
			outcome string
		)
		if err := rows.Scan(&t.ConversationID, &t.Num, &t.Timestamp, &t.UserInput,
			&t.SanitizedInput, &t.MatchedMove, &t.Confidence, &t.Response,
			&t.ExtractedParams, &outcome); err != nil {
			return nil, fmt.Errorf("state store: scan turn: %w", err)
		}
		t.Outcome = game.Outcome(outcome)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// UpsertSlot implements [state.Store].
func (s *Store) UpsertSlot(ctx context.Context, v game.SlotValue) error {
	const q = `
		INSERT INTO slots (conversation_id, move_id, slot_name, value, kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, move_id, slot_name) DO UPDATE SET
		    value      = EXCLUDED.value,
		    kind       = EXCLUDED.kind,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, v.ConversationID, v.MoveID, v.SlotName, v.Value, string(v.Kind)); err != nil {
		return fmt.Errorf("state store: upsert slot: %w", err)
	}
	return nil
}

// Slots implements [state.Store].
func (s *Store) Slots(ctx context.Context, conversationID, moveID string) (map[string]game.SlotValue, error) {
	const q = `
		SELECT conversation_id, move_id, slot_name, value, kind, updated_at
		FROM   slots
		WHERE  conversation_id = $1 AND move_id = $2`

	rows, err := s.pool.Query(ctx, q, conversationID, moveID)
	if err != nil {
		return nil, fmt.Errorf("state store: slots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]game.SlotValue)
	for rows.Next() {
		var (
			v    game.SlotValue
			kind string
		)
		if err := rows.Scan(&v.ConversationID, &v.MoveID, &v.SlotName, &v.Value, &kind, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("state store: scan slot: %w", err)
		}
		v.Kind = game.SlotKind(kind)
		out[v.SlotName] = v
	}
	return out, rows.Err()
}

// ClearSlots implements [state.Store]. A single DELETE is atomic in
// PostgreSQL: either every matching slot row is removed or none is.
func (s *Store) ClearSlots(ctx context.Context, conversationID, moveID string) error {
	const q = `DELETE FROM slots WHERE conversation_id = $1 AND move_id = $2`
	if _, err := s.pool.Exec(ctx, q, conversationID, moveID); err != nil {
		return fmt.Errorf("state store: clear slots: %w", err)
	}
	return nil
}

// SaveContext implements [state.Store].
func (s *Store) SaveContext(ctx context.Context, e game.ContextEntry) error {
	const q = `
		INSERT INTO extracted_context (conversation_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, key) DO UPDATE SET
		    value      = EXCLUDED.value,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, e.ConversationID, e.Key, e.Value); err != nil {
		return fmt.Errorf("state store: save context: %w", err)
	}
	return nil
}

// Context implements [state.Store].
func (s *Store) Context(ctx context.Context, conversationID string) (map[string]string, error) {
	const q = `SELECT key, value FROM extracted_context WHERE conversation_id = $1`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("state store: context: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("state store: scan context: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Delete implements [state.Store]. ON DELETE CASCADE on the child tables
// drops turns, slots, and context with the conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	const q = `DELETE FROM conversations WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, conversationID); err != nil {
		return fmt.Errorf("state store: delete conversation: %w", err)
	}
	return nil
}

// Ping implements [state.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [state.Store].
func (s *Store) Close() {
	s.pool.Close()
}
