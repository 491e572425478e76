// Package postgres is the durable learning store. Interactions are an
// append-only log; proposals carry their review lifecycle in-row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wittgen/lgdl/internal/learning"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

const ddlInteractions = `
CREATE TABLE IF NOT EXISTS learning_interactions (
	id           BIGSERIAL PRIMARY KEY,
	game_id      TEXT        NOT NULL,
	user_input   TEXT        NOT NULL,
	matched_move TEXT        NOT NULL DEFAULT '',
	confidence   REAL        NOT NULL DEFAULT 0,
	outcome      TEXT        NOT NULL,
	negotiation  JSONB,
	observed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS learning_interactions_game_idx
	ON learning_interactions (game_id, observed_at)`

const ddlProposals = `
CREATE TABLE IF NOT EXISTS learning_proposals (
	id          UUID        PRIMARY KEY,
	game_id     TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	move_id     TEXT        NOT NULL DEFAULT '',
	pattern     TEXT        NOT NULL DEFAULT '',
	term        TEXT        NOT NULL DEFAULT '',
	adjustment  REAL        NOT NULL DEFAULT 0,
	evidence    INT         NOT NULL DEFAULT 0,
	status      TEXT        NOT NULL DEFAULT 'pending',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	reviewed_by TEXT        NOT NULL DEFAULT '',
	reviewed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS learning_proposals_pending_idx
	ON learning_proposals (game_id, status, created_at)`

// Migrate creates the learning tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlInteractions, ddlProposals} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("learning store: migrate: %w", err)
		}
	}
	return nil
}

// Compile-time assertion that Store satisfies learning.Store.
var _ learning.Store = (*Store)(nil)

// Store is the PostgreSQL-backed learning store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool and runs [Migrate]. The pool is shared with the
// state store; callers own its lifecycle.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// SaveInteraction implements [learning.Store].
func (s *Store) SaveInteraction(ctx context.Context, in learning.Interaction) error {
	var negotiation []byte
	if in.Negotiation != nil {
		var err error
		negotiation, err = json.Marshal(in.Negotiation)
		if err != nil {
			return fmt.Errorf("learning store: encode negotiation: %w", err)
		}
	}
	const insert = `
		INSERT INTO learning_interactions
			(game_id, user_input, matched_move, confidence, outcome, negotiation, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, insert,
		in.GameID, in.UserInput, in.MatchedMove, in.Confidence, string(in.Outcome),
		negotiation, in.ObservedAt)
	if err != nil {
		return fmt.Errorf("learning store: save interaction: %w", err)
	}
	return nil
}

// SaveProposal implements [learning.Store].
func (s *Store) SaveProposal(ctx context.Context, p *learning.Proposal) error {
	const insert = `
		INSERT INTO learning_proposals
			(id, game_id, kind, move_id, pattern, term, adjustment, evidence, status, created_at, reviewed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, insert,
		p.ID, p.GameID, string(p.Kind), p.MoveID, p.Pattern, p.Term,
		p.Adjustment, p.Evidence, string(p.Status), p.CreatedAt, p.ReviewedBy)
	if err != nil {
		return fmt.Errorf("learning store: save proposal: %w", err)
	}
	return nil
}

// ProposalByID implements [learning.Store].
func (s *Store) ProposalByID(ctx context.Context, id string) (*learning.Proposal, error) {
	const query = `
		SELECT id, game_id, kind, move_id, pattern, term, adjustment, evidence,
		       status, created_at, reviewed_by, COALESCE(reviewed_at, 'epoch'::timestamptz)
		FROM   learning_proposals
		WHERE  id = $1`
	p, err := scanProposal(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lgerr.New(lgerr.CodeProposalUnknown, "proposal %q does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("learning store: load proposal: %w", err)
	}
	return p, nil
}

// UpdateProposal implements [learning.Store].
func (s *Store) UpdateProposal(ctx context.Context, p *learning.Proposal) error {
	const update = `
		UPDATE learning_proposals
		SET    status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, update, p.ID, string(p.Status), p.ReviewedBy, p.ReviewedAt)
	if err != nil {
		return fmt.Errorf("learning store: update proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lgerr.New(lgerr.CodeProposalUnknown, "proposal %q does not exist", p.ID)
	}
	return nil
}

// Pending implements [learning.Store].
func (s *Store) Pending(ctx context.Context, gameID string) ([]*learning.Proposal, error) {
	const query = `
		SELECT id, game_id, kind, move_id, pattern, term, adjustment, evidence,
		       status, created_at, reviewed_by, COALESCE(reviewed_at, 'epoch'::timestamptz)
		FROM   learning_proposals
		WHERE  game_id = $1 AND status = 'pending'
		ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("learning store: list pending: %w", err)
	}
	defer rows.Close()

	var out []*learning.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("learning store: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learning store: list pending: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*learning.Proposal, error) {
	var (
		p            learning.Proposal
		kind, status string
	)
	err := row.Scan(&p.ID, &p.GameID, &kind, &p.MoveID, &p.Pattern, &p.Term,
		&p.Adjustment, &p.Evidence, &status, &p.CreatedAt, &p.ReviewedBy, &p.ReviewedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = learning.Kind(kind)
	p.Status = learning.Status(status)
	return &p, nil
}
