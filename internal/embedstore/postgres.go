package embedstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Compile-time assertion that PGCache satisfies the Cache interface.
var _ Cache = (*PGCache)(nil)

// PGCache is a PostgreSQL/pgvector-backed vector cache. Every Put is a single
// upsert inside its own implicit transaction, which gives the per-entry
// durability the embedding store requires to survive crashes.
type PGCache struct {
	pool *pgxpool.Pool
}

// NewPGCache connects to the database at dsn, registers pgvector types on
// every connection, and ensures the cache table exists with the given vector
// dimensionality. The pgvector extension is installed if absent.
func NewPGCache(ctx context.Context, dsn string, dimensions int) (*PGCache, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("embedding cache: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("embedding cache: install pgvector: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
		    text_hash  TEXT        NOT NULL,
		    model      TEXT        NOT NULL,
		    version    TEXT        NOT NULL,
		    vec        vector(%d)  NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    PRIMARY KEY (text_hash, model, version)
		)`, dimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("embedding cache: migrate: %w", err)
	}

	return &PGCache{pool: pool}, nil
}

// Get implements [Cache].
func (c *PGCache) Get(ctx context.Context, key Key) ([]float32, bool, error) {
	const q = `
		SELECT vec
		FROM   embedding_cache
		WHERE  text_hash = $1 AND model = $2 AND version = $3`

	var vec pgvector.Vector
	err := c.pool.QueryRow(ctx, q, key.TextHash, key.Model, key.Version).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding cache: get: %w", err)
	}
	return vec.Slice(), true, nil
}

// Put implements [Cache].
func (c *PGCache) Put(ctx context.Context, key Key, vec []float32) error {
	const q = `
		INSERT INTO embedding_cache (text_hash, model, version, vec)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (text_hash, model, version) DO UPDATE SET
		    vec        = EXCLUDED.vec,
		    created_at = now()`

	if _, err := c.pool.Exec(ctx, q, key.TextHash, key.Model, key.Version, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("embedding cache: put: %w", err)
	}
	return nil
}

// Ping probes the backing database. Used by readiness checks.
func (c *PGCache) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the connection pool.
func (c *PGCache) Close() {
	c.pool.Close()
}
