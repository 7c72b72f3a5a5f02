// Package postgres implements [kv.Store] on a PostgreSQL table through a
// pgx connection pool. Use it when several client installations share state
// or when the local filesystem is not durable.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/kv"
)

var _ kv.Store = (*Store)(nil)

// schema creates the single table backing the store. It is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS parley_kv (
    key        TEXT        PRIMARY KEY,
    value      BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Store is a PostgreSQL-backed [kv.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres kv: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres kv: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres kv: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres kv: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Get implements [kv.Store].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM parley_kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres kv: get %q: %w", key, err)
	}
	return v, nil
}

// Set implements [kv.Store].
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO parley_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres kv: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [kv.Store]. All keys are removed in a single statement.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM parley_kv WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("postgres kv: delete: %w", err)
	}
	return nil
}

// Ping implements [kv.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [kv.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
