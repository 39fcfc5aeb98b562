// Package store is the Postgres-backed source of truth: task definitions,
// the due-work queue, the append-only run log and the audit trail. All queue
// hand-off goes through FOR UPDATE SKIP LOCKED so competing workers never
// observe the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx connection pool with the orchestrator's persistence
// contract.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, databaseURL string, logger logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool. The caller keeps ownership of the pool's
// lifecycle when using this constructor directly.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrNop(logger)}
}

// Pool exposes the underlying pool for components that need a dedicated
// connection, such as advisory locks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases all pooled connections.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
