// Package store provides the data access layer: the job-record status
// projection written by the worker pool and read by the producer interface,
// and the side-effect ledger handlers use for idempotency. Simple state
// transitions are raw SQL constants on pgx; the dynamic filtered list query
// is built with squirrel.
package store

import (
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object, backed by a shared pgx pool.
type Store struct {
	pool *pgxpool.Pool
	sb   squirrel.StatementBuilderType
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		sb:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Pool returns the underlying pgx pool for callers that share it (the
// Postgres broker driver, health checks).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
