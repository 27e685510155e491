// Package store provides the data access layer for the jobs table, built
// directly on *pgxpool.Pool. Lifecycle mutations are single conditional
// UPDATEs guarded on the row's current state, so concurrent claimers and
// reporters race on the guard instead of on read-then-write sequences.
// All SQL works under the simple query protocol for PgBouncer
// compatibility; every parameter carries an explicit cast.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockyardhq/stockyard/internal/queue"
)

// Store is the pgx-backed implementation of queue.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ queue.Store = (*Store)(nil)

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (health checks, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
