// Package store is the Postgres-backed persistence layer for orgs, devices,
// nonces, events, insights, and daily metrics (§3, §4.6 steps 11-12). It
// speaks raw SQL against database/sql, mirroring the teacher's
// infrastructure/database connection-opening convention rather than an ORM.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps a *sql.DB with the ingest/insight domain's queries.
type Store struct {
	db *sql.DB
}

// Open establishes a Postgres connection and verifies it with a ping,
// following internal/platform/database.Open's pattern.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests with go-sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}
