// Package store provides the data access layer for the background_jobs table.
// Transactional work (the SKIP LOCKED claim, enqueue inside a caller's
// transaction) uses *pgxpool.Pool directly for pgx native transactions.
// Admin inspection queries are built with squirrel over the stdlib-wrapped
// *sql.DB so that lib/pq array parameters work unchanged.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and
// pgx.Tx. Functions that accept a Querier run inside whatever transaction the
// caller holds and never commit on their own.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the central data access object for the job queue.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The same pool serves both pgx native
// transactions and the stdlib adapter used by squirrel.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity. Used by /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a READ COMMITTED transaction. The transaction is
// committed if fn returns nil, rolled back otherwise. This is the boundary
// callers use to enqueue jobs atomically with their own writes.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.withTxOptions(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) withTxOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
