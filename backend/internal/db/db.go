// Package db implements the registry store on PostgreSQL: regions,
// countries, mirrors, workers and their country assignments, and the test
// records produced by the scheduler and filled in by workers.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so store
// operations run the same inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides access to the registry. A Store returned by Connect is
// backed by a connection pool; InTx yields a Store bound to a transaction.
type Store struct {
	log  *slog.Logger
	q    Querier
	pool *pgxpool.Pool
}

// Connect opens a pool against the given PostgreSQL URI and verifies it with
// a ping.
func Connect(ctx context.Context, log *slog.Logger, uri string) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if uri == "" {
		return nil, errors.New("postgres uri is required")
	}

	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres uri: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{log: log, q: pool, pool: pool}, nil
}

// Close releases the underlying pool. No-op on a transaction-bound Store.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn against a Store bound to a single transaction, committing on
// nil and rolling back on error. Calling InTx on a Store that is already
// transaction-bound runs fn in the same transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{log: s.log, q: tx})
	})
}
