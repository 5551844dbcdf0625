// Package store is the Postgres-backed persistence layer for the upload
// pipeline: connection pooling, per-element current/history tables, and the
// row-locking discipline the pipeline's concurrency model depends on.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps a pgx connection pool with the helpers the pipeline needs on
// top of plain query execution: opening the single transaction each upload
// runs inside, at the database server's default isolation level.
type Pool struct {
	pool *pgxpool.Pool
}

// Open creates a new PostgreSQL connection pool using pgx.
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func Open(ctx context.Context, connString string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Close closes the database connection pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Begin opens the one transaction an upload pipeline invocation runs inside.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

// Raw returns the underlying connection pool for advanced operations.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}
