package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn defines a common interface for interacting with PostgreSQL connections.
// It is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx, so code written
// against it works with single connections, pools and transactions alike.
type Conn interface {
	// Exec executes a SQL statement in the context of the given context 'ctx'.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SQL query and returns the rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. Unlike database/sql, the context only affects
// the begin command, there is no auto-rollback on context cancellation.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
