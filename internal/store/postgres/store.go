// Package postgres implements workflow.Store on PostgreSQL. SQL is written by
// hand against five tables: approval_definitions, approval_step_templates,
// approval_instances, approval_requests, and the append-only approval_history.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// conn is the query surface shared by the pool and an open transaction.
type conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// queries implements workflow.Querier against a conn.
type queries struct {
	conn conn
}

// Store implements workflow.Store against a connection pool.
type Store struct {
	queries
	db *database.DB
}

// New creates a Store.
func New(db *database.DB) *Store {
	return &Store{queries: queries{conn: db}, db: db}
}

// InTransaction runs fn against a transaction-bound querier. Row locks taken
// by the *ForUpdate reads are held until commit or rollback.
func (s *Store) InTransaction(ctx context.Context, fn func(q workflow.Querier) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&queries{conn: tx})
	})
}
