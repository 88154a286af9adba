package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RepoExtension is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so
// repository methods run either on the pool or inside a caller's transaction.
type RepoExtension interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
