package store

import (
	"context"
	"database/sql"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting the row-level
// helpers run either standalone or inside PersistIngest's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
