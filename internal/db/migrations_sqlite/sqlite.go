package migrate

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed "0001_users.sql"
var sqliteUsersSQL string

// EnsureSQLiteSchema creates the identity table a local SQLite database
// needs before user_usage can reference it. Idempotent.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if sqliteUsersSQL == "" {
		return fmt.Errorf("embedded sqlite users schema is empty")
	}
	if _, err := db.ExecContext(ctx, sqliteUsersSQL); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}
