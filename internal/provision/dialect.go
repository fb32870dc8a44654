package provision

import (
	_ "embed"
	"strings"
)

var (
	//go:embed sql/postgres/0001_create_user_usage.sql
	postgresCreateSQL string
	//go:embed sql/postgres/0002_add_images_processed.sql
	postgresAddColumnSQL string

	//go:embed sql/sqlite/0001_create_user_usage.sql
	sqliteCreateSQL string
	//go:embed sql/sqlite/0002_add_images_processed.sql
	sqliteAddColumnSQL string
)

// Dialect holds the statements that bring user_usage to its required shape.
type Dialect struct {
	Name string
	// CreateTable must be a no-op when the table exists.
	CreateTable string
	// AddColumn adds images_processed_this_month.
	AddColumn string
	// GuardedAddColumn is true when AddColumn checks for the column itself.
	// Otherwise the provisioner checks through an Inspector first.
	GuardedAddColumn bool
	// duplicateColumn reports an AddColumn failure caused by the column
	// already existing, e.g. when a concurrent run added it first.
	duplicateColumn func(error) bool
}

// AddedColumn is the column that may be missing from older tables.
const AddedColumn = "images_processed_this_month"

var (
	Postgres = Dialect{
		Name:             "postgres",
		CreateTable:      postgresCreateSQL,
		AddColumn:        postgresAddColumnSQL,
		GuardedAddColumn: true,
	}
	SQLite = Dialect{
		Name:        "sqlite3",
		CreateTable: sqliteCreateSQL,
		AddColumn:   sqliteAddColumnSQL,
		duplicateColumn: func(err error) bool {
			return strings.Contains(err.Error(), "duplicate column name")
		},
	}
)

// DialectFor maps a database/sql driver name to its dialect. Anything that
// is not sqlite3 is treated as Postgres.
func DialectFor(driver string) Dialect {
	if driver == SQLite.Name {
		return SQLite
	}
	return Postgres
}
