// Package db is the database/sql transport for the pgx and sqlite3 drivers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/rpattn/usageprov/internal/usage"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Open connects with the given driver and pings the database. For pgx the
// DSN is parsed up front so malformed credentials surface as configuration
// errors rather than connection failures.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		connCfg, perr := pgx.ParseConfig(dsn)
		if perr != nil {
			return nil, usage.Wrap(usage.KindConfiguration, "parse dsn", perr)
		}
		db = stdlib.OpenDB(*connCfg)
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, usage.Wrap(usage.KindConfiguration, "open db", err)
		}
	default:
		return nil, usage.Errorf(usage.KindConfiguration, "open db", "unsupported driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("ping db", err)
	}
	return db, nil
}

// Executor runs statements through a *sql.DB and lists columns from the
// driver's catalog.
type Executor struct {
	db     *sql.DB
	driver string
}

func NewExecutor(db *sql.DB, driver string) *Executor {
	return &Executor{db: db, driver: driver}
}

func (e *Executor) Exec(ctx context.Context, query string) error {
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return classify("exec", err)
	}
	return nil
}

const postgresColumnsSQL = `select column_name, data_type, coalesce(column_default, '')
from information_schema.columns
where table_schema = current_schema() and table_name = $1
order by ordinal_position`

const sqliteColumnsSQL = `select name, type, coalesce(dflt_value, '')
from pragma_table_info(?)
order by cid`

func (e *Executor) Columns(ctx context.Context, table string) ([]usage.Column, error) {
	q := postgresColumnsSQL
	if e.driver == DriverSQLite {
		q = sqliteColumnsSQL
	}
	rows, err := e.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, classify("list columns", err)
	}
	defer rows.Close()

	var cols []usage.Column
	for rows.Next() {
		var c usage.Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Default); err != nil {
			return nil, classify("scan column", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list columns", err)
	}
	return cols, nil
}

// classify maps driver errors onto usage error kinds.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "28", "3D":
			return usage.Wrap(usage.KindConfiguration, op, err)
		case "08":
			return usage.Wrap(usage.KindConnectivity, op, err)
		}
		return usage.Wrap(usage.KindSchema, op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, sql.ErrConnDone):
		return usage.Wrap(usage.KindConnectivity, op, err)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrCantOpen || liteErr.Code == sqlite3.ErrNotADB {
			return usage.Wrap(usage.KindConfiguration, op, err)
		}
		return usage.Wrap(usage.KindSchema, op, err)
	}

	return usage.Wrap(usage.KindSchema, op, err)
}
