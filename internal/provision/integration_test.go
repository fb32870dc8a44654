package provision_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/usageprov/internal/db"
	migrate "github.com/rpattn/usageprov/internal/db/migrations_sqlite"
	"github.com/rpattn/usageprov/internal/provision"
	"github.com/rpattn/usageprov/internal/usage"
)

// legacySQLiteTable is user_usage as it looked before
// images_processed_this_month was introduced.
const legacySQLiteTable = `CREATE TABLE user_usage (
    id TEXT PRIMARY KEY REFERENCES users(id),
    requests_this_week INTEGER DEFAULT 0,
    requests_this_month INTEGER DEFAULT 0,
    requests_previous_3_months INTEGER DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

func openSQLite(t *testing.T) (*sql.DB, *db.Executor) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.EnsureSQLiteSchema(ctx, conn))
	return conn, db.NewExecutor(conn, db.DriverSQLite)
}

func columnNames(t *testing.T, ex usage.Inspector) []string {
	t.Helper()
	cols, err := ex.Columns(context.Background(), usage.Table)
	require.NoError(t, err)
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}

func TestSQLiteEnsureOnEmptyDatabase(t *testing.T) {
	_, ex := openSQLite(t)
	log, _ := logtest.NewNullLogger()
	p := provision.New(ex, provision.SQLite, log)

	require.NoError(t, p.EnsureUsageTable(context.Background()))

	assert.Equal(t, usage.Columns, columnNames(t, ex))
	rep, err := p.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
}

func TestSQLiteEnsureIsIdempotent(t *testing.T) {
	_, ex := openSQLite(t)
	log, _ := logtest.NewNullLogger()
	p := provision.New(ex, provision.SQLite, log)
	ctx := context.Background()

	require.NoError(t, p.EnsureUsageTable(ctx))
	require.NoError(t, p.EnsureUsageTable(ctx))

	assert.Equal(t, usage.Columns, columnNames(t, ex))
}

func TestSQLiteEnsureAddsMissingColumn(t *testing.T) {
	conn, ex := openSQLite(t)
	log, _ := logtest.NewNullLogger()
	ctx := context.Background()

	_, err := conn.ExecContext(ctx, legacySQLiteTable)
	require.NoError(t, err)
	id := uuid.NewString()
	_, err = conn.ExecContext(ctx, `INSERT INTO users (id) VALUES (?)`, id)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx,
		`INSERT INTO user_usage (id, requests_this_week, requests_this_month, requests_previous_3_months) VALUES (?, 3, 7, 11)`, id)
	require.NoError(t, err)

	require.NoError(t, provision.New(ex, provision.SQLite, log).EnsureUsageTable(ctx))

	names := columnNames(t, ex)
	assert.Len(t, names, 7)
	assert.Contains(t, names, provision.AddedColumn)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM user_usage`).Scan(&n))
	assert.Equal(t, 1, n)

	var week, month, images, prev int
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT requests_this_week, requests_this_month, images_processed_this_month, requests_previous_3_months FROM user_usage WHERE id = ?`, id).
		Scan(&week, &month, &images, &prev))
	assert.Equal(t, []int{3, 7, 0, 11}, []int{week, month, images, prev})
}

// staleInspector reports the columns as they were before another run
// added images_processed_this_month.
type staleInspector struct {
	*db.Executor
	cols []usage.Column
}

func (s staleInspector) Columns(context.Context, string) ([]usage.Column, error) {
	return s.cols, nil
}

func TestSQLiteEnsureConcurrentColumnAdd(t *testing.T) {
	conn, ex := openSQLite(t)
	log, _ := logtest.NewNullLogger()
	ctx := context.Background()

	_, err := conn.ExecContext(ctx, legacySQLiteTable)
	require.NoError(t, err)
	before, err := ex.Columns(ctx, usage.Table)
	require.NoError(t, err)

	// the other run wins the race
	require.NoError(t, provision.New(ex, provision.SQLite, log).EnsureUsageTable(ctx))

	stale := staleInspector{Executor: ex, cols: before}
	require.NoError(t, provision.New(stale, provision.SQLite, log).EnsureUsageTable(ctx))
	assert.Len(t, columnNames(t, ex), 7)
}

func TestSQLiteResetMonthly(t *testing.T) {
	conn, ex := openSQLite(t)
	log, _ := logtest.NewNullLogger()
	ctx := context.Background()
	require.NoError(t, provision.New(ex, provision.SQLite, log).EnsureUsageTable(ctx))

	id := uuid.NewString()
	_, err := conn.ExecContext(ctx, `INSERT INTO users (id) VALUES (?)`, id)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx,
		`INSERT INTO user_usage (id, requests_this_week, requests_this_month, images_processed_this_month, requests_previous_3_months) VALUES (?, 4, 20, 2, 9)`, id)
	require.NoError(t, err)

	require.NoError(t, usage.ResetMonthly(ctx, ex))

	var rec usage.Record
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT id, requests_this_week, requests_this_month, images_processed_this_month, requests_previous_3_months, created_at, updated_at
		FROM user_usage WHERE id = ?`, id).
		Scan(&rec.ID, &rec.RequestsThisWeek, &rec.RequestsThisMonth, &rec.ImagesProcessedThisMonth,
			&rec.RequestsPrevious3Months, &rec.CreatedAt, &rec.UpdatedAt))
	assert.Equal(t, id, rec.ID.String())
	assert.Equal(t, 0, rec.RequestsThisWeek)
	assert.Equal(t, 0, rec.RequestsThisMonth)
	assert.Equal(t, 2, rec.ImagesProcessedThisMonth)
	assert.Equal(t, 20, rec.RequestsPrevious3Months)
	assert.False(t, rec.UpdatedAt.IsZero())
}

// Integration-ish test; requires TEST_DB_DSN env to be set. The database
// gets an auth.users stand-in and user_usage is dropped first.
func TestPostgresEnsure(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("set TEST_DB_DSN to run")
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverPostgres, dsn)
	require.NoError(t, err)
	defer conn.Close()

	for _, q := range []string{
		`create schema if not exists auth`,
		`create table if not exists auth.users (id uuid primary key)`,
		`drop table if exists user_usage`,
	} {
		_, err := conn.ExecContext(ctx, q)
		require.NoError(t, err)
	}

	ex := db.NewExecutor(conn, db.DriverPostgres)
	log, _ := logtest.NewNullLogger()
	p := provision.New(ex, provision.Postgres, log)

	require.NoError(t, p.EnsureUsageTable(ctx))
	require.NoError(t, p.EnsureUsageTable(ctx))
	assert.Equal(t, usage.Columns, columnNames(t, ex))

	_, err = conn.ExecContext(ctx, `alter table user_usage drop column images_processed_this_month`)
	require.NoError(t, err)
	require.NoError(t, p.EnsureUsageTable(ctx))

	rep, err := p.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK())
}
