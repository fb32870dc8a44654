package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Table is the name of the usage table.
const Table = "user_usage"

// Record is one row of user_usage. Rows are owned by application code.
type Record struct {
	ID                       uuid.UUID `json:"id"`
	RequestsThisWeek         int       `json:"requests_this_week"`
	RequestsThisMonth        int       `json:"requests_this_month"`
	ImagesProcessedThisMonth int       `json:"images_processed_this_month"`
	RequestsPrevious3Months  int       `json:"requests_previous_3_months"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Columns lists the required columns of user_usage in table order.
var Columns = []string{
	"id",
	"requests_this_week",
	"requests_this_month",
	"images_processed_this_month",
	"requests_previous_3_months",
	"created_at",
	"updated_at",
}

// IntegerColumns are the counters that must default to 0.
var IntegerColumns = []string{
	"requests_this_week",
	"requests_this_month",
	"images_processed_this_month",
	"requests_previous_3_months",
}

// Column describes a column as reported by the database catalog.
type Column struct {
	Name     string
	DataType string
	Default  string
}

// Executor runs a statement that returns no rows.
type Executor interface {
	Exec(ctx context.Context, query string) error
}

// Inspector lists the columns of a table. An empty result means the table
// does not exist.
type Inspector interface {
	Columns(ctx context.Context, table string) ([]Column, error)
}
