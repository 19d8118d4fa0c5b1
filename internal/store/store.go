// Package store owns the destination relational schema: the three
// clearinghouse tables, the weather table, the derived timestamp column and
// the persistent load log. SQLite and Postgres backends are provided.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownTable is returned for a table or file kind with no schema.
	ErrUnknownTable = errors.New("store: unknown table")
	// ErrSchemaConflict is returned when a column or index to be added
	// already exists.
	ErrSchemaConflict = errors.New("store: schema conflict")
)

// Load statuses recorded in the load log.
const (
	LoadStatusLoaded  = "loaded"
	LoadStatusPartial = "partial"
	LoadStatusFailed  = "failed"
	LoadStatusSkipped = "skipped"
)

// LoadEntry is one row of the load log. The log survives ResetSchema.
type LoadEntry struct {
	ID         int64
	RunID      string
	Kind       string
	File       string
	Rows       int64
	ShortRows  int64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the destination for normalized rows.
type Store interface {
	// Migrate creates the load log. It is idempotent.
	Migrate(ctx context.Context) error
	// ResetSchema drops and recreates the clearinghouse tables.
	ResetSchema(ctx context.Context) error
	// Columns returns the live column names of table, primary key first.
	Columns(ctx context.Context, table string) ([]string, error)

	// InsertRows inserts rows into columns[1:] of table in one transaction.
	// Each row must hold len(columns)-1 values. The caller must stop the
	// producer if an error is returned.
	InsertRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error)
	// AppendRows is InsertRows for tables without a key column.
	AppendRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error)
	// EnsureTable creates table if it does not exist.
	EnsureTable(ctx context.Context, schema TableSchema) error

	// AddDerivedTimestamp adds the generated iso_timestamp column computed
	// from raw. The first stored raw value is validated first.
	AddDerivedTimestamp(ctx context.Context, table, raw string) error
	// CreateIndex creates idx_{column} on table.
	CreateIndex(ctx context.Context, table, column string) error
	// RowCount returns the number of rows in table.
	RowCount(ctx context.Context, table string) (int64, error)

	RecordLoad(ctx context.Context, e LoadEntry) error
	RecentLoads(ctx context.Context, limit int) ([]LoadEntry, error)

	Close() error
}
