package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/db"
)

//go:embed migrations/postgres/001_load_log.sql
var postgresMigration string

// DefaultBatchSize is the number of rows sent per COPY.
const DefaultBatchSize = 5000

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	batchSize int

	mu      sync.RWMutex
	schemas map[string]TableSchema
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns  int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns  int32 `yaml:"min_conns" mapstructure:"min_conns"`
	BatchSize int   `yaml:"batch_size" mapstructure:"batch_size"`
}

const (
	insertLoadSQL = `INSERT INTO load_log (run_id, kind, file, row_count, short_rows, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	recentLoadsSQL = `SELECT id, run_id, kind, file, row_count, short_rows, status, error, started_at, finished_at
		FROM load_log ORDER BY id DESC LIMIT $1`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	batchSize := DefaultBatchSize
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.BatchSize > 0 {
			batchSize = poolCfg.BatchSize
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close, batchSize), nil
}

func newPostgresStore(pool db.Pool, closeFn func(), batchSize int) *PostgresStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &PostgresStore{
		pool:      pool,
		closeFn:   closeFn,
		batchSize: batchSize,
		schemas:   make(map[string]TableSchema),
	}
}

// Migrate creates the load log.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func postgresType(t string) string {
	switch t {
	case TypeInteger:
		return "BIGINT"
	case TypeReal:
		return "DOUBLE PRECISION"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func postgresCreateTable(schema TableSchema, ifNotExists bool) string {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		if c.PrimaryKey {
			defs[i] = db.QuoteIdent(c.Name) + " BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
			continue
		}
		defs[i] = db.QuoteIdent(c.Name) + " " + postgresType(c.Type)
	}
	clause := "CREATE TABLE "
	if ifNotExists {
		clause += "IF NOT EXISTS "
	}
	return clause + db.QuoteIdent(schema.Name) + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
}

func (s *PostgresStore) remember(schema TableSchema) {
	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
}

func (s *PostgresStore) schemaFor(table string) (TableSchema, bool) {
	s.mu.RLock()
	schema, ok := s.schemas[table]
	s.mu.RUnlock()
	if ok {
		return schema, true
	}
	schema, err := Lookup(table)
	return schema, err == nil
}

// ResetSchema drops and recreates every clearinghouse table in one
// transaction. The load log is left alone.
func (s *PostgresStore) ResetSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin reset")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, t := range Tables {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+db.QuoteIdent(t.Name)+" CASCADE"); err != nil {
			return eris.Wrapf(err, "postgres: drop %s", t.Name)
		}
		if _, err := tx.Exec(ctx, postgresCreateTable(t, false)); err != nil {
			return eris.Wrapf(err, "postgres: create %s", t.Name)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit reset")
	}
	for _, t := range Tables {
		s.remember(t)
	}
	return nil
}

// EnsureTable creates schema's table if it is missing.
func (s *PostgresStore) EnsureTable(ctx context.Context, schema TableSchema) error {
	if _, err := s.pool.Exec(ctx, postgresCreateTable(schema, true)); err != nil {
		return eris.Wrapf(err, "postgres: ensure %s", schema.Name)
	}
	s.remember(schema)
	return nil
}

// Columns reads the live column list from information_schema.
func (s *PostgresStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: columns of %s", table)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan column of %s", table)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: columns of %s", table)
	}
	if len(names) == 0 {
		return nil, eris.Wrapf(ErrUnknownTable, "postgres: %q", table)
	}
	return names, nil
}

// InsertRows copies rows into columns[1:] in batches inside one transaction.
func (s *PostgresStore) InsertRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	if len(columns) < 2 {
		return 0, eris.Errorf("postgres: insert into %s: need a key column and at least one data column", table)
	}
	return s.copyRows(ctx, table, columns[1:], rows)
}

// AppendRows copies rows into all of columns inside one transaction.
func (s *PostgresStore) AppendRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.Errorf("postgres: append to %s: no columns", table)
	}
	return s.copyRows(ctx, table, columns, rows)
}

func (s *PostgresStore) copyRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	schema, _ := s.schemaFor(table)
	types := make([]string, len(columns))
	for i, c := range columns {
		types[i], _ = schema.Type(c)
	}
	convert := func(row []any) ([]any, error) {
		if len(row) != len(columns) {
			return nil, eris.Errorf("row has %d values, want %d", len(row), len(columns))
		}
		out := make([]any, len(row))
		for i, v := range row {
			cv, err := coerce(v, types[i])
			if err != nil {
				return nil, eris.Wrapf(err, "column %s", columns[i])
			}
			out[i] = cv
		}
		return out, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: begin insert %s", table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := db.CopyBatches(ctx, tx, table, columns, rows, s.batchSize, convert)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrapf(err, "postgres: insert into %s", table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "postgres: commit insert %s", table)
	}
	return n, nil
}

// coerce converts a loaded value to the Go type pgx encodes for a column of
// type t. Empty strings become NULL outside TEXT columns.
func coerce(v any, t string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" || t == TypeText {
			return x, nil
		}
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		switch t {
		case TypeInteger:
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || f != math.Trunc(f) {
				return nil, eris.Errorf("not an integer: %q", x)
			}
			return int64(f), nil
		case TypeReal:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, eris.Errorf("not a number: %q", x)
			}
			return f, nil
		case TypeTimestamp:
			for _, layout := range []string{isoTimestampLayout, "2006-01-02T15:04:05", time.RFC3339} {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts, nil
				}
			}
			return nil, eris.Errorf("not a timestamp: %q", x)
		}
		return x, nil
	case float64:
		switch t {
		case TypeInteger:
			if x != math.Trunc(x) {
				return nil, eris.Errorf("not an integer: %v", x)
			}
			return int64(x), nil
		case TypeText:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		}
		return x, nil
	case int:
		return coerce(int64(x), t)
	case int64:
		switch t {
		case TypeReal:
			return float64(x), nil
		case TypeText:
			return strconv.FormatInt(x, 10), nil
		}
		return x, nil
	default:
		if t == TypeText {
			return fmt.Sprint(x), nil
		}
		return x, nil
	}
}

// AddDerivedTimestamp adds iso_timestamp as a STORED generated column over
// raw after checking the first stored raw value parses.
func (s *PostgresStore) AddDerivedTimestamp(ctx context.Context, table, raw string) error {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}
	if err := checkDerivable(table, raw, cols); err != nil {
		return err
	}

	var sample string
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %[1]s::text FROM %[2]s WHERE %[1]s IS NOT NULL LIMIT 1", db.QuoteIdent(raw), db.QuoteIdent(table)),
	).Scan(&sample)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return eris.Wrapf(err, "postgres: sample %s.%s", table, raw)
	default:
		if _, err := ISOTimestamp(sample); err != nil {
			return err
		}
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT GENERATED ALWAYS AS (%s) STORED",
		db.QuoteIdent(table), db.QuoteIdent(DerivedTimestampColumn), isoTimestampExpr(db.QuoteIdent(raw)))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "postgres: add %s to %s", DerivedTimestampColumn, table)
	}
	zap.L().Info("store: derived timestamp added",
		zap.String("table", table), zap.String("from", raw))
	return nil
}

// CreateIndex creates idx_{column} on table.
func (s *PostgresStore) CreateIndex(ctx context.Context, table, column string) error {
	name := IndexName(column)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: look up index %s", name)
	}
	if exists {
		return eris.Wrapf(ErrSchemaConflict, "postgres: index %s already exists", name)
	}

	ddl := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", db.QuoteIdent(name), db.QuoteIdent(table), db.QuoteIdent(column))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "postgres: create index %s", name)
	}
	return nil
}

func (s *PostgresStore) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+db.QuoteIdent(table)).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count %s", table)
}

func (s *PostgresStore) RecordLoad(ctx context.Context, e LoadEntry) error {
	_, err := s.pool.Exec(ctx, insertLoadSQL,
		e.RunID, e.Kind, e.File, e.Rows, e.ShortRows, e.Status, nullString(e.Error),
		e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: record load")
}

// RecentLoads returns up to limit load log entries, newest first.
func (s *PostgresStore) RecentLoads(ctx context.Context, limit int) ([]LoadEntry, error) {
	rows, err := s.pool.Query(ctx, recentLoadsSQL, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent loads")
	}
	defer rows.Close()

	var out []LoadEntry
	for rows.Next() {
		var (
			e       LoadEntry
			errText *string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.File, &e.Rows, &e.ShortRows, &e.Status, &errText, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan load")
		}
		if errText != nil {
			e.Error = *errText
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent loads")
}
