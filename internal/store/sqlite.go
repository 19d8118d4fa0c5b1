package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pems-cli/internal/db"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path with WAL mode enabled.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single writer connection.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: conn}, nil
}

// Migrate applies the embedded load log migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	source, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: migration source")
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return eris.Wrap(err, "sqlite: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return eris.Wrap(err, "sqlite: create migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteColumnDDL(c ColumnDef) string {
	def := db.QuoteIdent(c.Name) + " " + c.Type
	if c.PrimaryKey {
		def += " PRIMARY KEY"
		if c.AutoIncrement {
			def += " AUTOINCREMENT"
		}
	}
	return def
}

func sqliteCreateTable(schema TableSchema, ifNotExists bool) string {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		defs[i] = sqliteColumnDDL(c)
	}
	clause := "CREATE TABLE "
	if ifNotExists {
		clause += "IF NOT EXISTS "
	}
	return clause + db.QuoteIdent(schema.Name) + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
}

// ResetSchema drops and recreates every clearinghouse table in one
// transaction. The load log is left alone.
func (s *SQLiteStore) ResetSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin reset")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, t := range Tables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+db.QuoteIdent(t.Name)); err != nil {
			return eris.Wrapf(err, "sqlite: drop %s", t.Name)
		}
		if _, err := tx.ExecContext(ctx, sqliteCreateTable(t, false)); err != nil {
			return eris.Wrapf(err, "sqlite: create %s", t.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit reset")
}

// EnsureTable creates schema's table if it is missing.
func (s *SQLiteStore) EnsureTable(ctx context.Context, schema TableSchema) error {
	_, err := s.db.ExecContext(ctx, sqliteCreateTable(schema, true))
	return eris.Wrapf(err, "sqlite: ensure %s", schema.Name)
}

// Columns reads the live column list, generated columns included.
func (s *SQLiteStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_xinfo(?) ORDER BY cid", table)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan column of %s", table)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	if len(names) == 0 {
		return nil, eris.Wrapf(ErrUnknownTable, "sqlite: %q", table)
	}
	return names, nil
}

// InsertRows inserts every row into columns[1:] inside one transaction.
func (s *SQLiteStore) InsertRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	if len(columns) < 2 {
		return 0, eris.Errorf("sqlite: insert into %s: need a key column and at least one data column", table)
	}
	return s.insert(ctx, table, columns[1:], rows)
}

// AppendRows inserts every row into all of columns inside one transaction.
func (s *SQLiteStore) AppendRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	if len(columns) == 0 {
		return 0, eris.Errorf("sqlite: append to %s: no columns", table)
	}
	return s.insert(ctx, table, columns, rows)
}

func (s *SQLiteStore) insert(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: begin insert %s", table)
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", db.QuoteIdent(table), db.QuoteAndJoin(columns), placeholders)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare insert %s", table)
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for row := range rows {
		if len(row) != len(columns) {
			return 0, eris.Errorf("sqlite: insert into %s: row %d has %d values, want %d", table, n+1, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert row %d into %s", n+1, table)
		}
		n++
	}
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert into %s", table)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: commit insert %s", table)
	}
	return n, nil
}

// AddDerivedTimestamp adds iso_timestamp as a VIRTUAL generated column
// over raw after checking the first stored raw value parses.
func (s *SQLiteStore) AddDerivedTimestamp(ctx context.Context, table, raw string) error {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}
	if err := checkDerivable(table, raw, cols); err != nil {
		return err
	}

	var sample sql.NullString
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %[1]s FROM %[2]s WHERE %[1]s IS NOT NULL LIMIT 1", db.QuoteIdent(raw), db.QuoteIdent(table)),
	).Scan(&sample)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrapf(err, "sqlite: sample %s.%s", table, raw)
	}
	if sample.Valid {
		if _, err := ISOTimestamp(sample.String); err != nil {
			return err
		}
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT GENERATED ALWAYS AS (%s) VIRTUAL",
		db.QuoteIdent(table), db.QuoteIdent(DerivedTimestampColumn), isoTimestampExpr(db.QuoteIdent(raw)))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrapf(err, "sqlite: add %s to %s", DerivedTimestampColumn, table)
	}
	zap.L().Info("store: derived timestamp added",
		zap.String("table", table), zap.String("from", raw))
	return nil
}

// CreateIndex creates idx_{column} on table.
func (s *SQLiteStore) CreateIndex(ctx context.Context, table, column string) error {
	name := IndexName(column)
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "sqlite: look up index %s", name)
	}
	if exists > 0 {
		return eris.Wrapf(ErrSchemaConflict, "sqlite: index %s already exists", name)
	}

	ddl := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", db.QuoteIdent(name), db.QuoteIdent(table), db.QuoteIdent(column))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrapf(err, "sqlite: create index %s", name)
	}
	return nil
}

func (s *SQLiteStore) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+db.QuoteIdent(table)).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count %s", table)
}

func (s *SQLiteStore) RecordLoad(ctx context.Context, e LoadEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO load_log (run_id, kind, file, row_count, short_rows, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Kind, e.File, e.Rows, e.ShortRows, e.Status, nullString(e.Error),
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrap(err, "sqlite: record load")
}

// RecentLoads returns up to limit load log entries, newest first.
func (s *SQLiteStore) RecentLoads(ctx context.Context, limit int) ([]LoadEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, file, row_count, short_rows, status, error, started_at, finished_at
		FROM load_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent loads")
	}
	defer rows.Close() //nolint:errcheck

	var out []LoadEntry
	for rows.Next() {
		var (
			e                 LoadEntry
			errText           sql.NullString
			started, finished string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.File, &e.Rows, &e.ShortRows, &e.Status, &errText, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan load")
		}
		e.Error = errText.String
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse started_at of load %d", e.ID)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse finished_at of load %d", e.ID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent loads")
}

// checkDerivable verifies raw is present and the derived column is not.
func checkDerivable(table, raw string, cols []string) error {
	if slices.Contains(cols, DerivedTimestampColumn) {
		return eris.Wrapf(ErrSchemaConflict, "store: %s.%s already exists", table, DerivedTimestampColumn)
	}
	if !slices.Contains(cols, raw) {
		return eris.Errorf("store: %s has no column %q", table, raw)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
