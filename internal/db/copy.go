// Package db provides shared Postgres helpers for bulk loading.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol.
func CopyFrom(ctx context.Context, c Copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := c.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}

	return n, nil
}

// CopyBatches drains rows into table in chunks of batchSize, one COPY per
// chunk. convert, when set, maps each row before it is buffered.
func CopyBatches(ctx context.Context, c Copier, table string, columns []string, rows <-chan []any, batchSize int, convert func([]any) ([]any, error)) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}

	var total int64
	batch := make([][]any, 0, batchSize)
	flush := func() error {
		n, err := CopyFrom(ctx, c, table, columns, batch)
		total += n
		batch = batch[:0]
		return err
	}

	for row := range rows {
		if convert != nil {
			converted, err := convert(row)
			if err != nil {
				return total, eris.Wrapf(err, "db: convert row %d for %s", total+int64(len(batch))+1, table)
			}
			row = converted
		}
		batch = append(batch, row)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// QuoteIdent quotes a single identifier.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
