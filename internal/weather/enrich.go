package weather

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/store"
)

// Request is one location and inclusive date window.
type Request struct {
	Location string
	Start    string
	End      string
	Table    string
}

// Sink is the part of store.Store the enrichment writes through.
type Sink interface {
	EnsureTable(ctx context.Context, schema store.TableSchema) error
	AppendRows(ctx context.Context, table string, columns []string, rows <-chan []any) (int64, error)
}

// Enrich fetches the timeline for req, creates the table if needed and appends
// every hour. A rejected request (non-200) is logged and skipped with no error.
func (c *Client) Enrich(ctx context.Context, sink Sink, req Request) (int64, error) {
	if req.Table == "" {
		req.Table = store.TableWeather
	}
	log := c.log.With(zap.String("location", req.Location), zap.String("table", req.Table))

	resp, err := c.Fetch(ctx, req.Location, req.Start, req.End)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			log.Warn("weather: request rejected, daily limit probably exceeded (1000 records per day)",
				zap.Int("status", se.StatusCode))
			return 0, nil
		}
		return 0, err
	}

	frame, err := Flatten(resp)
	if err != nil {
		return 0, err
	}
	if len(frame.Rows) == 0 {
		log.Info("weather: no hourly records")
		return 0, nil
	}

	if err := sink.EnsureTable(ctx, frame.Schema(req.Table)); err != nil {
		return 0, eris.Wrap(err, "weather: create table")
	}

	rows := make(chan []any, len(frame.Rows))
	for _, r := range frame.Rows {
		rows <- r
	}
	close(rows)

	n, err := sink.AppendRows(ctx, req.Table, frame.ColumnNames(), rows)
	if err != nil {
		return 0, eris.Wrap(err, "weather: append rows")
	}
	log.Info("weather: rows added", zap.Int64("rows", n), zap.Int("columns", len(frame.Columns)))
	return n, nil
}
