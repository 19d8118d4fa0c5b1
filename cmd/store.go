package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/config"
	"github.com/sells-group/pems-cli/internal/pipeline"
	"github.com/sells-group/pems-cli/internal/store"
	"github.com/sells-group/pems-cli/internal/weather"
)

// initStore opens the configured backend and applies the load-log migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(c.Paths.DBPath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{BatchSize: c.Store.BatchSize})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEnricher returns nil when weather enrichment is disabled or cannot be
// configured; the pipeline then skips the stage.
func initEnricher() pipeline.Enricher {
	c, err := newWeatherClient(cfg)
	if err != nil {
		zap.L().Warn("weather client init failed, skipping weather stage", zap.Error(err))
		return nil
	}
	if c == nil {
		return nil
	}
	return c
}

func newWeatherClient(c *config.Config) (*weather.Client, error) {
	if !c.Weather.Enabled {
		return nil, nil
	}
	return weather.NewClient(weather.Options{
		Endpoint:          c.Paths.WeatherPath,
		APIKey:            c.Credentials.WeatherAPI,
		UnitGroup:         c.Weather.UnitGroup,
		Include:           c.Weather.Include,
		Timeout:           time.Duration(c.Weather.TimeoutSecs) * time.Second,
		RequestsPerSecond: c.Weather.RequestsPerSecond,
	})
}
