package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/config"
	"github.com/sells-group/pems-cli/internal/normalize"
	"github.com/sells-group/pems-cli/internal/pems"
	"github.com/sells-group/pems-cli/internal/resilience"
	"github.com/sells-group/pems-cli/internal/store"
	"github.com/sells-group/pems-cli/internal/weather"
)

// RawTimestampColumn is the readings column the ISO timestamp is derived from.
const RawTimestampColumn = "timestamp"

// ExtractDirName is the directory under the data root that receives zip entries.
const ExtractDirName = "extracted_files"

// Stage statuses.
const (
	StageComplete = "complete"
	StageFailed   = "failed"
	StageSkipped  = "skipped"
)

// Downloader stages clearinghouse files for a date range.
type Downloader interface {
	FetchAll(ctx context.Context, r pems.DateRange, specs []pems.FileSpec) ([]pems.FileDescriptor, error)
}

// Connector logs in and returns a Downloader bound to the new session.
type Connector func(ctx context.Context) (Downloader, error)

// Enricher loads hourly weather into a sink.
type Enricher interface {
	Enrich(ctx context.Context, sink weather.Sink, req weather.Request) (int64, error)
}

// StageResult records one stage of a run.
type StageResult struct {
	Name     string
	Status   string
	Duration int64 // milliseconds
	Error    string
}

// FileResult records the load of one staged file.
type FileResult struct {
	Kind      string
	File      string
	Rows      int64
	ShortRows int64
	Status    string
	Err       error
}

// Report summarizes a run.
type Report struct {
	RunID       string
	Staged      int
	Files       []FileResult
	Rows        int64
	WeatherRows int64
	Stages      []StageResult
}

// Failed returns the files that did not load cleanly.
func (r *Report) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Status == store.LoadStatusFailed || f.Status == store.LoadStatusPartial {
			out = append(out, f)
		}
	}
	return out
}

// Engine runs the download, load, derive and weather stages against one store.
// The engine owns the store and closes it in Close.
type Engine struct {
	cfg        *config.Config
	store      store.Store
	connect    Connector
	normalizer *normalize.Normalizer
	weather    Enricher
	runID      string
	closeOnce  sync.Once
	closeErr   error
}

// New creates an Engine. connect and wx may be nil when the stages that need
// them are not run; a nil wx skips weather enrichment.
func New(cfg *config.Config, st store.Store, connect Connector, wx Enricher) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      st,
		connect:    connect,
		normalizer: normalize.New(filepath.Join(cfg.Paths.DataPath, ExtractDirName)),
		weather:    wx,
		runID:      uuid.NewString(),
	}
}

// RunID identifies this engine's rows in the load log.
func (e *Engine) RunID() string { return e.runID }

// PeMSConnector returns a Connector that logs in to the clearinghouse with the
// configured credentials.
func PeMSConnector(cfg *config.Config) Connector {
	return func(ctx context.Context) (Downloader, error) {
		backoff := resilience.DefaultRetryConfig()
		if cfg.PeMS.MaxRetries > 0 {
			backoff.MaxAttempts = cfg.PeMS.MaxRetries
		}
		s, err := pems.Establish(ctx,
			pems.Credentials{Username: cfg.Credentials.User, Password: cfg.Credentials.Password},
			cfg.PeMS.LoginRetries,
			pems.SessionOptions{
				BaseURL:           cfg.PeMS.BaseURL,
				UserAgent:         cfg.PeMS.UserAgent,
				Timeout:           cfg.PeMS.Timeout(),
				MaxRetries:        cfg.PeMS.MaxRetries,
				RequestsPerSecond: cfg.PeMS.RequestsPerSecond,
				Backoff:           backoff,
			},
		)
		if err != nil {
			return nil, err
		}
		return pems.NewFetcher(s, pems.FetchOptions{
			DataRoot:          cfg.Paths.DataPath,
			MaxBacktrackYears: cfg.PeMS.MetaMaxBacktrackYears,
			Concurrency:       cfg.PeMS.DownloadConcurrency,
		}), nil
	}
}

// Run executes the full pipeline in order: download, reset, load, derive,
// weather, close. A weather failure is logged and does not fail the run.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("run_id", e.runID))
	report := &Report{RunID: e.runID}
	start := time.Now()

	var files []pems.FileDescriptor
	if err := e.track(report, "download", func() error {
		var err error
		files, err = e.Download(ctx)
		report.Staged = len(files)
		return err
	}); err != nil {
		return report, e.finish(report, err)
	}

	if err := e.track(report, "reset_schema", func() error {
		return e.store.ResetSchema(ctx)
	}); err != nil {
		return report, e.finish(report, err)
	}

	if err := e.track(report, "load", func() error {
		return e.Load(ctx, report, files)
	}); err != nil {
		return report, e.finish(report, err)
	}

	if err := e.track(report, "derive", func() error {
		return e.Derive(ctx)
	}); err != nil {
		return report, e.finish(report, err)
	}

	e.runWeather(ctx, report)

	err := e.finish(report, nil)
	log.Info("pipeline: run complete",
		zap.Int("staged", report.Staged),
		zap.Int64("rows", report.Rows),
		zap.Int("failed_files", len(report.Failed())),
		zap.Int64("weather_rows", report.WeatherRows),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, err
}

// LoadStaged reloads the files already under the data root without logging
// in: reset, load, derive.
func (e *Engine) LoadStaged(ctx context.Context) (*Report, error) {
	report := &Report{RunID: e.runID}

	var files []pems.FileDescriptor
	if err := e.track(report, "scan", func() error {
		var err error
		files, err = e.Staged()
		report.Staged = len(files)
		return err
	}); err != nil {
		return report, err
	}

	if err := e.track(report, "reset_schema", func() error {
		return e.store.ResetSchema(ctx)
	}); err != nil {
		return report, err
	}
	if err := e.track(report, "load", func() error {
		return e.Load(ctx, report, files)
	}); err != nil {
		return report, err
	}
	err := e.track(report, "derive", func() error {
		return e.Derive(ctx)
	})
	return report, err
}

// EnrichWeather runs only the weather stage.
func (e *Engine) EnrichWeather(ctx context.Context) (*Report, error) {
	report := &Report{RunID: e.runID}
	err := e.track(report, "weather", func() error {
		n, err := e.Weather(ctx)
		report.WeatherRows = n
		return err
	})
	return report, err
}

// finish closes the store and returns the first error.
func (e *Engine) finish(report *Report, runErr error) error {
	closeErr := e.track(report, "close", e.Close)
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func (e *Engine) runWeather(ctx context.Context, report *Report) {
	if e.weather == nil {
		report.Stages = append(report.Stages, StageResult{Name: "weather", Status: StageSkipped})
		zap.L().Info("pipeline: weather enrichment disabled")
		return
	}
	_ = e.track(report, "weather", func() error {
		n, err := e.Weather(ctx)
		report.WeatherRows = n
		return err
	})
}

// track runs fn as a named stage, logging its duration and outcome.
func (e *Engine) track(report *Report, name string, fn func() error) error {
	log := zap.L().With(zap.String("run_id", e.runID))

	start := time.Now()
	err := fn()
	duration := time.Since(start).Milliseconds()

	sr := StageResult{Name: name, Status: StageComplete, Duration: duration}
	if err != nil {
		sr.Status = StageFailed
		sr.Error = err.Error()
		log.Error("pipeline: stage failed",
			zap.String("stage", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
	} else {
		log.Info("pipeline: stage complete",
			zap.String("stage", name),
			zap.Int64("duration_ms", duration),
		)
	}
	report.Stages = append(report.Stages, sr)
	return err
}

// FileSpecs converts the configured file details.
func (e *Engine) FileSpecs() ([]pems.FileSpec, error) {
	details, err := e.cfg.BasicDetails.ParseFileDetails()
	if err != nil {
		return nil, err
	}
	specs := make([]pems.FileSpec, 0, len(details))
	for _, d := range details {
		specs = append(specs, pems.FileSpec{Regions: d.Regions, Kind: d.Kind})
	}
	return specs, nil
}

// Download logs in, expands the configured date window and stages every
// matching file.
func (e *Engine) Download(ctx context.Context) ([]pems.FileDescriptor, error) {
	if e.connect == nil {
		return nil, eris.New("pipeline: no clearinghouse connector")
	}
	r, err := pems.ExpandDateRange(e.cfg.BasicDetails.StartDate, e.cfg.BasicDetails.EndDate)
	if err != nil {
		return nil, err
	}
	specs, err := e.FileSpecs()
	if err != nil {
		return nil, err
	}
	if r.Empty() {
		zap.L().Warn("pipeline: start date is after end date, nothing to download",
			zap.String("start", e.cfg.BasicDetails.StartDate),
			zap.String("end", e.cfg.BasicDetails.EndDate),
		)
	}

	d, err := e.connect(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: login")
	}
	files, err := d.FetchAll(ctx, r, specs)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fetch")
	}
	return files, nil
}

// Staged lists the files under {data_root}/{kind}/ for every configured kind,
// in kind order and then by file name.
func (e *Engine) Staged() ([]pems.FileDescriptor, error) {
	specs, err := e.FileSpecs()
	if err != nil {
		return nil, err
	}

	var files []pems.FileDescriptor
	seen := make(map[string]bool)
	for _, spec := range specs {
		if seen[spec.Kind] {
			continue
		}
		seen[spec.Kind] = true

		dir := filepath.Join(e.cfg.Paths.DataPath, spec.Kind)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			zap.L().Warn("pipeline: no staged files", zap.String("dir", dir))
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: read %s", dir)
		}
		names := make([]string, 0, len(entries))
		for _, ent := range entries {
			if !ent.IsDir() {
				names = append(names, ent.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, pems.FileDescriptor{
				Kind:      spec.Kind,
				FileName:  name,
				LocalPath: filepath.Join(dir, name),
			})
		}
	}
	return files, nil
}

// Load inserts every file, grouped by kind in first-seen order. Each file is
// its own transaction; a failed file is recorded and the load moves on. Only
// cancellation stops the stage.
func (e *Engine) Load(ctx context.Context, report *Report, files []pems.FileDescriptor) error {
	var kinds []string
	byKind := make(map[string][]pems.FileDescriptor)
	for _, f := range files {
		if _, ok := byKind[f.Kind]; !ok {
			kinds = append(kinds, f.Kind)
		}
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}

	for _, kind := range kinds {
		log := zap.L().With(zap.String("run_id", e.runID), zap.String("kind", kind))

		columns, err := e.store.Columns(ctx, kind)
		if err != nil {
			log.Error("pipeline: no table for file kind, skipping files", zap.Error(err))
			for _, f := range byKind[kind] {
				res := FileResult{Kind: kind, File: f.FileName, Status: store.LoadStatusFailed, Err: err}
				e.record(ctx, res, time.Now())
				report.Files = append(report.Files, res)
			}
			continue
		}

		var kindRows int64
		for _, f := range byKind[kind] {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "pipeline: load cancelled")
			}
			res := e.loadFile(ctx, f, columns)
			report.Files = append(report.Files, res)
			report.Rows += res.Rows
			kindRows += res.Rows
		}
		log.Info("pipeline: kind loaded",
			zap.Int("files", len(byKind[kind])),
			zap.Int64("rows", kindRows),
		)
	}
	return ctx.Err()
}

func (e *Engine) loadFile(ctx context.Context, f pems.FileDescriptor, columns []string) FileResult {
	log := zap.L().With(
		zap.String("run_id", e.runID),
		zap.String("kind", f.Kind),
		zap.String("file", f.FileName),
	)
	started := time.Now()
	res := FileResult{Kind: f.Kind, File: f.FileName}

	if !normalize.Supported(f.LocalPath) {
		res.Status = store.LoadStatusSkipped
		res.Err = eris.Wrap(normalize.ErrUnsupportedFormat, f.FileName)
		log.Warn("pipeline: unsupported file format, skipping")
		e.record(ctx, res, started)
		return res
	}

	fileCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errs, stats := e.normalizer.NormalizeStats(fileCtx, f.LocalPath, f.Kind, len(columns)-1)
	n, insertErr := e.store.InsertRows(fileCtx, f.Kind, columns, rows)
	if insertErr != nil {
		// stop the reader before waiting on it
		cancel()
	}
	parseErr := <-errs
	res.ShortRows = stats.ShortRows

	switch {
	case insertErr != nil:
		res.Status = store.LoadStatusFailed
		res.Err = insertErr
		log.Error("pipeline: file insert failed, rolled back", zap.Error(insertErr))
	case parseErr != nil && n == 0:
		res.Status = store.LoadStatusFailed
		res.Err = parseErr
		log.Error("pipeline: file unreadable", zap.Error(parseErr))
	case parseErr != nil:
		res.Status = store.LoadStatusPartial
		res.Rows = n
		res.Err = parseErr
		log.Warn("pipeline: file stopped at parse error", zap.Int64("rows", n), zap.Error(parseErr))
	default:
		res.Status = store.LoadStatusLoaded
		res.Rows = n
		log.Info("pipeline: file loaded",
			zap.Int64("rows", n),
			zap.Int64("short_rows", res.ShortRows),
		)
	}

	e.record(ctx, res, started)
	return res
}

// record appends res to the load log. A failure here only logs.
func (e *Engine) record(ctx context.Context, res FileResult, started time.Time) {
	entry := store.LoadEntry{
		RunID:      e.runID,
		Kind:       res.Kind,
		File:       res.File,
		Rows:       res.Rows,
		ShortRows:  res.ShortRows,
		Status:     res.Status,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := e.store.RecordLoad(ctx, entry); err != nil {
		zap.L().Warn("pipeline: record load failed", zap.String("file", res.File), zap.Error(err))
	}
}

// Derive adds the ISO timestamp column and its index to the readings table.
// A column or index that already exists is logged and left alone.
func (e *Engine) Derive(ctx context.Context) error {
	log := zap.L().With(zap.String("table", store.TableStation5Min))

	err := e.store.AddDerivedTimestamp(ctx, store.TableStation5Min, RawTimestampColumn)
	switch {
	case errors.Is(err, store.ErrSchemaConflict):
		log.Warn("pipeline: derived column already present", zap.Error(err))
	case err != nil:
		return err
	}

	err = e.store.CreateIndex(ctx, store.TableStation5Min, store.DerivedTimestampColumn)
	switch {
	case errors.Is(err, store.ErrSchemaConflict):
		log.Warn("pipeline: index already present", zap.Error(err))
	case err != nil:
		return err
	}
	return nil
}

// Weather fetches the configured location and window into the weather table.
func (e *Engine) Weather(ctx context.Context) (int64, error) {
	if e.weather == nil {
		return 0, eris.New("pipeline: weather enrichment is not configured")
	}
	bd := e.cfg.BasicDetails
	return e.weather.Enrich(ctx, e.store, weather.Request{
		Location: bd.WeatherLocation,
		Start:    bd.WeatherStartDate,
		End:      bd.WeatherEndDate,
		Table:    e.cfg.Weather.Table,
	})
}

// Close closes the store once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.store != nil {
			e.closeErr = e.store.Close()
		}
	})
	return e.closeErr
}
