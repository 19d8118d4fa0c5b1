package pems

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxBacktrackYears bounds the meta walk-back.
const DefaultMaxBacktrackYears = 10

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	// DataRoot receives one directory per file kind.
	DataRoot string
	// MaxBacktrackYears bounds how far the meta rule walks back. Default: 10.
	MaxBacktrackYears int
	// Concurrency is the number of parallel downloads. Default: 1.
	Concurrency int
}

// Fetcher lists and stages clearinghouse files through an authenticated session.
type Fetcher struct {
	session *Session
	opts    FetchOptions
	log     *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(s *Session, opts FetchOptions) *Fetcher {
	if opts.MaxBacktrackYears <= 0 {
		opts.MaxBacktrackYears = DefaultMaxBacktrackYears
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Fetcher{
		session: s,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "pems.fetch")),
	}
}

// FetchAll lists every (year, spec, region) combination of the range, then
// downloads the queued files to {DataRoot}/{kind}/{file name}. A failed
// listing or download is logged and skipped. Returns the files that were
// staged.
func (f *Fetcher) FetchAll(ctx context.Context, r DateRange, specs []FileSpec) ([]FileDescriptor, error) {
	queued, err := f.Plan(ctx, r, specs)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, queued)
}

// Plan resolves the descriptors to download without fetching any file.
func (f *Fetcher) Plan(ctx context.Context, r DateRange, specs []FileSpec) ([]FileDescriptor, error) {
	if r.Empty() {
		return nil, nil
	}
	startYear := r.Years[0].Year

	q := newQueue()
	metaDone := make(map[int]bool)

	for _, ym := range r.Years {
		for _, spec := range specs {
			for _, region := range spec.Regions {
				if err := ctx.Err(); err != nil {
					return nil, eris.Wrap(err, "pems: plan")
				}

				listing, err := f.session.List(ctx, region, ym.Year, spec.Kind)
				if err != nil {
					f.log.Warn("listing failed, skipping",
						zap.String("kind", spec.Kind),
						zap.Int("region", region),
						zap.Int("year", ym.Year),
						zap.Error(err),
					)
				}
				for _, m := range ym.Months {
					for _, e := range listing[m] {
						q.add(f.describe(region, ym.Year, m, spec.Kind, e))
					}
				}

				if spec.Kind == KindMeta && !metaDone[region] {
					metaDone[region] = true
					if d, ok := f.backtrackMeta(ctx, region, startYear); ok {
						q.add(d)
					}
				}
			}
		}
	}

	f.log.Info("planned downloads", zap.Int("files", len(q.items)))
	return q.items, nil
}

// backtrackMeta walks back from the year before startYear until a listing
// has a populated month, and returns the last entry of its latest month.
func (f *Fetcher) backtrackMeta(ctx context.Context, region, startYear int) (FileDescriptor, bool) {
	for year := startYear - 1; year >= startYear-f.opts.MaxBacktrackYears; year-- {
		if ctx.Err() != nil {
			return FileDescriptor{}, false
		}
		listing, err := f.session.List(ctx, region, year, KindMeta)
		if err != nil {
			f.log.Warn("meta listing failed", zap.Int("region", region), zap.Int("year", year), zap.Error(err))
			continue
		}
		m, entries, ok := listing.Latest()
		if !ok {
			continue
		}
		return f.describe(region, year, m, KindMeta, entries[len(entries)-1]), true
	}

	f.log.Warn("no meta snapshot found",
		zap.Int("region", region),
		zap.Int("start_year", startYear),
		zap.Int("max_backtrack_years", f.opts.MaxBacktrackYears),
	)
	return FileDescriptor{}, false
}

func (f *Fetcher) describe(region, year int, m time.Month, kind string, e ListingEntry) FileDescriptor {
	name := filepath.Base(e.FileName)
	return FileDescriptor{
		Region:    region,
		Year:      year,
		Month:     m,
		Kind:      kind,
		FileName:  name,
		URL:       f.resolve(e.URL),
		LocalPath: filepath.Join(f.opts.DataRoot, kind, name),
	}
}

func (f *Fetcher) resolve(ref string) string {
	base, err := url.Parse(f.session.BaseURL + "/")
	if err != nil {
		return f.session.BaseURL + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return f.session.BaseURL + ref
	}
	return base.ResolveReference(r).String()
}

// Download stages each descriptor. Individual failures are logged and the
// file is left out of the result.
func (f *Fetcher) Download(ctx context.Context, queued []FileDescriptor) ([]FileDescriptor, error) {
	dirs := make(map[string]bool)
	for _, d := range queued {
		dir := filepath.Dir(d.LocalPath)
		if dirs[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "pems: create %s", dir)
		}
		dirs[dir] = true
	}

	ok := make([]bool, len(queued))
	var failed int
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(f.opts.Concurrency)
	for i, d := range queued {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			log := f.log.With(zap.String("kind", d.Kind), zap.String("file", d.FileName))
			log.Info("start download")
			n, err := f.session.browser.DownloadToFile(ctx, d.URL, d.LocalPath)
			if err != nil {
				log.Warn("download failed", zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			log.Info("download completed", zap.Int64("bytes", n))
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pems: download")
	}

	staged := make([]FileDescriptor, 0, len(queued))
	for i, d := range queued {
		if ok[i] {
			staged = append(staged, d)
		}
	}
	f.log.Info("downloads finished", zap.Int("staged", len(staged)), zap.Int("failed", failed))
	return staged, nil
}

type queueKey struct{ kind, name string }

// queue keeps descriptors in insertion order, unique by (kind, file name).
type queue struct {
	seen  map[queueKey]bool
	items []FileDescriptor
}

func newQueue() *queue {
	return &queue{seen: make(map[queueKey]bool)}
}

func (q *queue) add(d FileDescriptor) {
	k := queueKey{d.Kind, d.FileName}
	if q.seen[k] {
		return
	}
	q.seen[k] = true
	q.items = append(q.items, d)
}
