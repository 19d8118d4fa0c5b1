// Package normalize turns staged clearinghouse files (zip, gzip or plain text)
// into fixed-width rows ready for the bulk loader.
package normalize

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pems-cli/internal/fetcher"
)

var (
	// ErrAmbiguousArchive means more than one archive entry could hold the
	// requested kind.
	ErrAmbiguousArchive = errors.New("normalize: ambiguous archive")
	// ErrNoMatchingEntry means no archive entry matches the requested kind.
	ErrNoMatchingEntry = errors.New("normalize: no matching archive entry")
	// ErrUnsupportedFormat is returned for suffixes other than .zip, .gz and .txt.
	ErrUnsupportedFormat = errors.New("normalize: unsupported format")
)

// maxArchiveDepth bounds zip-in-zip recursion.
const maxArchiveDepth = 2

// RawRow is one data row of exactly the requested width. Each value is the
// field text, or nil where the source row was too short.
type RawRow = []any

// ParseError reports a malformed line. Rows before Line were already emitted.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("normalize: %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Supported reports whether the file suffix is one Normalize can read.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".gz", ".txt":
		return true
	}
	return false
}

// Normalizer reads staged files. Zip entries are extracted under ExtractDir.
type Normalizer struct {
	ExtractDir string
}

// New returns a Normalizer extracting archives into extractDir.
func New(extractDir string) *Normalizer {
	return &Normalizer{ExtractDir: extractDir}
}

// Stats summarizes one normalized file.
type Stats struct {
	Rows      int64
	ShortRows int64
	Header    bool
}

// Normalize streams the rows of path, each cut or padded to width fields. The
// first row is dropped when every field contains a letter. Rows are produced
// lazily; a parse error ends the stream with a *ParseError on the error
// channel. Both channels are closed when the file is done.
func (n *Normalizer) Normalize(ctx context.Context, path, kind string, width int) (<-chan RawRow, <-chan error) {
	rows, errs, _ := n.NormalizeStats(ctx, path, kind, width)
	return rows, errs
}

// NormalizeStats is Normalize that also reports row counts. The stats are
// complete once the error channel is closed.
func (n *Normalizer) NormalizeStats(ctx context.Context, path, kind string, width int) (<-chan RawRow, <-chan error, *Stats) {
	out := make(chan RawRow, 256)
	errCh := make(chan error, 1)
	stats := &Stats{}

	go func() {
		defer close(out)
		defer close(errCh)

		log := zap.L().With(
			zap.String("component", "normalize"),
			zap.String("kind", kind),
			zap.String("file", filepath.Base(path)),
		)

		src, err := n.open(path, kind, 0)
		if err != nil {
			errCh <- err
			return
		}
		defer src.Close() //nolint:errcheck

		rowCh, csvErrCh := fetcher.StreamCSV(ctx, src.r, fetcher.CSVOptions{
			Delimiter:  src.delim,
			LazyQuotes: true,
			DropFirst: func(record []string) bool {
				stats.Header = isHeader(record)
				return stats.Header
			},
		})

		for record := range rowCh {
			row := make(RawRow, width)
			for i := range width {
				if i < len(record) {
					row[i] = record[i]
				}
			}
			if len(record) < width {
				stats.ShortRows++
			}

			select {
			case out <- row:
				stats.Rows++
			case <-ctx.Done():
				for range rowCh {
				}
				errCh <- eris.Wrap(ctx.Err(), "normalize: context cancelled")
				return
			}
		}

		if err := <-csvErrCh; err != nil {
			next := int(stats.Rows) + 1
			if stats.Header {
				next++
			}
			errCh <- parseError(src.name, next, err)
			return
		}

		log.Debug("normalized file",
			zap.Int64("rows", stats.Rows),
			zap.Int64("short_rows", stats.ShortRows),
			zap.Bool("header", stats.Header),
		)
	}()

	return out, errCh, stats
}

// parseError prefers the csv reader's own line number; read errors from the
// underlying stream are attributed to the next unread line.
func parseError(path string, next int, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Path: path, Line: pe.StartLine, Err: pe.Err}
	}
	return &ParseError{Path: path, Line: next, Err: err}
}

// isHeader reports whether every field contains at least one letter.
func isHeader(record []string) bool {
	for _, f := range record {
		if !strings.ContainsFunc(f, unicode.IsLetter) {
			return false
		}
	}
	return true
}

type source struct {
	name  string
	r     io.Reader
	delim rune
	close []func() error
}

func (s *source) Close() error {
	var errs []error
	for i := len(s.close) - 1; i >= 0; i-- {
		errs = append(errs, s.close[i]())
	}
	return errors.Join(errs...)
}

func (n *Normalizer) open(path, kind string, depth int) (*source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		if depth >= maxArchiveDepth {
			return nil, eris.Errorf("normalize: %s: archives nested too deep", path)
		}
		entry, err := n.extract(path, kind)
		if err != nil {
			return nil, err
		}
		return n.open(entry, kind, depth+1)

	case ".gz":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: open file")
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, &ParseError{Path: path, Err: err}
		}
		br := bufio.NewReaderSize(gz, 64<<10)
		return &source{
			name:  path,
			r:     br,
			delim: sniffDelimiter(br),
			close: []func() error{f.Close, gz.Close},
		}, nil

	case ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: open file")
		}
		return &source{name: path, r: f, delim: '\t', close: []func() error{f.Close}}, nil
	}

	return nil, eris.Wrapf(ErrUnsupportedFormat, "normalize: %s", filepath.Base(path))
}

// sniffDelimiter picks tab when the first line contains one, comma otherwise.
func sniffDelimiter(br *bufio.Reader) rune {
	buf, _ := br.Peek(br.Size())
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	}
	if bytes.IndexByte(buf, '\t') >= 0 {
		return '\t'
	}
	return ','
}

func (n *Normalizer) extract(zipPath, kind string) (string, error) {
	names, err := fetcher.ListZIP(zipPath)
	if err != nil {
		return "", eris.Wrapf(err, "normalize: %s", filepath.Base(zipPath))
	}
	entry, err := SelectEntry(names, zipPath, kind)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(n.ExtractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "normalize: create extract dir")
	}
	return fetcher.ExtractZIPFile(zipPath, entry, n.ExtractDir)
}

// SelectEntry picks the archive entry to read. An entry whose name without
// extension equals the archive's own stem wins; otherwise exactly one entry
// may contain kind.
func SelectEntry(names []string, zipPath, kind string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	for _, name := range names {
		base := filepath.Base(name)
		if strings.TrimSuffix(base, filepath.Ext(base)) == stem {
			return name, nil
		}
	}

	var candidates []string
	for _, name := range names {
		if strings.Contains(filepath.Base(name), kind) {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 0:
		return "", eris.Wrapf(ErrNoMatchingEntry, "normalize: %s has no %s entry", filepath.Base(zipPath), kind)
	case 1:
		return candidates[0], nil
	default:
		return "", eris.Wrapf(ErrAmbiguousArchive, "normalize: %s has %d %s entries: %s",
			filepath.Base(zipPath), len(candidates), kind, strings.Join(candidates, ", "))
	}
}
