package normalize

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func collect(t *testing.T, rows <-chan RawRow, errs <-chan error) ([]RawRow, error) {
	t.Helper()
	var out []RawRow
	for r := range rows {
		out = append(out, r)
	}
	for err := range errs {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzip(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func writeZip(t *testing.T, dir, name string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for n, content := range entries {
		fw, err := w.Create(n)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func wideRow(n int) string {
	fields := make([]string, n)
	for i := range fields {
		fields[i] = strconv.Itoa(i)
	}
	return strings.Join(fields, ",")
}

func TestNormalize_GzipTruncatesToWidth(t *testing.T) {
	dir := t.TempDir()
	content := wideRow(20) + "\n" + wideRow(20) + "\n"
	path := writeGzip(t, dir, "d12_text_station_5min_2023_01_01.txt.gz", content)

	stream, errCh := New(dir).Normalize(context.Background(), path, "station_5min", 17)
	rows, err := collect(t, stream, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Len(t, r, 17)
		assert.Equal(t, "0", r[0])
		assert.Equal(t, "16", r[16])
	}
}

func TestNormalize_GzipSniffsTab(t *testing.T) {
	dir := t.TempDir()
	path := writeGzip(t, dir, "x_station_5min.txt.gz", "01/15/2023 08:30:00\t400001\t12\n")

	stream, errCh := New(dir).Normalize(context.Background(), path, "station_5min", 3)
	rows, err := collect(t, stream, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, RawRow{"01/15/2023 08:30:00", "400001", "12"}, rows[0])
}

func TestNormalize_HeaderDroppedWhenAllFieldsAlphabetic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "d12_text_meta_2023_01_10.txt",
		"ID\tFwy\tDir\tDistrict\n400001\t5\tN\t12\n400002\t5\tS\t12\n")

	rows, errs, stats := New(dir).NormalizeStats(context.Background(), path, "meta", 4)
	got, err := collect(t, rows, errs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "400001", got[0][0])
	assert.True(t, stats.Header)
	assert.Equal(t, int64(2), stats.Rows)
}

func TestNormalize_HeaderKeptWhenAnyFieldNumeric(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meta.txt", "ID\t5\tN\nabc\tdef\tghi\n")

	stream, errCh := New(dir).Normalize(context.Background(), path, "meta", 3)
	got, err := collect(t, stream, errCh)
	require.NoError(t, err)
	require.Len(t, got, 2, "only the first row is ever tested for a header")
	assert.Equal(t, RawRow{"ID", "5", "N"}, got[0])
	assert.Equal(t, RawRow{"abc", "def", "ghi"}, got[1])
}

func TestNormalize_ShortRowsPaddedWithNil(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meta.txt", "1\t2\n1\t2\t3\t4\n")

	rows, errs, stats := New(dir).NormalizeStats(context.Background(), path, "meta", 4)
	got, err := collect(t, rows, errs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RawRow{"1", "2", nil, nil}, got[0])
	assert.Equal(t, RawRow{"1", "2", "3", "4"}, got[1])
	assert.Equal(t, int64(1), stats.ShortRows)
}

func TestNormalize_ZipSelectsEntryMatchingArchiveStem(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "all_text_chp_incidents_month_2023_01.zip", map[string]string{
		"all_text_chp_incidents_month_2023_01.txt":     "1\t2\n",
		"all_text_chp_incidents_month_2023_01_det.txt": "9\t9\n",
	})

	extractDir := filepath.Join(dir, "extracted_files")
	stream, errCh := New(extractDir).Normalize(context.Background(), path, "chp_incidents_month", 2)
	got, err := collect(t, stream, errCh)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RawRow{"1", "2"}, got[0])

	_, err = os.Stat(filepath.Join(extractDir, "all_text_chp_incidents_month_2023_01.txt"))
	assert.NoError(t, err)
}

func TestNormalize_ZipAmbiguous(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"a_chp_incidents_month.txt": "1\n",
		"b_chp_incidents_month.txt": "2\n",
	})

	stream, errCh := New(dir).Normalize(context.Background(), path, "chp_incidents_month", 1)
	_, err := collect(t, stream, errCh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousArchive))
}

func TestNormalize_ZipEntryDispatchedBySuffix(t *testing.T) {
	dir := t.TempDir()

	inner := filepath.Join(t.TempDir(), "inner")
	require.NoError(t, os.MkdirAll(inner, 0o755))
	gzPath := writeGzip(t, inner, "d12_text_station_5min_2023_01_01.txt.gz", "a,1\nb,2\n")
	gzBytes, err := os.ReadFile(gzPath)
	require.NoError(t, err)

	path := writeZip(t, dir, "pack.zip", map[string]string{
		"d12_text_station_5min_2023_01_01.txt.gz": string(gzBytes),
	})

	stream, errCh := New(filepath.Join(dir, "x")).Normalize(context.Background(), path, "station_5min", 2)
	got, err := collect(t, stream, errCh)
	require.NoError(t, err)
	assert.Equal(t, []RawRow{{"a", "1"}, {"b", "2"}}, got)
}

func TestNormalize_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "readme.pdf", "x")

	assert.False(t, Supported(path))
	stream, errCh := New(dir).Normalize(context.Background(), path, "meta", 1)
	_, err := collect(t, stream, errCh)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestNormalize_TruncatedGzipKeepsEarlierRows(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	for i := range 2000 {
		sb.WriteString(strconv.Itoa(i) + ",400001,12\n")
	}
	path := writeGzip(t, dir, "x.txt.gz", sb.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	stream, errCh := New(dir).Normalize(context.Background(), path, "station_5min", 3)
	got, err := collect(t, stream, errCh)
	require.Error(t, err)
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), 2000)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, path, pe.Path)
	assert.Equal(t, len(got)+1, pe.Line)
}

func TestNormalize_CorruptGzip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.txt.gz", "definitely not gzip")

	stream, errCh := New(dir).Normalize(context.Background(), path, "station_5min", 2)
	_, err := collect(t, stream, errCh)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
}

func TestNormalize_Cancelled(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	for range 5000 {
		sb.WriteString("1\t2\n")
	}
	path := writeFile(t, dir, "big.txt", sb.String())

	ctx, cancel := context.WithCancel(context.Background())
	rows, errs := New(dir).Normalize(ctx, path, "meta", 2)
	<-rows
	cancel()
	for range rows {
	}
	var gotErr error
	for err := range errs {
		gotErr = err
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context cancelled")
	}
}

func TestSelectEntry(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    string
		wantErr error
	}{
		{
			name:    "stem wins over kind matches",
			entries: []string{"x_meta_extra.txt", "d12_meta.txt", "other_meta.txt"},
			want:    "d12_meta.txt",
		},
		{
			name:    "stem matches inside a directory",
			entries: []string{"nested/d12_meta.txt"},
			want:    "nested/d12_meta.txt",
		},
		{
			name:    "single kind match",
			entries: []string{"readme.txt", "d12_text_meta_2023.txt"},
			want:    "d12_text_meta_2023.txt",
		},
		{
			name:    "no match",
			entries: []string{"readme.txt"},
			wantErr: ErrNoMatchingEntry,
		},
		{
			name:    "ambiguous",
			entries: []string{"a_meta.txt", "b_meta.txt"},
			wantErr: ErrAmbiguousArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectEntry(tt.entries, "/data/meta/d12_meta.zip", "meta")
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("a.zip"))
	assert.True(t, Supported("a.txt.gz"))
	assert.True(t, Supported("a.TXT"))
	assert.False(t, Supported("a.csv"))
	assert.False(t, Supported("noext"))
}
