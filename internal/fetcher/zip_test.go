package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestListZIP_SkipsDirectories(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"subdir/":                             "",
		"subdir/d12_text_meta_2023_01_01.txt": "meta",
		"readme.txt":                          "hi",
	})

	names, err := ListZIP(zipPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"subdir/d12_text_meta_2023_01_01.txt", "readme.txt"}, names)
}

func TestListZIP_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, writeTestFile(path, "not a zip"))

	_, err := ListZIP(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip: open archive")
}

func TestExtractZIPFile_Specific(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
		"c.txt": "ccc",
	})

	destDir := t.TempDir()
	path, err := ExtractZIPFile(zipPath, "b.txt", destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "b.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))
}

func TestExtractZIPFile_NotFound(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"a.txt": "aaa",
	})

	_, err := ExtractZIPFile(zipPath, "missing.txt", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExtractZIPFile_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, err := ExtractZIPFile(path, "file.txt", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip: open archive")
}

func TestExtractZIPFile_ZipSlipPrevention(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "malicious.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	fw, err := w.Create("../../../etc/passwd")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("malicious")) //nolint:errcheck
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = ExtractZIPFile(zipPath, "../../../etc/passwd", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractZIPFile_Nested(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"subdir/data.txt": "nested content",
	})

	destDir := t.TempDir()
	path, err := ExtractZIPFile(zipPath, "subdir/data.txt", destDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(destDir, "subdir", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(data))
	assert.Equal(t, filepath.Join(destDir, "subdir", "data.txt"), path)
}

func TestExtractZIPFile_DestDirReadOnly(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	zipPath := createTestZIP(t, map[string]string{
		"file.txt": "content",
	})

	destDir := t.TempDir()
	require.NoError(t, os.Chmod(destDir, 0o555))
	defer os.Chmod(destDir, 0o755) //nolint:errcheck

	_, err := ExtractZIPFile(zipPath, "file.txt", destDir)
	require.Error(t, err)
}
