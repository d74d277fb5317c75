package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestExtract(t *testing.T) {
	files := map[string]string{"Dockerfile": "FROM alpine\n", "src/app.txt": "hello"}

	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"tar.gz", func(t *testing.T) []byte { return tarGz(t, files) }},
		{"zip", func(t *testing.T) []byte { return zipArchive(t, files) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			require.NoError(t, Extract(writeArchive(t, tt.data(t)), dest))

			b, err := os.ReadFile(filepath.Join(dest, "src", "app.txt"))
			require.NoError(t, err)
			assert.Equal(t, "hello", string(b))
			assert.FileExists(t, filepath.Join(dest, "Dockerfile"))
		})
	}
}

func TestExtract_Garbage(t *testing.T) {
	err := Extract(writeArchive(t, []byte("definitely not an archive")), t.TempDir())
	assert.Error(t, err)
}

func TestExtract_ZipEscape(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "build")
	require.NoError(t, os.MkdirAll(dest, 0755))

	require.NoError(t, Extract(writeArchive(t, zipArchive(t, map[string]string{"../../evil": "x"})), dest))

	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil"))
	assert.FileExists(t, filepath.Join(dest, "evil"))
}

func TestFlatten(t *testing.T) {
	t.Run("single directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "project", "project"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "project", "Dockerfile"), []byte("FROM x"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "project", ".env"), []byte("A=1"), 0644))

		moved, err := Flatten(dir)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.FileExists(t, filepath.Join(dir, "Dockerfile"))
		assert.FileExists(t, filepath.Join(dir, ".env"))
		assert.DirExists(t, filepath.Join(dir, "project"))
	})

	t.Run("several entries", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM x"), 0644))

		moved, err := Flatten(dir)
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("single file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM x"), 0644))

		moved, err := Flatten(dir)
		require.NoError(t, err)
		assert.False(t, moved)
	})
}
