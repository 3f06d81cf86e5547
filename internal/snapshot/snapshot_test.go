// ABOUTME: Tests for the tar.gz workspace archiver
// ABOUTME: Verifies archive contents and skip rules

package snapshot

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveNames(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var content []byte
		if hdr.Typeflag == tar.TypeReg {
			content, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
		entries[hdr.Name] = string(content)
	}
	return entries
}

func TestSave(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(work, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "src", "app.js"), []byte("console.log(1)\n"), 0644))

	s, err := NewArchiveSaver(t.TempDir())
	require.NoError(t, err)

	path, err := s.Save(context.Background(), "proj-1", work)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "proj-1-")

	entries := archiveNames(t, path)
	assert.Equal(t, "package main\n", entries["main.go"])
	assert.Equal(t, "console.log(1)\n", entries[filepath.Join("src", "app.js")])
}

func TestSave_SkipsDependencyTrees(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "index.js"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(work, "node_modules", "left-pad"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "node_modules", "left-pad", "index.js"), []byte("y"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(work, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, ".git", "HEAD"), []byte("ref"), 0644))

	s, err := NewArchiveSaver(t.TempDir())
	require.NoError(t, err)

	path, err := s.Save(context.Background(), "proj-1", work)
	require.NoError(t, err)

	entries := archiveNames(t, path)
	assert.Contains(t, entries, "index.js")
	for name := range entries {
		assert.NotContains(t, name, "node_modules")
		assert.NotContains(t, name, ".git")
	}
}

func TestSave_MissingDir(t *testing.T) {
	s, err := NewArchiveSaver(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "proj-1", "/does/not/exist")
	assert.Error(t, err)
}
