package workspace

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

func TestDirRejectsPathLikeIDs(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := m.Dir(id)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, "id %q", id)
	}
}

func TestEnsureIsIdempotentAndScoped(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	first, err := m.Ensure("s1")
	require.NoError(t, err)
	again, err := m.Ensure("s1")
	require.NoError(t, err)
	other, err := m.Ensure("s2")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.Equal(t, m.Root(), filepath.Dir(first))
}

func TestTarDirectoryFeedsExtract(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "code.py"), []byte("print(1)\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "out"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "out", "frame_0001.png"), []byte("png"), 0644))

	var buf bytes.Buffer
	require.NoError(t, TarDirectory(src, &buf))

	dst := t.TempDir()
	require.NoError(t, Extract(&buf, dst))

	code, err := os.ReadFile(filepath.Join(dst, "code.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(code))
	frame, err := os.ReadFile(filepath.Join(dst, "out", "frame_0001.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(frame))
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dst := t.TempDir()
	err = Extract(&buf, dst)

	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dst), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchiveWritesGzippedTar(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	dir, err := m.Ensure("abc")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, m.Archive("abc", &buf))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	hdr, err := tar.NewReader(gz).Next()
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", hdr.Name)
}

func TestArchiveMissingWorkspace(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	err = m.Archive("missing", &bytes.Buffer{})

	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
