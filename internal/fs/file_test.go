package fs_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, int64(10), f.Size())
	require.Equal(t, path, f.Name())

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))

	n, err = f.ReadAt(buf, 8)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "89", string(buf[:n]))

	_, err = f.ReadAt(buf, 10)
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenEmptyAndDir(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	f, err := fs.Open(empty)
	require.NoError(t, err)
	require.Equal(t, int64(0), f.Size())
	require.NoError(t, f.Close())

	_, err = fs.Open(dir)
	require.Error(t, err)

	_, err = fs.Open(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
