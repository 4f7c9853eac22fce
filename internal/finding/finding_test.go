package finding_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/stretchr/testify/require"
)

func openRef(t *testing.T, data []byte) *finding.FileRef {
	path := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := fs.Open(path)
	require.NoError(t, err)

	ref := finding.NewFileRef(path, 0, f)
	t.Cleanup(func() { ref.Close() })
	return ref
}

func TestFindingFlags(t *testing.T) {
	ref := openRef(t, make([]byte, 64))

	f := finding.New(ref, 16, "gzip compressed data")
	require.True(t, f.Valid())
	require.True(t, f.Shown())
	require.True(t, f.Extractable())

	f.JumpTo(8)
	require.Zero(t, f.Jump)
	f.JumpTo(40)
	f.JumpTo(32)
	require.Equal(t, uint64(40), f.Jump)

	f.Display = false
	require.False(t, f.Shown())
	require.True(t, f.Extractable())

	f.Invalidate("bad crc")
	f.Invalidate("second reason")
	require.False(t, f.Valid())
	require.False(t, f.Extractable())
	require.Equal(t, "bad crc", f.InvalidReason())
}

func TestFindingEnd(t *testing.T) {
	ref := openRef(t, []byte("0123456789abcdef"))

	f := finding.New(ref, 4, "x")
	require.Equal(t, uint64(16), f.End())

	f.Size = 6
	require.Equal(t, uint64(10), f.End())

	f.Size = 100
	require.Equal(t, uint64(16), f.End())

	data, err := io.ReadAll(ref.Section(4, 6))
	require.NoError(t, err)
	require.Equal(t, "456789", string(data))

	data, err = io.ReadAll(ref.Section(12, 0))
	require.NoError(t, err)
	require.Equal(t, "cdef", string(data))
}
