package stream_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/stream"
	"github.com/stretchr/testify/require"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestReaderWindows(t *testing.T) {
	data := testData(100)

	br, err := stream.NewReader(bytes.NewReader(data), int64(len(data)), stream.Options{
		BlockSize:    32,
		TrailingSize: 8,
	})
	require.NoError(t, err)

	var (
		offsets []int64
		covered int
	)
	for b, err := range br.Blocks() {
		require.NoError(t, err)
		offsets = append(offsets, b.Offset)
		covered += b.Owned

		require.Equal(t, data[b.Offset:b.Offset+int64(len(b.Data))], b.Data)
		require.LessOrEqual(t, len(b.Data), 40)
		if !b.Last {
			require.Equal(t, 32, b.Owned)
		}
	}
	require.Equal(t, []int64{0, 32, 64, 96}, offsets)
	require.Equal(t, len(data), covered)

	// exhausted until reset
	_, err = br.Next()
	require.ErrorIs(t, err, io.EOF)

	br.Reset()
	b, err := br.Next()
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Offset)
}

func TestReaderSeekAndRange(t *testing.T) {
	data := testData(100)

	br, err := stream.NewReader(bytes.NewReader(data), int64(len(data)), stream.Options{
		Start:        10,
		End:          90,
		BlockSize:    16,
		TrailingSize: 4,
	})
	require.NoError(t, err)
	require.Equal(t, int64(80), br.Size())

	b, err := br.Next()
	require.NoError(t, err)
	require.Equal(t, int64(10), b.Offset)
	require.Equal(t, int64(26), b.End())

	br.Seek(70)
	b, err = br.Next()
	require.NoError(t, err)
	require.Equal(t, int64(70), b.Offset)
	require.Len(t, b.Data, 20)
	require.Equal(t, 16, b.Owned)
	require.False(t, b.Last)

	b, err = br.Next()
	require.NoError(t, err)
	require.Equal(t, int64(86), b.Offset)
	require.Len(t, b.Data, 4)
	require.True(t, b.Last)

	br.Seek(0)
	require.Equal(t, int64(10), br.Cursor())

	_, err = stream.NewReader(bytes.NewReader(data), 100, stream.Options{Start: 101})
	require.Error(t, err)
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("device error")
}

func TestReaderIOError(t *testing.T) {
	br, err := stream.NewReader(failingReader{}, 10, stream.Options{BlockSize: 4})
	require.NoError(t, err)

	br.WithPath("disk.img")

	var seen int
	for b, err := range br.Blocks() {
		seen++
		require.Nil(t, b)
		require.ErrorIs(t, err, errs.ErrIO)
		require.Contains(t, err.Error(), "disk.img")
	}
	require.Equal(t, 1, seen)
}
