package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/ostafen/firmwalk/internal/errs"
)

const (
	DefaultBlockSize    = 1024 * 1024
	DefaultTrailingSize = 8 * 1024
)

// Block is one scan window. Data starts at the absolute file offset Offset
// and holds the Owned bytes this window is responsible for, followed by up to
// TrailingSize bytes that the next window owns. A match is reported by the
// window that owns its start offset, so overlapping bytes are scanned twice
// but never reported twice.
type Block struct {
	Offset int64
	Data   []byte
	Owned  int
	Last   bool
}

// End is the absolute offset just past the owned region.
func (b *Block) End() int64 {
	return b.Offset + int64(b.Owned)
}

type Options struct {
	Start        int64 // first offset to scan
	End          int64 // offset to stop at; 0 means the size of the input
	BlockSize    int
	TrailingSize int
}

// Reader turns an io.ReaderAt into overlapping windows covering [Start, End).
// The window buffer is reused: a Block is only valid until the next call to
// Next.
type Reader struct {
	r         io.ReaderAt
	start     int64
	end       int64
	blockSize int
	trailing  int
	cursor    int64
	buf       []byte
	path      string
}

func NewReader(r io.ReaderAt, size int64, opts Options) (*Reader, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.TrailingSize < 0 {
		return nil, fmt.Errorf("negative trailing size %d", opts.TrailingSize)
	}

	end := size
	if opts.End > 0 && opts.End < size {
		end = opts.End
	}
	if opts.Start < 0 || opts.Start > end {
		return nil, fmt.Errorf("start offset %d outside [0, %d]", opts.Start, end)
	}

	return &Reader{
		r:         r,
		start:     opts.Start,
		end:       end,
		blockSize: opts.BlockSize,
		trailing:  opts.TrailingSize,
		cursor:    opts.Start,
		buf:       make([]byte, opts.BlockSize+opts.TrailingSize),
	}, nil
}

// WithPath sets the path reported in read errors.
func (br *Reader) WithPath(path string) *Reader {
	br.path = path
	return br
}

// Next returns the window starting at the current cursor and advances the
// cursor past its owned region. It returns io.EOF once the cursor reaches
// the end of the range.
func (br *Reader) Next() (*Block, error) {
	if br.cursor >= br.end {
		return nil, io.EOF
	}

	want := int(min(int64(len(br.buf)), br.end-br.cursor))

	n, err := br.r.ReadAt(br.buf[:want], br.cursor)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.IO("read", br.path, err)
	}
	if n == 0 {
		return nil, errs.IO("read", br.path, io.ErrUnexpectedEOF)
	}

	b := &Block{
		Offset: br.cursor,
		Data:   br.buf[:n],
		Owned:  min(n, br.blockSize),
	}
	br.cursor += int64(b.Owned)
	b.Last = br.cursor >= br.end
	return b, nil
}

// Seek moves the cursor to an absolute offset. Offsets before the start of
// the range are clamped to it.
func (br *Reader) Seek(off int64) {
	br.cursor = max(off, br.start)
}

func (br *Reader) Cursor() int64 {
	return br.cursor
}

// Reset restarts the sequence from the beginning of the range.
func (br *Reader) Reset() {
	br.cursor = br.start
}

func (br *Reader) Size() int64 {
	return br.end - br.start
}

// Blocks iterates the remaining windows. Iteration stops after the first
// error, which is yielded with a nil Block.
func (br *Reader) Blocks() func(yield func(*Block, error) bool) {
	return func(yield func(*Block, error) bool) {
		for {
			b, err := br.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
