package checkers

import (
	"bufio"
	"bytes"
	"io"
)

const readerBufferSize = 64 * 1024

// Reader is a buffered reader over a finding's bytes that keeps track of
// how far it has consumed, which is how the walkers below learn the length
// of the object they validate.
type Reader struct {
	r *bufio.Reader
	n uint64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, readerBufferSize)}
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err == nil {
		r.n++
	}
	return b, err
}

func (r *Reader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	r.n += uint64(n)
	return n, err
}

// ReadFull reads exactly len(buf) bytes, turning a short read into
// io.ErrUnexpectedEOF.
func (r *Reader) ReadFull(buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (r *Reader) Discard(n int) error {
	m, err := r.r.Discard(n)
	r.n += uint64(m)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (r *Reader) Peek(n int) ([]byte, error) {
	return r.r.Peek(n)
}

// BytesRead is the number of bytes consumed so far.
func (r *Reader) BytesRead() uint64 {
	return r.n
}

func (r *Reader) BufferSize() int {
	return r.r.Size()
}

// SeekAt advances r to the next occurrence of sig within about n bytes.
// It reports whether the signature was found; when it was, the next byte
// read is the first byte of sig.
func SeekAt(r *Reader, sig []byte, n int) (bool, error) {
	// the last len(sig)-1 bytes of each peek are kept for the next one so a
	// signature split between two peeks is still found
	pad := len(sig) - 1

	for offset := 0; offset < n; {
		buf, err := r.Peek(r.BufferSize())
		if err != nil && err != io.EOF {
			return false, err
		}

		if idx := bytes.Index(buf, sig); idx >= 0 {
			return true, r.Discard(idx)
		}
		if err == io.EOF || len(buf) <= pad {
			return false, nil
		}

		adv := len(buf) - pad
		offset += adv
		if err := r.Discard(adv); err != nil {
			return false, err
		}
	}
	return false, nil
}
