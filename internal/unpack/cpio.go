package unpack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"

	"github.com/ostafen/firmwalk/internal/extract"
)

const (
	cpioHeaderSize = 110
	cpioTrailer    = "TRAILER!!!"

	cpioTypeMask    = 0o170000
	cpioTypeDir     = 0o040000
	cpioTypeReg     = 0o100000
	cpioTypeSymlink = 0o120000
)

var ErrInvalidCPIO = errors.New("invalid cpio header")

type cpioHeader struct {
	Mode     uint32
	FileSize int64
	Name     string
}

// cpioReader reads SVR4 ("newc", with or without CRC) archives.
type cpioReader struct {
	r      io.Reader
	remain int64 // data left in the current entry, padding included
	pad    int64
}

func (c *cpioReader) Next() (*cpioHeader, error) {
	if c.remain+c.pad > 0 {
		if _, err := io.CopyN(io.Discard, c.r, c.remain+c.pad); err != nil {
			return nil, err
		}
		c.remain, c.pad = 0, 0
	}

	var raw [cpioHeaderSize]byte
	if _, err := io.ReadFull(c.r, raw[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(raw[:5], []byte("07070")) || (raw[5] != '1' && raw[5] != '2') {
		return nil, ErrInvalidCPIO
	}

	field := func(i int) (int64, error) {
		off := 6 + i*8
		return strconv.ParseInt(string(raw[off:off+8]), 16, 64)
	}
	mode, err := field(1)
	if err != nil {
		return nil, fmt.Errorf("%w: mode: %v", ErrInvalidCPIO, err)
	}
	size, err := field(6)
	if err != nil {
		return nil, fmt.Errorf("%w: file size: %v", ErrInvalidCPIO, err)
	}
	nameSize, err := field(11)
	if err != nil || nameSize <= 0 || nameSize > 4096 {
		return nil, fmt.Errorf("%w: name size", ErrInvalidCPIO)
	}

	// header and name are padded to a multiple of four
	name := make([]byte, nameSize+pad4(cpioHeaderSize+nameSize))
	if _, err := io.ReadFull(c.r, name); err != nil {
		return nil, err
	}

	hdr := &cpioHeader{
		Mode:     uint32(mode),
		FileSize: size,
		Name:     string(bytes.TrimRight(name[:nameSize], "\x00")),
	}
	if hdr.Name == cpioTrailer {
		return nil, io.EOF
	}
	c.remain = size
	c.pad = pad4(size)
	return hdr, nil
}

func (c *cpioReader) Read(p []byte) (int, error) {
	if c.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.r.Read(p)
	c.remain -= int64(n)
	return n, err
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}

func (h *cpioHeader) mode() fs.FileMode {
	perm := fs.FileMode(h.Mode & 0o777)
	switch h.Mode & cpioTypeMask {
	case cpioTypeDir:
		return perm | fs.ModeDir
	case cpioTypeReg:
		return perm
	case cpioTypeSymlink:
		return perm | fs.ModeSymlink
	}
	return perm | fs.ModeDevice
}

// CPIO unpacks the archive starting at the finding up to its trailer.
func CPIO(ctx context.Context, job *extract.Job) error {
	u, err := newUnpacker(ctx, job)
	if err != nil {
		return err
	}

	cr := &cpioReader{r: job.Input}
	for {
		hdr, err := cr.Next()
		if err != nil {
			return u.finish(err)
		}
		if hdr.Name == "." {
			continue
		}

		open := func() (io.ReadCloser, error) { return io.NopCloser(cr), nil }
		if err := u.entry(hdr.Name, hdr.mode(), "", open); err != nil {
			return u.finish(err)
		}
	}
}
