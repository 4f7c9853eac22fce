//go:build unix

package fs

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

var errIsDir = errors.New("is a directory")

// MaxMmapSize bounds the files that are memory mapped; larger ones, and
// anything that is not a regular file, are read with pread.
const MaxMmapSize = 1 << 34

type mmapFile struct {
	*osFile
	data []byte
}

// Open opens path for scanning. Regular, non-empty files are memory mapped
// read-only so that scan windows and extraction ranges are served without
// extra copies.
func Open(path string) (File, error) {
	f, err := openOS(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || f.size == 0 || f.size > MaxMmapSize {
		return f, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(f.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// not every filesystem supports mmap
		return f, nil
	}
	return &mmapFile{osFile: f, data: data}, nil
}

func (m *mmapFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mmapFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.osFile.Close(); err == nil {
		err = cerr
	}
	return err
}
