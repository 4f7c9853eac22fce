package fs

import (
	"io"
	"os"
)

// File is a read-only, offset addressable scan target.
type File interface {
	io.ReaderAt
	io.Closer
	Name() string
	Size() int64
}

type osFile struct {
	*os.File
	size int64
}

func (f *osFile) Size() int64 {
	return f.size
}

func openOS(path string) (*osFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, &os.PathError{Op: "open", Path: path, Err: errIsDir}
	}
	return &osFile{File: f, size: info.Size()}, nil
}
