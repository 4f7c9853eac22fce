package checkers

import (
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

// probeSize bounds how much output is decoded to validate a stream.
const probeSize = 1 << 20

// CompressedStream decodes the beginning of gzip and zlib streams. Magic
// bytes this short match random data all the time, so streams failing to
// decode are invalidated. Streams ending within the probe get their size.
type CompressedStream struct {
	hooks.Base
}

func NewCompressedStream() hooks.Checker { return &CompressedStream{} }

func (*CompressedStream) Name() string { return "compressed-stream" }

func (*CompressedStream) Modules() []string { return []string{ModuleSignature} }

func (*CompressedStream) Scan(f *finding.Finding) error {
	if !f.Valid() {
		return nil
	}

	var open func(io.Reader) (io.Reader, error)
	switch {
	case strings.HasPrefix(f.Description, "gzip compressed data"):
		open = func(r io.Reader) (io.Reader, error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			zr.Multistream(false)
			return zr, nil
		}
	case strings.HasPrefix(f.Description, "zlib compressed data"):
		open = func(r io.Reader) (io.Reader, error) {
			return zlib.NewReader(r)
		}
	default:
		return nil
	}

	r := NewReader(f.File.Section(int64(f.Offset), 0))
	dec, err := open(r)
	if err != nil {
		f.Invalidate("bad stream header: " + err.Error())
		return nil
	}

	_, err = io.CopyN(io.Discard, dec, probeSize)
	switch {
	case errors.Is(err, io.EOF):
		f.Size = r.BytesRead()
	case err != nil:
		f.Invalidate("corrupt stream: " + err.Error())
	}
	return nil
}
