// Package unpack holds the in-process extraction actions and the default
// extraction table built from them.
package unpack

import (
	"compress/bzip2"
	"context"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// decoder builds a callback streaming the decoded input into the output.
// The decoder sees the input from the finding onward; data following the
// compressed stream is ignored, and so is a decode error once some output
// was produced.
func decoder(open func(io.Reader) (io.ReadCloser, error)) extract.Callback {
	return func(ctx context.Context, job *extract.Job) error {
		rc, err := open(job.Input)
		if err != nil {
			return err
		}
		defer rc.Close()

		n, err := job.WriteOutput(ctxReader{ctx: ctx, r: rc})
		if err != nil && n > 0 && !errors.Is(err, extract.ErrOutputLimit) && ctx.Err() == nil {
			// frame-oriented decoders read past the end of the stream into
			// whatever follows it in the image
			job.Log.Debug().Err(err).Str("output", job.Output).Int64("written", n).Msg("stream ended early")
			return nil
		}
		return err
	}
}

var (
	Gzip = decoder(func(r io.Reader) (io.ReadCloser, error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		zr.Multistream(false)
		return zr, nil
	})

	Zlib = decoder(zlib.NewReader)

	XZ = decoder(func(r io.Reader) (io.ReadCloser, error) {
		zr, err := xz.ReaderConfig{SingleStream: true}.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(zr), nil
	})

	LZMA = decoder(func(r io.Reader) (io.ReadCloser, error) {
		zr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(zr), nil
	})

	Bzip2 = decoder(func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(bzip2.NewReader(r)), nil
	})

	LZ4 = decoder(func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	})

	Zstd = decoder(func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
)

// Carve copies the finding's bytes unchanged. It is meant for findings
// whose size is known; otherwise it copies up to the end of the file.
func Carve(ctx context.Context, job *extract.Job) error {
	_, err := job.WriteOutput(ctxReader{ctx: ctx, r: job.Input})
	return err
}

// ctxReader stops a long copy once the scan is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
