// Copyright (c) 2025 Stefano Scafiti
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
package unpack

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/javi11/sevenzip"
	"github.com/nwaples/rardecode/v2"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/sandbox"
)

// maxLinkTarget bounds symlink targets stored as entry content.
const maxLinkTarget = 4096

// budget is the byte allowance shared by all entries of one container.
type budget struct {
	left int64
}

func (b *budget) write(sb *sandbox.Sandbox, name string, mode fs.FileMode, r io.Reader) error {
	f, err := sb.Create(name, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := extract.CopyLimited(f, r, b.left)
	b.left -= n
	return err
}

// unpacker feeds entries to a sandbox. Entries are written as long as they
// can be; a container truncated after its first entry still counts as
// extracted.
type unpacker struct {
	ctx     context.Context
	job     *extract.Job
	sb      *sandbox.Sandbox
	budget  *budget
	entries int
}

func newUnpacker(ctx context.Context, job *extract.Job) (*unpacker, error) {
	sb, err := job.Container()
	if err != nil {
		return nil, err
	}
	return &unpacker{ctx: ctx, job: job, sb: sb, budget: &budget{left: job.MaxSize}}, nil
}

// entry writes one container entry. open is only called for regular files
// and symlinks.
func (u *unpacker) entry(name string, mode fs.FileMode, linkname string, open func() (io.ReadCloser, error)) error {
	if err := u.ctx.Err(); err != nil {
		return err
	}
	u.entries++

	switch {
	case mode.IsDir():
		return u.sb.MkdirAll(name)
	case mode&fs.ModeSymlink != 0:
		if linkname == "" {
			target, err := readAll(open, maxLinkTarget)
			if err != nil {
				return err
			}
			linkname = string(target)
		}
		return u.sb.Symlink(linkname, name)
	case mode.IsRegular():
		rc, err := open()
		if err != nil {
			return err
		}
		defer rc.Close()
		return u.budget.write(u.sb, name, mode, rc)
	}
	// devices, fifos and sockets are not materialized
	return nil
}

// finish decides the outcome once the entry loop stopped with err.
func (u *unpacker) finish(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, extract.ErrOutputLimit) || errors.Is(err, context.Canceled) || u.entries == 0 {
		return err
	}
	u.job.Log.Warn().Err(err).Str("output", u.job.Output).Int("entries", u.entries).Msg("container truncated")
	return nil
}

func readAll(open func() (io.ReadCloser, error), limit int64) ([]byte, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}

func Tar(ctx context.Context, job *extract.Job) error {
	u, err := newUnpacker(ctx, job)
	if err != nil {
		return err
	}

	tr := tar.NewReader(job.Input)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return u.finish(err)
		}

		open := func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }
		switch hdr.Typeflag {
		case tar.TypeLink:
			u.entries++
			err = u.sb.Link(hdr.Linkname, hdr.Name)
		case tar.TypeSymlink:
			err = u.entry(hdr.Name, fs.ModeSymlink, hdr.Linkname, open)
		default:
			err = u.entry(hdr.Name, hdr.FileInfo().Mode(), "", open)
		}
		if err != nil {
			return u.finish(err)
		}
	}
}

func Zip(ctx context.Context, job *extract.Job) error {
	zr, err := zip.NewReader(job.Input, job.Input.Size())
	if err != nil {
		return err
	}
	u, err := newUnpacker(ctx, job)
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		if err := u.entry(f.Name, f.Mode(), "", f.Open); err != nil {
			return u.finish(err)
		}
	}
	return nil
}

func SevenZip(ctx context.Context, job *extract.Job) error {
	r, err := sevenzip.NewReader(job.Input, job.Input.Size())
	if err != nil {
		return fmt.Errorf("open 7z archive: %w", err)
	}
	u, err := newUnpacker(ctx, job)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		if err := u.entry(f.Name, f.Mode(), "", f.Open); err != nil {
			return u.finish(err)
		}
	}
	return nil
}

func Rar(ctx context.Context, job *extract.Job) error {
	r, err := rardecode.NewReader(job.Input)
	if err != nil {
		return fmt.Errorf("open rar archive: %w", err)
	}
	u, err := newUnpacker(ctx, job)
	if err != nil {
		return err
	}

	for {
		hdr, err := r.Next()
		if err != nil {
			return u.finish(err)
		}

		mode := hdr.Mode()
		if hdr.IsDir {
			mode |= fs.ModeDir
		}
		open := func() (io.ReadCloser, error) { return io.NopCloser(r), nil }
		if err := u.entry(hdr.Name, mode, "", open); err != nil {
			return u.finish(err)
		}
	}
}
