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
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Summary aggregates the results of a batch.
type Summary struct {
	Files      int
	Failed     int
	Findings   int
	Shown      int
	Extracted  int
	Bytes      int64
	Violations int
	Duration   time.Duration
}

func (s *Summary) add(r *FileResult) {
	s.Files++
	if r.Err != nil {
		s.Failed++
	}
	s.Findings += len(r.Findings)
	s.Shown += len(r.Shown())
	s.Extracted += countOK(r.Extractions)
	s.Bytes += r.Size
}

type task struct {
	path  string
	depth int
}

// Run scans paths and, when recursion is enabled, every file produced by a
// recursive extraction, with at most Workers scans in flight. emit is
// called from the calling goroutine, one result at a time, in completion
// order. Per-file failures are reported through the results; Run only
// fails when ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, paths []string, emit func(*FileResult)) (*Summary, error) {
	start := time.Now()
	sum := &Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	var (
		visited  = map[string]struct{}{}
		pending  []task
		inflight int
		results  = make(chan *FileResult)
	)
	schedule := func(path string, depth int) {
		key := canonicalPath(path)
		if _, seen := visited[key]; seen {
			s.log.Debug().Str("file", path).Msg("already scanned")
			return
		}
		visited[key] = struct{}{}
		pending = append(pending, task{path: path, depth: depth})
		if s.opts.OnSchedule != nil {
			s.opts.OnSchedule(path, depth)
		}
	}
	for _, p := range paths {
		schedule(p, 0)
	}

	for len(pending) > 0 || inflight > 0 {
		for len(pending) > 0 && gctx.Err() == nil {
			t := pending[0]
			scan := func() error {
				results <- s.ScanFile(gctx, t.path, t.depth)
				return nil
			}
			if inflight == 0 {
				// a worker whose result was already received may still hold
				// its slot; wait for it rather than stall the queue
				g.Go(scan)
			} else if !g.TryGo(scan) {
				break
			}
			pending = pending[1:]
			inflight++
		}
		if inflight == 0 {
			// cancelled with work still pending
			break
		}

		r := <-results
		inflight--

		sum.add(r)
		if emit != nil {
			emit(r)
		}
		for _, child := range s.children(r) {
			schedule(child, r.Depth+1)
		}
	}

	if err := g.Wait(); err != nil {
		return sum, err
	}
	if s.engine != nil {
		sum.Violations = len(s.engine.Sandbox().Violations())
	}
	sum.Duration = time.Since(start)
	return sum, ctx.Err()
}

// children lists the files to scan next from the extractions of r: the
// output itself, or every regular file below an output directory.
func (s *Scanner) children(r *FileResult) []string {
	if !s.opts.Recurse || r.Depth+1 > s.opts.MaxDepth {
		return nil
	}

	var out []string
	for _, x := range r.Extractions {
		if !x.Recurse() {
			continue
		}
		fi, err := os.Lstat(x.Output)
		if err != nil {
			continue
		}
		if fi.Mode().IsRegular() {
			out = append(out, x.Output)
			continue
		}
		if !fi.IsDir() {
			continue
		}

		var files []string
		_ = filepath.WalkDir(x.Output, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		sort.Strings(files)
		out = append(out, files...)
	}
	return out
}

func canonicalPath(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		path = p
	}
	if p, err := filepath.Abs(path); err == nil {
		path = p
	}
	return path
}
