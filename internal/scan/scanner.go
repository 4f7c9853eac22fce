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

// Package scan drives the per-file pipeline (windows, matcher, hook bus,
// extraction) and schedules recursive scans of extracted files.
package scan

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ostafen/firmwalk/internal/checkers"
	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/ostafen/firmwalk/internal/rules"
	"github.com/ostafen/firmwalk/internal/signature"
	"github.com/ostafen/firmwalk/internal/stream"
	"github.com/rs/zerolog"
)

const DefaultMaxDepth = 8

type Options struct {
	BlockSize    int
	TrailingSize int // 0 derives the overlap from the rule set
	Module       string
	Workers      int
	Recurse      bool
	MaxDepth     int
	// OnSchedule, when set, is called from the goroutine running Run each
	// time a file is queued.
	OnSchedule func(path string, depth int)
}

// FileResult is the outcome of one scan pass. Findings holds every finding
// in offset order, including invalid and hidden ones.
type FileResult struct {
	Path        string
	Depth       int
	Size        int64
	Findings    []*finding.Finding
	Extractions []*extract.Result
	Duration    time.Duration
	Err         error
}

// Shown returns the findings meant for display.
func (r *FileResult) Shown() []*finding.Finding {
	var out []*finding.Finding
	for _, f := range r.Findings {
		if f.Shown() {
			out = append(out, f)
		}
	}
	return out
}

// Extraction returns the extraction result of f, if any.
func (r *FileResult) Extraction(f *finding.Finding) *extract.Result {
	for _, x := range r.Extractions {
		if x.Finding == f {
			return x
		}
	}
	return nil
}

// Scanner holds the read-only state shared by every scan of a batch. The
// engine is nil when extraction is disabled.
type Scanner struct {
	set      *rules.Set
	registry *hooks.Registry
	engine   *extract.Engine
	opts     Options
	log      zerolog.Logger
}

func New(set *rules.Set, registry *hooks.Registry, engine *extract.Engine, opts Options, log zerolog.Logger) *Scanner {
	if opts.BlockSize <= 0 {
		opts.BlockSize = stream.DefaultBlockSize
	}
	if opts.Module == "" {
		opts.Module = checkers.ModuleSignature
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Scanner{
		set:      set,
		registry: registry,
		engine:   engine,
		opts:     opts,
		log:      log,
	}
}

func (s *Scanner) trailingSize() int {
	return max(s.opts.TrailingSize, s.set.MaxHeaderSize())
}

// ScanFile runs the sequential pipeline over one file. Errors are reported
// in the result: a file that cannot be read fails alone.
func (s *Scanner) ScanFile(ctx context.Context, path string, depth int) *FileResult {
	res := &FileResult{Path: path, Depth: depth}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	f, err := fs.Open(path)
	if err != nil {
		res.Err = errs.IO("open", path, err)
		return res
	}
	ref := finding.NewFileRef(path, depth, f)
	defer ref.Close()
	res.Size = ref.Size()

	log := s.log.With().Str("file", path).Int("depth", depth).Logger()
	log.Debug().Int64("size", res.Size).Msg("scan started")

	br, err := stream.NewReader(ref, ref.Size(), stream.Options{
		BlockSize:    s.opts.BlockSize,
		TrailingSize: s.trailingSize(),
	})
	if err != nil {
		res.Err = err
		return res
	}
	br.WithPath(path)

	bus := s.registry.NewBus(&hooks.Scan{File: ref, Module: s.opts.Module, Log: log})
	if err := bus.PreScan(); err != nil {
		res.Err = err
		return res
	}

	res.Err = s.run(ctx, br, signature.NewMatcher(s.set, ref, log), bus, res)

	if err := bus.PostScan(); err != nil && res.Err == nil {
		res.Err = err
	}

	ev := log.Info()
	if res.Err != nil {
		ev = log.Error().Err(res.Err)
	}
	ev.Int("findings", len(res.Findings)).
		Int("shown", len(res.Shown())).
		Int("extracted", countOK(res.Extractions)).
		Dur("took", time.Since(start)).
		Msg("scan finished")
	return res
}

func (s *Scanner) run(ctx context.Context, br *stream.Reader, m *signature.Matcher, bus *hooks.Bus, res *FileResult) error {
	// findings starting before jump lie inside an object already reported
	var jump uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := br.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, f := range m.Match(b) {
			if f.Offset < jump {
				continue
			}
			if err := bus.Dispatch(f); err != nil {
				return err
			}
			res.Findings = append(res.Findings, f)

			if s.engine != nil {
				if x := s.engine.Extract(ctx, f); x != nil {
					res.Extractions = append(res.Extractions, x)
				}
			}
			if f.Valid() && f.Jump > f.Offset {
				jump = max(jump, f.Jump)
			}
		}

		if int64(jump) > br.Cursor() {
			br.Seek(int64(jump))
		}
	}
}

func countOK(xs []*extract.Result) int {
	n := 0
	for _, x := range xs {
		if x.OK {
			n++
		}
	}
	return n
}
