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

// Package hooks dispatches the lifecycle of one file scan to the registered
// checkers, letting them validate, hide, or redirect findings.
package hooks

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/rs/zerolog"
)

// ErrInert is returned by PreScan when a checker does not apply to the
// current scan. The checker receives no further hooks for that file.
var ErrInert = errors.New("checker inert")

var ErrPhase = errors.New("hook called out of phase")

// Scan describes the file scan a bus serves.
type Scan struct {
	File   *finding.FileRef
	Module string
	Log    zerolog.Logger
}

// Checker refines findings. Instances hold per-scan state and are never
// shared between scans: the registry builds a fresh set for every file.
type Checker interface {
	Name() string
	// Modules lists the scan modules the checker applies to; none means all.
	Modules() []string
	// Init is called once per process to register the extraction rules
	// the checker owns.
	Init(table *extract.Table) error
	PreScan(s *Scan) error
	Scan(f *finding.Finding) error
	PostScan(s *Scan) error
}

// Base provides no-op hooks for checkers to embed.
type Base struct{}

func (Base) Modules() []string           { return nil }
func (Base) Init(*extract.Table) error   { return nil }
func (Base) PreScan(*Scan) error         { return nil }
func (Base) Scan(*finding.Finding) error { return nil }
func (Base) PostScan(*Scan) error        { return nil }

type Factory func() Checker

// Registry is the explicit list of checkers, in dispatch order.
type Registry struct {
	factories []Factory
}

func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

func (r *Registry) Register(f Factory) {
	r.factories = append(r.factories, f)
}

func (r *Registry) Len() int {
	return len(r.factories)
}

// Names returns the checker names in dispatch order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for _, f := range r.factories {
		names = append(names, f().Name())
	}
	return names
}

// Init runs every checker's Init against table. A failing checker is
// reported but does not prevent the others from registering.
func (r *Registry) Init(table *extract.Table, log zerolog.Logger) error {
	var failed []error
	for _, f := range r.factories {
		c := f()
		err := safeCall(c.Name(), "init", func() error { return c.Init(table) })
		if err != nil {
			log.Error().Err(err).Str("checker", c.Name()).Msg("checker init failed")
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// NewBus builds fresh checker instances for one scan, keeping those that
// apply to the scan's module.
func (r *Registry) NewBus(s *Scan) *Bus {
	b := &Bus{scan: s, log: s.Log}
	for _, f := range r.factories {
		c := f()
		if mods := c.Modules(); len(mods) > 0 && !slices.Contains(mods, s.Module) {
			continue
		}
		b.checkers = append(b.checkers, &slot{checker: c})
	}
	return b
}

type Phase int

const (
	NotStarted Phase = iota
	PreScan
	Scanning
	PostScan
	Done
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case PreScan:
		return "pre-scan"
	case Scanning:
		return "scanning"
	case PostScan:
		return "post-scan"
	case Done:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type slot struct {
	checker Checker
	inert   bool
}

// Bus runs the hooks of one file scan in registration order. A failing or
// panicking checker is logged and skipped for that event only.
type Bus struct {
	scan     *Scan
	checkers []*slot
	phase    Phase
	errs     []error
	log      zerolog.Logger
}

func (b *Bus) Phase() Phase {
	return b.phase
}

// Checkers returns the names of the checkers still active.
func (b *Bus) Checkers() []string {
	var names []string
	for _, s := range b.checkers {
		if !s.inert {
			names = append(names, s.checker.Name())
		}
	}
	return names
}

// Errors returns the checker failures collected so far.
func (b *Bus) Errors() []error {
	return b.errs
}

func (b *Bus) PreScan() error {
	if b.phase != NotStarted {
		return fmt.Errorf("%w: pre-scan during %s", ErrPhase, b.phase)
	}
	b.phase = PreScan

	for _, s := range b.checkers {
		err := b.call(s, "pre_scan", func() error { return s.checker.PreScan(b.scan) })
		if errors.Is(err, ErrInert) {
			s.inert = true
		}
	}
	b.phase = Scanning
	return nil
}

// Dispatch runs every active checker's Scan hook on f.
func (b *Bus) Dispatch(f *finding.Finding) error {
	if b.phase != Scanning {
		return fmt.Errorf("%w: scan during %s", ErrPhase, b.phase)
	}
	for _, s := range b.checkers {
		if s.inert {
			continue
		}
		b.call(s, "scan", func() error { return s.checker.Scan(f) })
	}
	return nil
}

func (b *Bus) PostScan() error {
	if b.phase != Scanning {
		return fmt.Errorf("%w: post-scan during %s", ErrPhase, b.phase)
	}
	b.phase = PostScan

	for _, s := range b.checkers {
		if s.inert {
			continue
		}
		b.call(s, "post_scan", func() error { return s.checker.PostScan(b.scan) })
	}
	b.phase = Done
	return nil
}

func (b *Bus) call(s *slot, hook string, fn func() error) error {
	err := safeCall(s.checker.Name(), hook, fn)
	if err == nil || errors.Is(err, ErrInert) {
		return err
	}

	b.errs = append(b.errs, err)

	ev := b.log.Error().Err(err).Str("checker", s.checker.Name()).Str("hook", hook)
	if b.scan.File != nil {
		ev = ev.Str("file", b.scan.File.Path)
	}
	ev.Msg("checker failed")
	return err
}

// safeCall runs fn, turning a panic into a CheckerError.
func safeCall(name, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Checker(name, hook, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if err := fn(); err != nil {
		if errors.Is(err, ErrInert) {
			return err
		}
		return errs.Checker(name, hook, err)
	}
	return nil
}
