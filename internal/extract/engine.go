// Package extract turns findings into files on disk: it selects the
// extraction rule matching a finding's description and runs its action
// inside the output sandbox.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/sandbox"
	"github.com/rs/zerolog"
)

const DefaultMaxSize = 1 << 30

var (
	ErrNoOutput    = errors.New("extraction produced no output")
	ErrOutputLimit = errors.New("output exceeds size limit")
)

type Options struct {
	MaxSize  int64 // per output; 0 means DefaultMaxSize
	Commands bool  // allow external commands
}

// Job is the input of one extraction action.
type Job struct {
	Finding *finding.Finding
	Input   *io.SectionReader
	Output  string // canonical path inside the sandbox
	Sandbox *sandbox.Sandbox
	MaxSize int64
	Log     zerolog.Logger
}

// WriteOutput copies r to the output file, failing once MaxSize bytes have
// been written.
func (j *Job) WriteOutput(r io.Reader) (int64, error) {
	f, err := os.OpenFile(j.Output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errs.IO("create", j.Output, err)
	}
	defer f.Close()

	return CopyLimited(f, r, j.MaxSize)
}

// Container creates the output as a directory and returns a sandbox
// confined to it, for actions unpacking several entries.
func (j *Job) Container() (*sandbox.Sandbox, error) {
	return j.Sandbox.Sub(j.Output)
}

// CopyLimited copies at most limit bytes, returning ErrOutputLimit when r
// holds more.
func CopyLimited(w io.Writer, r io.Reader, limit int64) (int64, error) {
	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return limit, ErrOutputLimit
	}
	return n, nil
}

// Result reports the outcome of one extraction.
type Result struct {
	Finding *finding.Finding
	Rule    *Rule
	Output  string
	OK      bool
	Err     error
}

// Recurse reports whether the output should be scanned in turn.
func (r *Result) Recurse() bool {
	return r.OK && r.Rule.Recurse
}

// Engine is shared by all workers of a batch.
type Engine struct {
	table *Table
	sb    *sandbox.Sandbox
	opts  Options
	log   zerolog.Logger

	mu   sync.Mutex
	used map[string]struct{}
}

func NewEngine(table *Table, sb *sandbox.Sandbox, opts Options, log zerolog.Logger) *Engine {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	return &Engine{
		table: table,
		sb:    sb,
		opts:  opts,
		log:   log,
		used:  make(map[string]struct{}),
	}
}

func (e *Engine) Table() *Table {
	return e.table
}

func (e *Engine) Sandbox() *sandbox.Sandbox {
	return e.sb
}

// Extract runs the first extraction rule matching f. It returns nil when f
// is not extractable or no rule matches. Failures never propagate: they are
// logged and reported in the Result.
func (e *Engine) Extract(ctx context.Context, f *finding.Finding) *Result {
	if !f.Extractable() {
		return nil
	}
	rule := e.table.Lookup(f.Description, e.opts.Commands)
	if rule == nil {
		return nil
	}

	res := &Result{Finding: f, Rule: rule}

	out, err := e.outputPath(f, rule)
	if err == nil {
		res.Output = out
		err = e.run(ctx, rule, f, out)
	}
	if err == nil {
		err = checkOutput(out)
	}

	if err != nil {
		res.Err = errs.Extract(rule.Name, f.File.Path, int64(f.Offset), err)
		e.log.Warn().
			Err(res.Err).
			Str("file", f.File.Path).
			Uint64("offset", f.Offset).
			Str("rule", rule.Name).
			Msg("extraction failed")
		return res
	}

	res.OK = true
	e.log.Debug().
		Str("file", f.File.Path).
		Uint64("offset", f.Offset).
		Str("output", out).
		Msg("extracted")
	return res
}

// OutputDir is the directory receiving the outputs carved from path.
func (e *Engine) OutputDir(path string) string {
	dir := e.sb.Root()
	if parent := filepath.Dir(path); e.sb.Contains(parent) {
		dir = parent
	}
	return filepath.Join(dir, "_"+filepath.Base(path)+".extracted")
}

// outputPath names the first output of a given extension in a directory
// <stem>.<ext> and later ones <stem>_<OFFSET>.<ext>.
func (e *Engine) outputPath(f *finding.Finding, rule *Rule) (string, error) {
	base := filepath.Base(f.File.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	dir := e.OutputDir(f.File.Path)

	name := withExt(stem, rule.Ext)
	if !rule.WholeFile {
		e.mu.Lock()
		for i := 0; ; i++ {
			if _, taken := e.used[filepath.Join(dir, name)]; !taken {
				break
			}
			name = withExt(fmt.Sprintf("%s_%X", stem, f.Offset), rule.Ext)
			if i > 0 {
				name = withExt(fmt.Sprintf("%s_%X-%d", stem, f.Offset, i), rule.Ext)
			}
		}
		e.used[filepath.Join(dir, name)] = struct{}{}
		e.mu.Unlock()
	}

	p, ok := e.sb.Resolve(filepath.Join(dir, name))
	if !ok {
		return "", errs.Sandbox(name, errors.New("output escapes root"))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errs.IO("mkdir", filepath.Dir(p), err)
	}
	return p, nil
}

func withExt(stem, ext string) string {
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

func (e *Engine) run(ctx context.Context, rule *Rule, f *finding.Finding, out string) error {
	input := f.File.Section(int64(f.Offset), int64(f.Size))
	if rule.WholeFile {
		// the reconstruction replaces whatever a generic rule produced
		if err := os.RemoveAll(out); err != nil {
			return errs.IO("remove", out, err)
		}
		input = f.File.Section(0, 0)
	}

	job := &Job{
		Finding: f,
		Input:   input,
		Output:  out,
		Sandbox: e.sb,
		MaxSize: e.opts.MaxSize,
		Log:     e.log,
	}

	var err error
	switch a := rule.Action.(type) {
	case Callback:
		err = a(ctx, job)
	case *Command:
		err = e.runCommand(ctx, a, job)
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}
	if err != nil {
		return err
	}

	if fi, statErr := os.Lstat(out); statErr == nil && fi.IsDir() {
		if _, err := e.sb.SanitizeTree(out); err != nil {
			return err
		}
	}
	return nil
}

// runCommand writes the carved bytes to a temporary file next to the output,
// runs the command over it and removes it.
func (e *Engine) runCommand(ctx context.Context, cmd *Command, job *Job) error {
	tmp, err := os.CreateTemp(filepath.Dir(job.Output), ".carve-*")
	if err != nil {
		return errs.IO("create temp", filepath.Dir(job.Output), err)
	}
	defer os.Remove(tmp.Name())

	_, err = CopyLimited(tmp, job.Input, job.MaxSize)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	argv := cmd.Argv(tmp.Name(), job.Output)
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}

	c := exec.CommandContext(ctx, bin, argv[1:]...)
	c.Dir = filepath.Dir(job.Output)
	output, err := c.CombinedOutput()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		code = exitErr.ExitCode()
	}
	if !cmd.succeeded(code) {
		return fmt.Errorf("%s exited with status %d: %s", argv[0], code, lastLine(output))
	}
	return nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}

// checkOutput rejects missing and empty outputs, removing empty ones.
func checkOutput(out string) error {
	fi, err := os.Lstat(out)
	if err != nil {
		return ErrNoOutput
	}

	switch {
	case fi.IsDir():
		entries, err := os.ReadDir(out)
		if err != nil {
			return errs.IO("read dir", out, err)
		}
		if len(entries) > 0 {
			return nil
		}
	case fi.Size() > 0:
		return nil
	}

	_ = os.Remove(out)
	return ErrNoOutput
}
