// Package sandbox confines every path written during extraction to an
// output root. Paths that would land outside the root, directly or through
// symlinks, are redirected to the null device and recorded.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// maxLinkHops bounds symlink chains, matching the usual kernel limit.
const maxLinkHops = 40

var ErrTooManyLinks = errors.New("too many levels of symbolic links")

// Violation is an entry that tried to escape the root.
type Violation struct {
	Entry  string // name as given by the extraction action
	Target string // where it would have landed
}

type journal struct {
	mu         sync.Mutex
	violations []Violation
}

// Sandbox is safe for concurrent use. Sub sandboxes share the violation
// journal of their parent.
type Sandbox struct {
	root    string
	journal *journal
	log     zerolog.Logger
}

// New creates root if needed and returns a sandbox rooted at its canonical
// path.
func New(root string, log zerolog.Logger) (*Sandbox, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.IO("create output root", root, err)
	}
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, errs.IO("resolve output root", root, err)
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		return nil, errs.IO("resolve output root", root, err)
	}
	return &Sandbox{root: canon, journal: &journal{}, log: log}, nil
}

// Sub returns a sandbox confined to dir, which must itself resolve inside
// the current root.
func (s *Sandbox) Sub(dir string) (*Sandbox, error) {
	p, ok := s.Resolve(dir)
	if !ok {
		return nil, errs.Sandbox(dir, fmt.Errorf("directory outside %s", s.root))
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, errs.IO("mkdir", p, err)
	}
	return &Sandbox{root: p, journal: s.journal, log: s.log}, nil
}

func (s *Sandbox) Root() string {
	return s.root
}

// Contains reports whether the canonical form of path is inside the root.
func (s *Sandbox) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	canon, err := canonical(abs, 0)
	return err == nil && within(s.root, canon)
}

// Resolve maps name, relative to the root or absolute, to its canonical
// absolute path. When the result escapes the root, or cannot be resolved,
// Resolve records a violation and returns os.DevNull and false.
func (s *Sandbox) Resolve(name string) (string, bool) {
	clean := normalize(name)

	full := clean
	if !filepath.IsAbs(clean) {
		full = s.root + string(filepath.Separator) + clean
	}

	canon, err := canonical(full, 0)
	if err != nil || !within(s.root, canon) {
		if err != nil {
			canon = full
		}
		s.record(name, canon)
		return os.DevNull, false
	}
	return canon, true
}

// Create opens name for writing, creating missing parent directories. An
// escaping name yields a handle on the null device.
func (s *Sandbox) Create(name string, perm fs.FileMode) (*os.File, error) {
	p, ok := s.Resolve(name)
	if !ok {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errs.IO("mkdir", filepath.Dir(p), err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm.Perm()|0o200)
	if err != nil {
		return nil, errs.IO("create", p, err)
	}
	return f, nil
}

// MkdirAll creates the directory name. Escaping names are ignored.
func (s *Sandbox) MkdirAll(name string) error {
	p, ok := s.Resolve(name)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return errs.IO("mkdir", p, err)
	}
	return nil
}

// Symlink creates name pointing to target. A target resolving outside the
// root is replaced by a link to the null device.
func (s *Sandbox) Symlink(target, name string) error {
	p, ok := s.Resolve(name)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errs.IO("mkdir", filepath.Dir(p), err)
	}

	if !s.linkInside(filepath.Dir(p), target) {
		s.record(name, target)
		target = os.DevNull
	}

	_ = os.Remove(p)
	if err := os.Symlink(target, p); err != nil {
		return errs.IO("symlink", p, err)
	}
	return nil
}

// Link creates a hard link name to the existing entry oldname. Escaping
// names on either side are skipped.
func (s *Sandbox) Link(oldname, name string) error {
	src, ok := s.Resolve(oldname)
	if !ok {
		return nil
	}
	dst, ok := s.Resolve(name)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.IO("mkdir", filepath.Dir(dst), err)
	}
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err != nil {
		return errs.IO("link", dst, err)
	}
	return nil
}

// SanitizeTree walks dir and rewrites every symlink whose target resolves
// outside the root to point at the null device. It returns the number of
// links rewritten.
func (s *Sandbox) SanitizeTree(dir string) (int, error) {
	start, ok := s.Resolve(dir)
	if !ok {
		return 0, errs.Sandbox(dir, errors.New("directory outside root"))
	}

	var rewritten int
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil || s.linkInside(filepath.Dir(path), target) {
			return nil
		}

		s.record(path, target)
		if err := os.Remove(path); err != nil {
			return errs.IO("remove", path, err)
		}
		if err := os.Symlink(os.DevNull, path); err != nil {
			return errs.IO("symlink", path, err)
		}
		rewritten++
		return nil
	})
	return rewritten, err
}

// Violations returns the entries neutralized so far.
func (s *Sandbox) Violations() []Violation {
	s.journal.mu.Lock()
	defer s.journal.mu.Unlock()

	out := make([]Violation, len(s.journal.violations))
	copy(out, s.journal.violations)
	return out
}

func (s *Sandbox) linkInside(dir, target string) bool {
	if target == os.DevNull {
		return true
	}
	full := target
	if !filepath.IsAbs(target) {
		full = dir + string(filepath.Separator) + target
	}
	canon, err := canonical(full, 0)
	return err == nil && within(s.root, canon)
}

func (s *Sandbox) record(entry, target string) {
	s.journal.mu.Lock()
	s.journal.violations = append(s.journal.violations, Violation{Entry: entry, Target: target})
	s.journal.mu.Unlock()

	s.log.Warn().
		Err(errs.Sandbox(entry, errors.New("path escapes output root"))).
		Str("entry", entry).
		Str("target", target).
		Msg("sandbox violation neutralized")
}

// normalize applies Unicode NFC, drops NUL bytes and converts backslashes
// so archive names from any host resolve the same way.
func normalize(name string) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, "\x00", "")
	if filepath.Separator == '/' {
		name = strings.ReplaceAll(name, `\`, "/")
	}
	return name
}

// canonical resolves an absolute path component by component, following
// symlinks and applying ".." to the resolved parent. Missing components are
// kept literally.
func canonical(path string, hops int) (string, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")

	cur := string(filepath.Separator)
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, part)
		fi, err := os.Lstat(next)
		if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}

		if hops >= maxLinkHops {
			return "", ErrTooManyLinks
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = cur + string(filepath.Separator) + target
		}
		rest := strings.Join(parts[i+1:], "/")
		return canonical(target+"/"+rest, hops+1)
	}
	return cur, nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
