// Package finding defines the record threaded through the scan pipeline:
// created by the signature matcher, refined by checkers, consumed by the
// extraction engine and the reporter.
package finding

import (
	"io"

	"github.com/ostafen/firmwalk/internal/fs"
)

// FileRef is the target of one scan pass. It is owned by the orchestrator
// and closed when the pass ends.
type FileRef struct {
	Path  string
	Depth int // recursion depth; 0 for files given by the user
	file  fs.File
}

func NewFileRef(path string, depth int, f fs.File) *FileRef {
	return &FileRef{Path: path, Depth: depth, file: f}
}

func (r *FileRef) Size() int64 {
	return r.file.Size()
}

func (r *FileRef) ReadAt(p []byte, off int64) (int, error) {
	return r.file.ReadAt(p, off)
}

// Section returns a reader over [off, off+n). A non positive n extends the
// section to the end of the file.
func (r *FileRef) Section(off, n int64) *io.SectionReader {
	if n <= 0 || off+n > r.Size() {
		n = r.Size() - off
	}
	return io.NewSectionReader(r.file, off, n)
}

func (r *FileRef) Close() error {
	return r.file.Close()
}

// Finding is one signature match at one offset of one file.
type Finding struct {
	File        *FileRef
	Offset      uint64
	Description string
	RuleID      int
	RuleName    string
	Size        uint64 // carved length when known, 0 otherwise

	Display bool
	Extract bool
	// Jump, when non zero, is the absolute offset where scanning resumes.
	Jump uint64

	valid  bool
	reason string
}

func New(file *FileRef, offset uint64, description string) *Finding {
	return &Finding{
		File:        file,
		Offset:      offset,
		Description: description,
		Display:     true,
		Extract:     true,
		RuleID:      -1,
		valid:       true,
	}
}

func (f *Finding) Valid() bool {
	return f.valid
}

// Invalidate drops the finding from display and extraction. A finding can
// never become valid again.
func (f *Finding) Invalidate(reason string) {
	if f.valid {
		f.valid = false
		f.reason = reason
	}
}

func (f *Finding) InvalidReason() string {
	return f.reason
}

// JumpTo asks the orchestrator to resume scanning at off. Offsets not past
// the finding are ignored; the furthest request wins.
func (f *Finding) JumpTo(off uint64) {
	if off > f.Offset && off > f.Jump {
		f.Jump = off
	}
}

// Shown reports whether the finding reaches the user visible output.
func (f *Finding) Shown() bool {
	return f.valid && f.Display
}

// Extractable reports whether the finding may be handed to extraction.
func (f *Finding) Extractable() bool {
	return f.valid && f.Extract
}

// End is the offset just past the carved object, or the end of the file when
// the size is unknown.
func (f *Finding) End() uint64 {
	size := uint64(f.File.Size())
	if f.Size > 0 && f.Offset+f.Size < size {
		return f.Offset + f.Size
	}
	return size
}
