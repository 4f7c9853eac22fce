package checkers

import (
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

const cpioTrailer = `file name: "TRAILER!!!"`

// CPIO makes a cpio archive extract once. Every member header matches the
// cpio rule; only the first member after a trailer (or the start of the
// file) keeps extraction, since unpacking it yields the whole archive.
type CPIO struct {
	hooks.Base
	active bool
}

func NewCPIO() hooks.Checker { return &CPIO{} }

func (*CPIO) Name() string { return "cpio" }

func (*CPIO) Modules() []string { return []string{ModuleSignature} }

func (c *CPIO) PreScan(*hooks.Scan) error {
	c.active = false
	return nil
}

func (c *CPIO) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, "ASCII cpio archive") {
		return nil
	}

	switch {
	case strings.Contains(f.Description, cpioTrailer):
		c.active = false
		f.Extract = false
	case c.active:
		f.Extract = false
	default:
		c.active = true
	}
	return nil
}
