package checkers

import (
	"strings"

	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/ostafen/firmwalk/internal/unpack"
)

const sparsePrefix = "Android sparse image"

// Sparse validates Android sparse images and owns the extraction rule that
// rebuilds the raw image. The rule is prepended so it takes precedence over
// the generic carving rule.
type Sparse struct {
	hooks.Base
}

func NewSparse() hooks.Checker { return &Sparse{} }

func (*Sparse) Name() string { return "sparse" }

func (*Sparse) Modules() []string { return []string{ModuleSignature} }

func (*Sparse) Init(t *extract.Table) error {
	r, err := extract.NewRule("android-sparse-rebuild", "^"+sparsePrefix, extract.Callback(unpack.Sparse), "img")
	if err != nil {
		return err
	}
	r.Prepend = true
	r.WholeFile = true
	t.Add(r)
	return nil
}

func (*Sparse) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, sparsePrefix) {
		return nil
	}

	n, err := unpack.SparseLength(f.File, int64(f.Offset))
	if err != nil {
		f.Invalidate(err.Error())
		return nil
	}
	f.Size = uint64(n)
	f.JumpTo(f.Offset + f.Size)
	return nil
}
