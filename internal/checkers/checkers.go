// Package checkers holds the built-in validators run on every finding of a
// signature scan.
package checkers

import (
	"github.com/ostafen/firmwalk/internal/hooks"
)

// ModuleSignature is the scan module of the signature matcher.
const ModuleSignature = "signature"

type Options struct {
	Include []string // description patterns to show; empty shows all
	Exclude []string // description patterns to hide
}

// Registry returns the built-in checkers in dispatch order. The filter runs
// last so it sees descriptions rewritten by the others.
func Registry(opts Options) (*hooks.Registry, error) {
	filter, err := NewFilter(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}
	return hooks.NewRegistry(
		NewCompressedStream,
		NewZip,
		NewPNG,
		NewJPEG,
		NewTar,
		NewCPIO,
		NewSparse,
		NewMBR,
		filter,
	), nil
}
