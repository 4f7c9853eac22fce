package checkers

import (
	"fmt"
	"regexp"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

// Filter hides findings by description. Hidden findings are still
// recorded and may still be extracted.
type Filter struct {
	hooks.Base
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewFilter compiles the patterns once; every scan gets a Filter sharing
// them.
func NewFilter(include, exclude []string) (hooks.Factory, error) {
	inc, err := compileAll(include)
	if err != nil {
		return nil, err
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, err
	}
	return func() hooks.Checker {
		return &Filter{include: inc, exclude: exc}
	}, nil
}

func (*Filter) Name() string { return "filter" }

func (f *Filter) PreScan(*hooks.Scan) error {
	if len(f.include) == 0 && len(f.exclude) == 0 {
		return hooks.ErrInert
	}
	return nil
}

func (f *Filter) Scan(fd *finding.Finding) error {
	if f.hidden(fd.Description) {
		fd.Display = false
	}
	return nil
}

func (f *Filter) hidden(desc string) bool {
	for _, re := range f.exclude {
		if re.MatchString(desc) {
			return true
		}
	}
	if len(f.include) == 0 {
		return false
	}
	for _, re := range f.include {
		if re.MatchString(desc) {
			return false
		}
	}
	return true
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
