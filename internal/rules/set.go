package rules

import (
	"sort"

	"github.com/ostafen/firmwalk/pkg/table"
)

type literalGroup struct {
	offset int
	index  *table.PrefixTable[[]*Rule]
}

// Set is the immutable collection of rules a scan evaluates. Literal
// magics are indexed by prefix, grouped by magic offset, so the matcher
// probes each window position once per distinct offset instead of once per
// rule.
type Set struct {
	rules     []*Rule
	groups    []literalGroup
	regex     []*Rule
	maxHeader int
}

// NewSet assigns IDs in registration order and indexes the rules. Rules
// failing validation must be filtered by the caller (see Load).
func NewSet(rules ...*Rule) *Set {
	s := &Set{}

	byOffset := map[int]*table.PrefixTable[[]*Rule]{}
	for i, r := range rules {
		r.ID = i
		s.rules = append(s.rules, r)
		s.maxHeader = max(s.maxHeader, r.HeaderSize())

		if r.IsRegex() {
			s.regex = append(s.regex, r)
			continue
		}

		idx, ok := byOffset[r.MagicOffset]
		if !ok {
			idx = table.New[[]*Rule]()
			byOffset[r.MagicOffset] = idx
		}
		same, _ := idx.Get(r.Magic)
		idx.Insert(r.Magic, append(same, r))
	}

	for off, idx := range byOffset {
		s.groups = append(s.groups, literalGroup{offset: off, index: idx})
	}
	sort.Slice(s.groups, func(i, j int) bool {
		return s.groups[i].offset < s.groups[j].offset
	})
	return s
}

func (s *Set) Rules() []*Rule {
	return s.rules
}

func (s *Set) Len() int {
	return len(s.rules)
}

func (s *Set) Regex() []*Rule {
	return s.regex
}

// MaxHeaderSize is the largest HeaderSize of any rule. Scan windows must
// overlap by at least this much so no header is split across windows.
func (s *Set) MaxHeaderSize() int {
	return s.maxHeader
}

// Candidates calls fn for every literal rule whose magic occurs in data at
// pos+MagicOffset, i.e. every rule whose header could start at pos.
// Rules are reported in registration order.
func (s *Set) Candidates(data []byte, pos int, fn func(r *Rule)) {
	var found []*Rule
	for _, g := range s.groups {
		at := pos + g.offset
		if at >= len(data) {
			break
		}
		g.index.Walk(data[at:], func(_ []byte, rules []*Rule) bool {
			found = append(found, rules...)
			return false
		})
	}

	if len(found) > 1 {
		sort.Slice(found, func(i, j int) bool {
			return found[i].ID < found[j].ID
		})
	}
	for _, r := range found {
		fn(r)
	}
}
