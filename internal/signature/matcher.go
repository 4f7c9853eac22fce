package signature

import (
	"errors"
	"sort"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/rules"
	"github.com/ostafen/firmwalk/internal/stream"
	"github.com/rs/zerolog"
)

// Matcher evaluates a rule set against the windows of one file. It is not
// safe for concurrent use; each scan pass creates its own.
type Matcher struct {
	set *rules.Set
	ref *finding.FileRef
	log zerolog.Logger

	// every offset below floor was owned by an already matched window
	floor  int64
	header []byte
}

func NewMatcher(set *rules.Set, ref *finding.FileRef, log zerolog.Logger) *Matcher {
	return &Matcher{
		set:    set,
		ref:    ref,
		log:    log,
		header: make([]byte, set.MaxHeaderSize()),
	}
}

// Match returns the findings whose header starts in the owned region of b,
// ordered by offset and, for equal offsets, by rule registration order.
func (m *Matcher) Match(b *stream.Block) []*finding.Finding {
	var out []*finding.Finding

	start := 0
	if m.floor > b.Offset {
		start = int(min(m.floor-b.Offset, int64(b.Owned)))
	}

	for pos := start; pos < b.Owned; pos++ {
		m.set.Candidates(b.Data, pos, func(r *rules.Rule) {
			if f := m.evaluate(r, b, pos); f != nil {
				out = append(out, f)
			}
		})
	}

	regexCount := 0
	for _, r := range m.set.Regex() {
		for _, loc := range r.Regex.FindAllIndex(b.Data, -1) {
			if loc[0] < start || loc[0] >= b.Owned || loc[1]-loc[0] > r.MatchLength() {
				continue
			}
			if f := m.evaluate(r, b, loc[0]); f != nil {
				out = append(out, f)
				regexCount++
			}
		}
	}
	if regexCount > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Offset != out[j].Offset {
				return out[i].Offset < out[j].Offset
			}
			return out[i].RuleID < out[j].RuleID
		})
	}

	m.floor = max(m.floor, b.End())
	return out
}

func (m *Matcher) evaluate(r *rules.Rule, b *stream.Block, pos int) *finding.Finding {
	abs := b.Offset + int64(pos)

	match, err := r.Evaluate(b.Data[pos:])
	if errors.Is(err, rules.ErrDataUnavailable) && !b.Last {
		// header crosses the trailing overlap; read it from the file
		match, err = m.evaluateAt(r, abs)
	}

	switch {
	case err == nil:
	case errors.Is(err, rules.ErrNoMatch), errors.Is(err, rules.ErrDataUnavailable):
		return nil
	default:
		m.log.Debug().
			Err(err).
			Str("rule", r.Name).
			Int64("offset", abs).
			Msg("rule evaluation failed")
		return nil
	}

	f := finding.New(m.ref, uint64(abs), match.Description)
	f.RuleID = r.ID
	f.RuleName = r.Name
	f.Size = match.Size
	f.Display = r.Display
	f.Extract = r.Extract
	return f
}

func (m *Matcher) evaluateAt(r *rules.Rule, abs int64) (*rules.Match, error) {
	n, _ := m.ref.ReadAt(m.header[:r.HeaderSize()], abs)
	return r.Evaluate(m.header[:n])
}
