package rules

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ostafen/firmwalk/internal/stream"
)

// ErrNoMatch is returned by Evaluate when a condition rejects the header.
var ErrNoMatch = errors.New("conditions not satisfied")

const (
	// MaxSpan bounds how far past the header start a rule may look, either
	// through a field or through the length of a regex match.
	MaxSpan = 64 * 1024

	// DefaultMaxLength is the longest regex match a rule reports when it
	// sets no max_length.
	DefaultMaxLength = stream.DefaultTrailingSize
)

type Binding struct {
	Name string
	Expr Expr
}

// Rule is one signature of the rule set. A rule matches either a literal
// Magic found MagicOffset bytes after the header start, or a Regex whose
// match start is the header start. Rules are immutable once added to a Set.
type Rule struct {
	ID          int
	Name        string
	Magic       []byte
	MagicOffset int
	Regex       *regexp.Regexp
	MaxLength   int // longest regex match; 0 means DefaultMaxLength
	Fields      []Field
	Lets        []Binding
	Conditions  []Expr
	Size        Expr // optional carved length of the matched object
	Description *Template
	Display     bool
	Extract     bool
}

// Match is the result of evaluating a rule against header bytes.
type Match struct {
	Description string
	Size        uint64
	Values      map[string]Value
}

// HeaderSize is the number of bytes, from the header start, the rule may
// need to see to evaluate all its fields. For a regex rule it covers the
// longest match, so a window overlap of HeaderSize never splits one.
func (r *Rule) HeaderSize() int {
	n := r.MagicOffset + len(r.Magic)
	if r.IsRegex() {
		n = max(n, r.MatchLength())
	}
	for i := range r.Fields {
		n = max(n, r.Fields[i].Span())
	}
	return n
}

func (r *Rule) IsRegex() bool {
	return r.Regex != nil
}

// MatchLength is the longest regex match the rule reports.
func (r *Rule) MatchLength() int {
	if r.MaxLength > 0 {
		return r.MaxLength
	}
	return DefaultMaxLength
}

// Validate checks that every name used by bindings, conditions, size and the
// description is defined before use.
func (r *Rule) Validate() error {
	if len(r.Magic) == 0 && r.Regex == nil {
		return errors.New("rule has neither magic nor regex")
	}
	if r.MagicOffset < 0 {
		return errors.New("negative magic offset")
	}
	if r.MagicOffset > MaxSpan-len(r.Magic) {
		return fmt.Errorf("magic ends past %d bytes", MaxSpan)
	}
	if r.MaxLength < 0 || r.MaxLength > MaxSpan {
		return fmt.Errorf("max_length %d outside [0, %d]", r.MaxLength, MaxSpan)
	}
	if r.Description == nil {
		return errors.New("missing description")
	}

	defined := map[string]bool{}
	ints := map[string]bool{}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if defined[f.Name] {
			return fmt.Errorf("field %s defined twice", f.Name)
		}
		if f.Type.width() == 0 && f.Size <= 0 {
			return fmt.Errorf("field %s needs a size", f.Name)
		}
		if f.Offset < 0 {
			return fmt.Errorf("field %s: negative offset %d", f.Name, f.Offset)
		}
		if f.Offset > MaxSpan || f.Size > MaxSpan || f.Span() > MaxSpan {
			return fmt.Errorf("field %s ends past %d bytes", f.Name, MaxSpan)
		}
		if f.SizeFrom != "" && !ints[f.SizeFrom] {
			return fmt.Errorf("field %s: size_from %q is not an earlier integer field", f.Name, f.SizeFrom)
		}
		defined[f.Name] = true
		ints[f.Name] = !f.Type.IsString()
	}

	checkExpr := func(what string, e Expr) error {
		for _, ref := range Refs(e) {
			if !ints[ref] {
				return fmt.Errorf("%s: %w %q", what, ErrUnknownRef, ref)
			}
		}
		return nil
	}

	for _, b := range r.Lets {
		if err := checkExpr("let "+b.Name, b.Expr); err != nil {
			return err
		}
		defined[b.Name] = true
		ints[b.Name] = true
	}
	for _, c := range r.Conditions {
		if err := checkExpr("condition", c); err != nil {
			return err
		}
	}
	if r.Size != nil {
		if err := checkExpr("size", r.Size); err != nil {
			return err
		}
		defined["size"] = true
	}
	for _, ref := range r.Description.Refs() {
		if !defined[ref] {
			return fmt.Errorf("description: %w %q", ErrUnknownRef, ref)
		}
	}
	return nil
}

type valueEnv map[string]Value

func (e valueEnv) Int(name string) (int64, error) {
	v, ok := e[name]
	if !ok || v.IsStr {
		return 0, fmt.Errorf("%w %q", ErrUnknownRef, name)
	}
	return v.Int, nil
}

// Evaluate decodes the rule's fields from header (which starts at the header
// start), evaluates bindings and conditions, and renders the description.
// It returns ErrDataUnavailable when header is too short and ErrNoMatch
// when a condition is false.
func (r *Rule) Evaluate(header []byte) (*Match, error) {
	env := make(valueEnv, len(r.Fields)+len(r.Lets)+1)

	for i := range r.Fields {
		f := &r.Fields[i]

		size := f.Size
		if f.SizeFrom != "" {
			n := env[f.SizeFrom].Int
			if n < 0 || int(n) > f.Size {
				return nil, fmt.Errorf("field %s: length %d out of range", f.Name, n)
			}
			size = int(n)
		}

		v, err := f.read(header, size)
		if err != nil {
			return nil, err
		}
		env[f.Name] = v
	}

	for _, b := range r.Lets {
		n, err := b.Expr.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("let %s: %w", b.Name, err)
		}
		env[b.Name] = Value{Int: n}
	}

	for _, c := range r.Conditions {
		ok, err := c.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", c, err)
		}
		if ok == 0 {
			return nil, ErrNoMatch
		}
	}

	m := &Match{Values: env}
	if r.Size != nil {
		n, err := r.Size.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		if n > 0 {
			m.Size = uint64(n)
		}
		if _, shadowed := env["size"]; !shadowed {
			env["size"] = Value{Int: n}
		}
	}
	m.Description = r.Description.Render(env)
	return m, nil
}
