package rules

import (
	"fmt"
	"strings"
)

type segment struct {
	text string
	ref  string // empty for literal text
	verb string
}

// Template is a parsed description such as
// "squashfs filesystem, version {major}.{minor}, size: {size} bytes".
// A placeholder is {name} or {name:verb} where verb is x (hex) or d
// (decimal, ignoring symbolic names). "{{" produces a literal brace.
type Template struct {
	src  string
	segs []segment
}

func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}

	var lit strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '{' && i+1 < len(src) && src[i+1] == '{' {
			lit.WriteByte('{')
			i++
			continue
		}
		if c != '{' {
			lit.WriteByte(c)
			continue
		}

		end := strings.IndexByte(src[i:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder at %d", i)
		}
		name, verb, _ := strings.Cut(src[i+1:i+end], ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty placeholder at %d", i)
		}

		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{text: lit.String()})
			lit.Reset()
		}
		t.segs = append(t.segs, segment{ref: name, verb: verb})
		i += end
	}
	if lit.Len() > 0 {
		t.segs = append(t.segs, segment{text: lit.String()})
	}
	return t, nil
}

func (t *Template) Refs() []string {
	var refs []string
	for _, s := range t.segs {
		if s.ref != "" {
			refs = append(refs, s.ref)
		}
	}
	return refs
}

func (t *Template) Render(values map[string]Value) string {
	var sb strings.Builder
	for _, s := range t.segs {
		if s.ref == "" {
			sb.WriteString(s.text)
			continue
		}
		if v, ok := values[s.ref]; ok {
			sb.WriteString(v.Format(s.verb))
		}
	}
	return sb.String()
}

func (t *Template) String() string {
	return t.src
}
