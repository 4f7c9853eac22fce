package rules

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ostafen/firmwalk/internal/errs"
	"gopkg.in/yaml.v3"
)

//go:embed magic.yaml
var defaultDB []byte

type fieldSpec struct {
	Name     string           `yaml:"name"`
	Offset   int              `yaml:"offset"`
	Type     string           `yaml:"type"`
	Size     int              `yaml:"size"`
	SizeFrom string           `yaml:"size_from"`
	Names    map[int64]string `yaml:"names"`
}

type bindingSpec struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type ruleSpec struct {
	Name        string        `yaml:"name"`
	Magic       string        `yaml:"magic"`
	MagicString string        `yaml:"magic_string"`
	MagicOffset int           `yaml:"magic_offset"`
	Regex       string        `yaml:"regex"`
	MaxLength   int           `yaml:"max_length"`
	Fields      []fieldSpec   `yaml:"fields"`
	Let         []bindingSpec `yaml:"let"`
	Conditions  []string      `yaml:"conditions"`
	Size        string        `yaml:"size"`
	Description string        `yaml:"description"`
	Display     *bool         `yaml:"display"`
	Extract     *bool         `yaml:"extract"`
}

type database struct {
	Rules []ruleSpec `yaml:"rules"`
}

// Load parses a YAML rule database. Malformed rules are skipped and
// reported through the returned error (errors.Join of RuleErrors) while the
// well formed ones are still returned. A document that is not valid YAML
// yields no rules.
func Load(data []byte) ([]*Rule, error) {
	var db database
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parse rule database: %w", err)
	}

	var (
		out  []*Rule
		bad  []error
		seen = map[string]bool{}
	)
	for i, spec := range db.Rules {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[name] {
			bad = append(bad, errs.Rule(name, errors.New("duplicate rule name")))
			continue
		}
		seen[name] = true

		r, err := spec.compile()
		if err != nil {
			bad = append(bad, errs.Rule(name, err))
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(bad...)
}

func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO("read", path, err)
	}
	return Load(data)
}

// LoadDefault returns the rules of the embedded database.
func LoadDefault() ([]*Rule, error) {
	return Load(defaultDB)
}

func (spec *ruleSpec) compile() (*Rule, error) {
	r := &Rule{
		Name:        spec.Name,
		MagicOffset: spec.MagicOffset,
		MaxLength:   spec.MaxLength,
		Display:     spec.Display == nil || *spec.Display,
		Extract:     spec.Extract == nil || *spec.Extract,
	}

	switch {
	case spec.Magic != "":
		magic, err := hex.DecodeString(strings.ReplaceAll(spec.Magic, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("magic: %w", err)
		}
		r.Magic = magic
	case spec.MagicString != "":
		r.Magic = []byte(spec.MagicString)
	case spec.Regex != "":
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("regex: %w", err)
		}
		r.Regex = re
	}

	for _, fs := range spec.Fields {
		t, err := ParseFieldType(fs.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fs.Name, err)
		}
		r.Fields = append(r.Fields, Field{
			Name:     fs.Name,
			Offset:   fs.Offset,
			Type:     t,
			Size:     fs.Size,
			SizeFrom: fs.SizeFrom,
			Names:    fs.Names,
		})
	}

	for _, b := range spec.Let {
		e, err := ParseExpr(b.Expr)
		if err != nil {
			return nil, fmt.Errorf("let %s: %w", b.Name, err)
		}
		r.Lets = append(r.Lets, Binding{Name: b.Name, Expr: e})
	}

	for _, c := range spec.Conditions {
		e, err := ParseExpr(c)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", c, err)
		}
		r.Conditions = append(r.Conditions, e)
	}

	if spec.Size != "" {
		e, err := ParseExpr(spec.Size)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		r.Size = e
	}

	tmpl, err := ParseTemplate(spec.Description)
	if err != nil {
		return nil, fmt.Errorf("description: %w", err)
	}
	if spec.Description != "" {
		r.Description = tmpl
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
