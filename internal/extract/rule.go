package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/shell"
)

// Placeholders substituted in Command arguments.
const (
	InputPlaceholder  = "%e"
	OutputPlaceholder = "%o"
)

// Action is either a *Command or a Callback.
type Action interface {
	isAction()
}

// Command runs an external program over the carved bytes, which are first
// written to a temporary file.
type Command struct {
	Args         []string
	SuccessCodes []int
}

func (*Command) isAction() {}

// NewCommand splits a command line the way a POSIX shell would, without
// running a shell. Exit codes listed in codes count as success; the default
// is 0 only.
func NewCommand(line string, codes ...int) (*Command, error) {
	args, err := shell.Fields(line, func(string) string { return "" })
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	if len(codes) == 0 {
		codes = []int{0}
	}
	return &Command{Args: args, SuccessCodes: codes}, nil
}

// Argv returns the arguments with placeholders replaced.
func (c *Command) Argv(input, output string) []string {
	argv := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, InputPlaceholder, input)
		argv[i] = strings.ReplaceAll(a, OutputPlaceholder, output)
	}
	return argv
}

func (c *Command) succeeded(code int) bool {
	return slices.Contains(c.SuccessCodes, code)
}

func (c *Command) String() string {
	return strings.Join(c.Args, " ")
}

// Callback decodes job.Input in process and writes job.Output.
type Callback func(ctx context.Context, job *Job) error

func (Callback) isAction() {}

// Rule maps finding descriptions to an extraction action.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Action  Action
	Ext     string
	Recurse bool
	Prepend bool
	// WholeFile runs the action over the entire source file instead of the
	// range starting at the finding, replacing any earlier output.
	WholeFile bool
}

// NewRule compiles pattern case-insensitively against descriptions.
func NewRule(name, pattern string, action Action, ext string) (*Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("extraction rule %s: %w", name, err)
	}
	if action == nil {
		return nil, fmt.Errorf("extraction rule %s: no action", name)
	}
	return &Rule{
		Name:    name,
		Pattern: re,
		Action:  action,
		Ext:     strings.TrimPrefix(ext, "."),
		Recurse: true,
	}, nil
}

func MustRule(name, pattern string, action Action, ext string) *Rule {
	r, err := NewRule(name, pattern, action, ext)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) IsCommand() bool {
	_, ok := r.Action.(*Command)
	return ok
}

// Table is the ordered extraction rule list. Lookups return the first
// matching rule; prepended rules go to the head, so among several prepended
// rules matching the same description the most recent one wins.
type Table struct {
	mu    sync.RWMutex
	rules []*Rule
}

func NewTable(rules ...*Rule) *Table {
	t := &Table{}
	for _, r := range rules {
		t.Add(r)
	}
	return t
}

func (t *Table) Add(r *Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Prepend {
		t.rules = append([]*Rule{r}, t.rules...)
		return
	}
	t.rules = append(t.rules, r)
}

// Lookup returns the first rule whose pattern matches description. Command
// rules are skipped when commands is false.
func (t *Table) Lookup(description string, commands bool) *Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if !commands && r.IsCommand() {
			continue
		}
		if r.Pattern.MatchString(description) {
			return r
		}
	}
	return nil
}

func (t *Table) Rules() []*Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.rules)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}
