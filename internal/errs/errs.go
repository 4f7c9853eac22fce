package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how far its damage is allowed to spread.
type Kind int

const (
	// KindIO means a file or stream could not be read. Fatal for that file only.
	KindIO Kind = iota + 1
	// KindRule means a pattern, expression or template is malformed. The rule is skipped.
	KindRule
	// KindChecker means a checker hook failed or panicked. Other checkers still run.
	KindChecker
	// KindExtract means an extraction action failed or produced nothing.
	KindExtract
	// KindSandbox means an extracted path tried to escape the output root.
	KindSandbox
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IOError"
	case KindRule:
		return "RuleError"
	case KindChecker:
		return "CheckerError"
	case KindExtract:
		return "ExtractError"
	case KindSandbox:
		return "SandboxViolation"
	default:
		return "UnknownError"
	}
}

// Sentinels usable as errors.Is targets.
var (
	ErrIO      = &Error{Kind: KindIO}
	ErrRule    = &Error{Kind: KindRule}
	ErrChecker = &Error{Kind: KindChecker}
	ErrExtract = &Error{Kind: KindExtract}
	ErrSandbox = &Error{Kind: KindSandbox}
)

// Error is the structured error carried through per-file processing.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "read", "pre_scan", "unpack"
	Path   string // file being processed, if any
	Offset int64  // absolute offset, -1 when not applicable
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Offset >= 0 && e.Path != "" {
		msg += fmt.Sprintf("@0x%X", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, op, path string, offset int64, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Offset: offset, Err: err}
}

func IO(op, path string, err error) error {
	return newErr(KindIO, op, path, -1, err)
}

func Rule(name string, err error) error {
	return newErr(KindRule, "rule "+name, "", -1, err)
}

func Checker(name, hook string, err error) error {
	return newErr(KindChecker, name+"."+hook, "", -1, err)
}

func Extract(op, path string, offset int64, err error) error {
	return newErr(KindExtract, op, path, offset, err)
}

func Sandbox(path string, err error) error {
	return newErr(KindSandbox, "resolve", path, -1, err)
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
