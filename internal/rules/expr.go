package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrDivideByZero = errors.New("division by zero")
	ErrUnknownRef   = errors.New("unknown reference")
)

// Env resolves the integer value bound to a name during evaluation.
type Env interface {
	Int(name string) (int64, error)
}

// Expr is a node of the field-expression AST. Expressions are parsed once
// when a rule is loaded and evaluated for every structural match.
type Expr interface {
	Eval(env Env) (int64, error)
	String() string
	refs(add func(string))
}

type Num int64

func (n Num) Eval(Env) (int64, error) { return int64(n), nil }
func (n Num) String() string          { return strconv.FormatInt(int64(n), 10) }
func (n Num) refs(func(string))       {}

type Ref string

func (r Ref) Eval(env Env) (int64, error) { return env.Int(string(r)) }
func (r Ref) String() string              { return string(r) }
func (r Ref) refs(add func(string))       { add(string(r)) }

type Unary struct {
	Op string
	X  Expr
}

func (u *Unary) Eval(env Env) (int64, error) {
	x, err := u.X.Eval(env)
	if err != nil {
		return 0, err
	}
	switch u.Op {
	case "-":
		return -x, nil
	case "~":
		return ^x, nil
	case "!":
		return boolInt(x == 0), nil
	}
	return 0, fmt.Errorf("unknown unary operator %q", u.Op)
}

func (u *Unary) String() string        { return u.Op + u.X.String() }
func (u *Unary) refs(add func(string)) { u.X.refs(add) }

type Binary struct {
	Op   string
	L, R Expr
}

func (b *Binary) Eval(env Env) (int64, error) {
	l, err := b.L.Eval(env)
	if err != nil {
		return 0, err
	}

	// short-circuit
	switch b.Op {
	case "&&":
		if l == 0 {
			return 0, nil
		}
	case "||":
		if l != 0 {
			return 1, nil
		}
	}

	r, err := b.R.Eval(env)
	if err != nil {
		return 0, err
	}

	switch b.Op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/", "%":
		if r == 0 {
			return 0, ErrDivideByZero
		}
		if b.Op == "/" {
			return l / r, nil
		}
		return l % r, nil
	case "<<":
		return l << uint64(r&63), nil
	case ">>":
		return l >> uint64(r&63), nil
	case "&":
		return l & r, nil
	case "|":
		return l | r, nil
	case "^":
		return l ^ r, nil
	case "==":
		return boolInt(l == r), nil
	case "!=":
		return boolInt(l != r), nil
	case "<":
		return boolInt(l < r), nil
	case "<=":
		return boolInt(l <= r), nil
	case ">":
		return boolInt(l > r), nil
	case ">=":
		return boolInt(l >= r), nil
	case "&&", "||":
		return boolInt(r != 0), nil
	}
	return 0, fmt.Errorf("unknown operator %q", b.Op)
}

func (b *Binary) String() string {
	return "(" + b.L.String() + " " + b.Op + " " + b.R.String() + ")"
}

func (b *Binary) refs(add func(string)) {
	b.L.refs(add)
	b.R.refs(add)
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// Refs lists the names an expression reads, in order of appearance.
func Refs(e Expr) []string {
	var names []string
	seen := map[string]bool{}
	e.refs(func(s string) {
		if !seen[s] {
			seen[s] = true
			names = append(names, s)
		}
	})
	return names
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, "<=": 7, ">": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  int64
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			v, err := strconv.ParseInt(src[i:j], 0, 64)
			if err != nil {
				u, uerr := strconv.ParseUint(src[i:j], 0, 64)
				if uerr != nil {
					return nil, fmt.Errorf("bad number %q", src[i:j])
				}
				v = int64(u)
			}
			toks = append(toks, token{kind: tokNum, text: src[i:j], num: v})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			op := ""
			if i+1 < len(src) {
				if two := src[i : i+2]; precedence[two] > 0 {
					op = two
				}
			}
			if op == "" {
				one := src[i : i+1]
				if precedence[one] == 0 && one != "!" && one != "~" {
					return nil, fmt.Errorf("unexpected character %q at %d", one, i)
				}
				op = one
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type parser struct {
	toks []token
	pos  int
}

// ParseExpr parses an arithmetic/boolean expression over field names.
func ParseExpr(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("empty expression")
	}

	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	e, err := p.binary(1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) binary(minPrec int) (Expr, error) {
	lhs, err := p.unary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		prec := precedence[t.text]
		if t.kind != tokOp || prec < minPrec {
			return lhs, nil
		}
		p.next()

		rhs, err := p.binary(prec + 1)
		if err != nil {
			return nil, err
		}
		lhs = &Binary{Op: t.text, L: lhs, R: rhs}
	}
}

func (p *parser) unary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return Num(t.num), nil
	case tokIdent:
		return Ref(t.text), nil
	case tokLParen:
		e, err := p.binary(1)
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errors.New("missing )")
		}
		return e, nil
	case tokOp:
		if t.text == "-" || t.text == "!" || t.text == "~" {
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			return &Unary{Op: t.text, X: x}, nil
		}
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}
