package detector

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Node is an expression AST node. Expressions range over one named series,
// Y, plus numeric literals.
type Node interface {
	String() string
}

type (
	// Num is a numeric literal.
	Num struct{ V float64 }
	// Var references a named series.
	Var struct{ Name string }
	// Unary is negation or logical not.
	Unary struct {
		Op string
		X  Node
	}
	// Binary covers arithmetic, comparison and logical operators.
	Binary struct {
		Op   string
		L, R Node
	}
	// Call applies a builtin function (min, max, mean, sum, std, abs, len).
	Call struct {
		Fn  string
		Arg Node
	}
)

func (n Num) String() string    { return strconv.FormatFloat(n.V, 'g', -1, 64) }
func (v Var) String() string    { return v.Name }
func (u Unary) String() string  { return "(" + u.Op + " " + u.X.String() + ")" }
func (b Binary) String() string { return "(" + b.L.String() + " " + b.Op + " " + b.R.String() + ")" }
func (c Call) String() string   { return c.Fn + "(" + c.Arg.String() + ")" }

var functions = map[string]bool{"min": true, "max": true, "mean": true, "sum": true, "std": true, "abs": true, "len": true}

// ------------------- Lexer -------------------

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
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				i++
				if i < len(src) && (src[i] == '+' || src[i] == '-') {
					i++
				}
				for i < len(src) && unicode.IsDigit(rune(src[i])) {
					i++
				}
			}
			toks = append(toks, token{tokNum, src[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(src) && (unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i])) || src[i] == '_' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case ">=", "<=", "==", "!=", "&&", "||":
					toks = append(toks, token{tokOp, two, i})
					i += 2
					continue
				}
			}
			if strings.ContainsRune("+-*/<>&|!", c) {
				toks = append(toks, token{tokOp, string(c), i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

// ------------------- Parser -------------------

type parser struct {
	toks []token
	pos  int
}

// ParseExpr parses a condition such as "Y > 5" or "max(Y) - min(Y) > 0.1".
func ParseExpr(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) or() (Node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("or", "||", "|"); !ok {
			return l, nil
		}
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "or", L: l, R: r}
	}
}

func (p *parser) and() (Node, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("and", "&&", "&"); !ok {
			return l, nil
		}
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "and", L: l, R: r}
	}
}

func (p *parser) not() (Node, error) {
	if _, ok := p.accept("not", "!"); ok {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "not", X: x}, nil
	}
	return p.cmp()
}

func (p *parser) cmp() (Node, error) {
	l, err := p.add()
	if err != nil {
		return nil, err
	}
	if op, ok := p.accept(">", ">=", "<", "<=", "==", "!="); ok {
		r, err := p.add()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, L: l, R: r}, nil
	}
	return l, nil
}

func (p *parser) add() (Node, error) {
	l, err := p.mul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return l, nil
		}
		r, err := p.mul()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) mul() (Node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept("*", "/")
		if !ok {
			return l, nil
		}
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) unary() (Node, error) {
	if _, ok := p.accept("-"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "-", X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return Num{V: v}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at %d", t.pos)
		}
		return n, nil
	case tokIdent:
		name := strings.TrimPrefix(t.text, "np.")
		if p.peek().kind == tokLParen {
			if !functions[name] {
				return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
			}
			p.next()
			arg, err := p.or()
			if err != nil {
				return nil, err
			}
			if p.next().kind != tokRParen {
				return nil, fmt.Errorf("missing ) after %s( at %d", name, t.pos)
			}
			return Call{Fn: name, Arg: arg}, nil
		}
		if name != "Y" {
			return nil, fmt.Errorf("unknown series %q at %d", t.text, t.pos)
		}
		return Var{Name: name}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}
