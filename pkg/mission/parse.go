package mission

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseExpr parses the compact string form of an expression, as written in
// mission documents:
//
//	user.age >= 18 && status == "active"
//	total > 100 ? "large" : "small"
//	match kind { "person" -> 1, _ -> 0 }
//	any of users where verified
//
// Programmatic callers may build Expr nodes directly instead.
func ParseExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return e, nil
}

// MustParseExpr is ParseExpr but panics on error. Intended for
// programmatically constructed missions where the expression is a constant.
func MustParseExpr(src string) Expr {
	e, err := ParseExpr(src)
	if err != nil {
		panic(fmt.Sprintf("mission: parse %q: %v", src, err))
	}
	return e
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case unicode.IsDigit(rune(c)):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				b.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, b.String(), i})
			i = j + 1
		default:
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||", "->":
				toks = append(toks, token{tokOp, two, i})
				i += 2
				continue
			}
			switch c {
			case '+', '-', '*', '/', '%', '<', '>', '!':
				toks = append(toks, token{tokOp, string(c), i})
			case '(', ')', '{', '}', ',', '.', '?', ':':
				toks = append(toks, token{tokPunct, string(c), i})
			default:
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			i++
		}
	}
	return toks, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{tokPunct, "", len(p.src)}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) accept(kind tokKind, text string) bool {
	t := p.peek()
	if t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokKind, text string) error {
	if !p.accept(kind, text) {
		return p.errorf("expected %q, found %q", text, p.peek().text)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("parse %q: %s (offset %d)", p.src, fmt.Sprintf(format, args...), p.peek().pos)
}

func (p *parser) parseTernary() (Expr, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.accept(tokPunct, "?") {
		return cond, nil
	}
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokPunct, ":"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &Cond{If: cond, Then: then, Else: els}, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "||") || p.accept(tokIdent, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "&&") || p.accept(tokIdent, "and") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: t.text, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "+" || t.text == "-") {
			p.next()
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: t.text, Left: left, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "*" || t.text == "/" || t.text == "%") {
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: t.text, Left: left, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "!" || t.text == "-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.text, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokPunct, ".") {
		t := p.next()
		if t.kind != tokIdent {
			return nil, p.errorf("expected field name after '.', found %q", t.text)
		}
		if ref, ok := e.(*Ref); ok {
			ref.Path = append(ref.Path, t.text)
			continue
		}
		return nil, p.errorf("field access on non-reference")
	}
	return e, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, p.errorf("bad number %q", t.text)
			}
			return &Lit{Value: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", t.text)
		}
		return &Lit{Value: n}, nil
	case tokString:
		p.next()
		return &Lit{Value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return &Lit{Value: true}, nil
		case "false":
			p.next()
			return &Lit{Value: false}, nil
		case "null", "nil":
			p.next()
			return &Lit{Value: nil}, nil
		case "match":
			return p.parseMatch()
		case "any":
			return p.parseAnyOf()
		case "not":
			p.next()
			x, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &Unary{Op: "!", X: x}, nil
		}
		p.next()
		if p.accept(tokPunct, "(") {
			return p.parseCallArgs(t.text)
		}
		return &Ref{Path: []string{t.text}}, nil
	case tokPunct:
		if t.text == "(" {
			p.next()
			e, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokPunct, ")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, p.errorf("unexpected %q", t.text)
}

func (p *parser) parseCallArgs(fn string) (Expr, error) {
	call := &Call{Fn: fn}
	if p.accept(tokPunct, ")") {
		return call, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.accept(tokPunct, ",") {
			continue
		}
		if err := p.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		return call, nil
	}
}

// parseMatch parses `match <subject> { <pattern> -> <expr>, ... }`.
// Patterns are literals or the `_` wildcard.
func (p *parser) parseMatch() (Expr, error) {
	p.next() // match
	subject, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokPunct, "{"); err != nil {
		return nil, err
	}
	m := &MatchExpr{Subject: subject}
	for {
		var pattern Expr
		if p.accept(tokIdent, "_") {
			pattern = nil
		} else {
			pattern, err = p.parseTernary()
			if err != nil {
				return nil, err
			}
		}
		if err := p.expect(tokOp, "->"); err != nil {
			return nil, err
		}
		result, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		m.Arms = append(m.Arms, MatchArm{Pattern: pattern, Result: result})
		if p.accept(tokPunct, ",") {
			if p.accept(tokPunct, "}") {
				return m, nil
			}
			continue
		}
		if err := p.expect(tokPunct, "}"); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// parseAnyOf parses `any of <collection> [where <condition>]`.
func (p *parser) parseAnyOf() (Expr, error) {
	p.next() // any
	if err := p.expect(tokIdent, "of"); err != nil {
		return nil, err
	}
	source, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	a := &AnyOf{Source: source}
	if p.accept(tokIdent, "where") {
		where, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		a.Where = where
	}
	return a, nil
}
