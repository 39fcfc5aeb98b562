package template

import (
	"fmt"
	"math"
)

// Expr is a parsed selector expression. Parse once, evaluate against any
// number of context documents.
type Expr struct {
	root node
	src  string
}

// Source returns the selector text the expression was parsed from.
func (e *Expr) Source() string {
	return e.src
}

// Parse compiles the text inside a ${...} placeholder.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", src, err)
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("selector %q: unexpected %q at offset %d", src, tok.text, tok.pos)
	}
	return &Expr{root: root, src: src}, nil
}

type node interface {
	eval(env *env) (any, error)
}

type literalNode struct{ val any }

type nowNode struct{ offsetSeconds int64 }

type segKind int

const (
	segField segKind = iota
	segIndex
	segFilter
)

type segment struct {
	kind   segKind
	field  string
	index  int
	filter node
}

type pathNode struct {
	isAt bool
	root string
	segs []segment
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type notNode struct{ operand node }

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, fmt.Errorf("expected %s at offset %d, found %q", what, tok.pos, tok.text)
	}
	return tok, nil
}

// expr := and { ("||"|"or") and }
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if (tok.kind == tokenOp && tok.text == "||") || (tok.kind == tokenIdent && tok.text == "or") {
			p.next()
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "||", left: left, right: right}
			continue
		}
		return left, nil
	}
}

// and := unary { ("&&"|"and") unary }
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if (tok.kind == tokenOp && tok.text == "&&") || (tok.kind == tokenIdent && tok.text == "and") {
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "&&", left: left, right: right}
			continue
		}
		return left, nil
	}
}

// unary := ("!"|"not") unary | comparison
func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokenBang || (tok.kind == tokenIdent && tok.text == "not") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

// comparison := operand [ compOp operand ]
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokenOp && isComparisonOp(tok.text) {
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if after := p.peek(); after.kind == tokenOp && isComparisonOp(after.text) {
			return nil, fmt.Errorf("chained comparison at offset %d", after.pos)
		}
		return &binaryNode{op: tok.text, left: left, right: right}, nil
	}
	return left, nil
}

func isComparisonOp(op string) bool {
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		return true
	default:
		return false
	}
}

func (p *parser) parseOperand() (node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenNumber:
		p.next()
		return &literalNode{val: tok.num}, nil
	case tokenMinus:
		p.next()
		num, err := p.expect(tokenNumber, "number")
		if err != nil {
			return nil, err
		}
		return &literalNode{val: -num.num}, nil
	case tokenString:
		p.next()
		return &literalNode{val: tok.text}, nil
	case tokenAt:
		return p.parsePath()
	case tokenIdent:
		switch tok.text {
		case "true":
			p.next()
			return &literalNode{val: true}, nil
		case "false":
			p.next()
			return &literalNode{val: false}, nil
		case "null":
			p.next()
			return &literalNode{val: nil}, nil
		case "now":
			return p.parseNow()
		default:
			return p.parsePath()
		}
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

// now := "now" [ ("+"|"-") duration ]
func (p *parser) parseNow() (node, error) {
	p.next() // "now"
	tok := p.peek()
	if tok.kind != tokenPlus && tok.kind != tokenMinus {
		return &nowNode{}, nil
	}
	sign := int64(1)
	if tok.kind == tokenMinus {
		sign = -1
	}
	p.next()
	dur, err := p.expect(tokenDuration, "duration like 2h, 30m, 10s, 1d")
	if err != nil {
		return nil, err
	}
	return &nowNode{offsetSeconds: sign * dur.dur}, nil
}

// path := ("@"|ident) { "." ident | "[" index "]" | "[?(" expr ")]" }
func (p *parser) parsePath() (node, error) {
	head := p.next()
	pn := &pathNode{}
	switch head.kind {
	case tokenAt:
		pn.isAt = true
	case tokenIdent:
		pn.root = head.text
	default:
		return nil, fmt.Errorf("expected field at offset %d, found %q", head.pos, head.text)
	}

	for {
		tok := p.peek()
		switch tok.kind {
		case tokenDot:
			p.next()
			field, err := p.expect(tokenIdent, "field name")
			if err != nil {
				return nil, err
			}
			pn.segs = append(pn.segs, segment{kind: segField, field: field.text})
		case tokenLBracket:
			p.next()
			seg, err := p.parseBracket()
			if err != nil {
				return nil, err
			}
			pn.segs = append(pn.segs, seg)
		default:
			return pn, nil
		}
	}
}

func (p *parser) parseBracket() (segment, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenNumber:
		p.next()
		if tok.num != math.Trunc(tok.num) || tok.num < 0 {
			return segment{}, fmt.Errorf("array index must be a non-negative integer at offset %d", tok.pos)
		}
		if _, err := p.expect(tokenRBracket, "]"); err != nil {
			return segment{}, err
		}
		return segment{kind: segIndex, index: int(tok.num)}, nil
	case tokenFilter:
		p.next()
		predicate, err := p.parseExpr()
		if err != nil {
			return segment{}, err
		}
		if _, err := p.expect(tokenRParen, ")"); err != nil {
			return segment{}, err
		}
		if _, err := p.expect(tokenRBracket, "]"); err != nil {
			return segment{}, err
		}
		return segment{kind: segFilter, filter: predicate}, nil
	default:
		return segment{}, fmt.Errorf("expected array index or filter at offset %d, found %q", tok.pos, tok.text)
	}
}
