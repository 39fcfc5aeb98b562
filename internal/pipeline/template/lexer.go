package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenDuration
	tokenDot
	tokenLBracket
	tokenRBracket
	tokenLParen
	tokenRParen
	tokenFilter // ?(
	tokenAt
	tokenPlus
	tokenMinus
	tokenBang
	tokenOp // comparison or logical operator
)

type token struct {
	kind tokenKind
	text string
	num  float64
	dur  int64 // seconds, for tokenDuration
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokenEOF {
			return l.toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]

	switch c {
	case '.':
		l.pos++
		return token{kind: tokenDot, text: ".", pos: start}, nil
	case '[':
		l.pos++
		return token{kind: tokenLBracket, text: "[", pos: start}, nil
	case ']':
		l.pos++
		return token{kind: tokenRBracket, text: "]", pos: start}, nil
	case '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case '@':
		l.pos++
		return token{kind: tokenAt, text: "@", pos: start}, nil
	case '+':
		l.pos++
		return token{kind: tokenPlus, text: "+", pos: start}, nil
	case '-':
		l.pos++
		return token{kind: tokenMinus, text: "-", pos: start}, nil
	case '?':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '(' {
			l.pos += 2
			return token{kind: tokenFilter, text: "?(", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at offset %d", c, start)
	case '!':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "!=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenBang, text: "!", pos: start}, nil
	case '=':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "==", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenOp, text: "==", pos: start}, nil
	case '>':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: ">=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenOp, text: ">", pos: start}, nil
	case '<':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "<=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenOp, text: "<", pos: start}, nil
	case '&':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '&' {
			l.pos += 2
			return token{kind: tokenOp, text: "&&", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at offset %d", c, start)
	case '|':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '|' {
			l.pos += 2
			return token{kind: tokenOp, text: "||", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at offset %d", c, start)
	case '"', '\'':
		return l.lexString(c)
	}

	if c >= '0' && c <= '9' {
		return l.lexNumber()
	}
	if isIdentStart(c) {
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("unexpected %q at offset %d", c, start)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			if next == quote || next == '\\' {
				sb.WriteByte(next)
				l.pos += 2
				continue
			}
		}
		if c == quote {
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
		l.pos++
	}
	// Duration form: digits immediately followed by a unit letter.
	if l.pos < len(l.src) && l.pos > start {
		if unit := l.src[l.pos]; unit == 'd' || unit == 'h' || unit == 'm' || unit == 's' {
			if l.pos+1 >= len(l.src) || !isIdentPart(l.src[l.pos+1]) {
				n, err := strconv.ParseInt(l.src[start:l.pos], 10, 64)
				if err != nil {
					return token{}, fmt.Errorf("bad duration at offset %d: %v", start, err)
				}
				l.pos++
				return token{kind: tokenDuration, text: l.src[start:l.pos], dur: n * unitSeconds(unit), pos: start}, nil
			}
		}
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("bad number %q at offset %d", text, start)
	}
	return token{kind: tokenNumber, text: text, num: n, pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	return token{kind: tokenIdent, text: l.src[start:l.pos], pos: start}, nil
}

func unitSeconds(unit byte) int64 {
	switch unit {
	case 'd':
		return 86400
	case 'h':
		return 3600
	case 'm':
		return 60
	default: // 's'
		return 1
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
