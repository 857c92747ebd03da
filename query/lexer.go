package query

import (
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokNewline
	tokLBrace
	tokRBrace
	tokLParen
	tokRParen
	tokComma
	tokColon
	tokEquals  // single '='
	tokEqEq    // '=='
	tokNotEq   // '!='
	tokLt
	tokGt
	tokAndAnd
	tokOrOr
	tokBang
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

type lexer struct {
	src   string
	pos   int
	line  int
	col   int
	toks  []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1, col: 1}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			break
		}
	}
	return l.toks, nil
}

func (l *lexer) here() Pos { return Pos{Line: l.line, Col: l.col} }

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) advance() byte {
	b := l.src[l.pos]
	l.pos++
	if b == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return b
}

func (l *lexer) next() (token, error) {
	// skip spaces/tabs (not newlines — those are significant stage
	// separators) and comments starting with '#'.
	for l.pos < len(l.src) {
		c := l.peekByte()
		if c == ' ' || c == '\t' || c == '\r' {
			l.advance()
			continue
		}
		if c == '#' {
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.here()}, nil
	}

	start := l.here()
	c := l.peekByte()

	switch {
	case c == '\n':
		l.advance()
		return token{kind: tokNewline, pos: start}, nil
	case c == '{':
		l.advance()
		return token{kind: tokLBrace, pos: start}, nil
	case c == '}':
		l.advance()
		return token{kind: tokRBrace, pos: start}, nil
	case c == '(':
		l.advance()
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.advance()
		return token{kind: tokRParen, pos: start}, nil
	case c == ',':
		l.advance()
		return token{kind: tokComma, pos: start}, nil
	case c == ':':
		l.advance()
		return token{kind: tokColon, pos: start}, nil
	case c == '.':
		l.advance()
		return token{kind: tokDot, pos: start}, nil
	case c == '+':
		l.advance()
		return token{kind: tokPlus, pos: start}, nil
	case c == '-':
		l.advance()
		return token{kind: tokMinus, pos: start}, nil
	case c == '*':
		l.advance()
		return token{kind: tokStar, pos: start}, nil
	case c == '/':
		l.advance()
		return token{kind: tokSlash, pos: start}, nil
	case c == '=':
		l.advance()
		if l.peekByte() == '=' {
			l.advance()
			return token{kind: tokEqEq, pos: start}, nil
		}
		return token{kind: tokEquals, pos: start}, nil
	case c == '!':
		l.advance()
		if l.peekByte() == '=' {
			l.advance()
			return token{kind: tokNotEq, pos: start}, nil
		}
		return token{kind: tokBang, pos: start}, nil
	case c == '<':
		l.advance()
		return token{kind: tokLt, pos: start}, nil
	case c == '>':
		l.advance()
		return token{kind: tokGt, pos: start}, nil
	case c == '&':
		l.advance()
		if l.peekByte() == '&' {
			l.advance()
		}
		return token{kind: tokAndAnd, pos: start}, nil
	case c == '|':
		l.advance()
		if l.peekByte() == '|' {
			l.advance()
		}
		return token{kind: tokOrOr, pos: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c, start)
	case isDigit(c):
		return l.lexNumber(start)
	case isIdentStart(c):
		return l.lexIdent(start)
	default:
		return token{}, &SyntaxError{Pos: start, Message: "unexpected character " + string(c)}
	}
}

func (l *lexer) lexString(quote byte, start Pos) (token, error) {
	l.advance() // opening quote
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, &SyntaxError{Pos: start, Message: "unterminated string literal"}
		}
		c := l.peekByte()
		if c == quote {
			l.advance()
			break
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.advance()
			b.WriteByte(l.advance())
			continue
		}
		b.WriteByte(l.advance())
	}
	return token{kind: tokString, text: b.String(), pos: start}, nil
}

func (l *lexer) lexNumber(start Pos) (token, error) {
	var b strings.Builder
	for l.pos < len(l.src) && (isDigit(l.peekByte()) || l.peekByte() == '.') {
		b.WriteByte(l.advance())
	}
	return token{kind: tokNumber, text: b.String(), pos: start}, nil
}

func (l *lexer) lexIdent(start Pos) (token, error) {
	var b strings.Builder
	for l.pos < len(l.src) && (isIdentPart(l.peekByte())) {
		b.WriteByte(l.advance())
	}
	return token{kind: tokIdent, text: b.String(), pos: start}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
