package query

import (
	"strconv"
	"strings"

	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// parseRenderClauseLine parses a trailing `render (...)` stage line (the
// "render" keyword already consumed by the caller).
func parseRenderClauseLine(toks []token) (*render.Expr, error) {
	inner, err := parseParenGroup(toks)
	if err != nil {
		return nil, err
	}
	return parseRenderSExpr(inner)
}

// parseRenderSExpr parses the contents of one `(head arg1 arg2 name:value
// …)` s-expression, where toks begins with the head identifier. A render
// clause may span several physical lines (e.g. a long `tree` call with a
// nested `item_template`); newlines inside it carry no meaning, unlike
// the newlines that separate pipeline stages, so they are stripped here
// rather than at the lexer/stage-splitting level.
func parseRenderSExpr(toks []token) (*render.Expr, error) {
	toks = stripNewlines(toks)
	if len(toks) == 0 || toks[0].kind != tokIdent {
		pos := Pos{}
		if len(toks) > 0 {
			pos = toks[0].pos
		}
		return nil, &SyntaxError{Pos: pos, Message: "expected a render function name"}
	}
	head := toks[0].text
	rp := &renderArgParser{toks: toks[1:]}
	args, err := rp.parseArgs()
	if err != nil {
		return nil, err
	}
	return render.Call(head, args...), nil
}

func stripNewlines(toks []token) []token {
	out := make([]token, 0, len(toks))
	for _, t := range toks {
		if t.kind != tokNewline {
			out = append(out, t)
		}
	}
	return out
}

type renderArgParser struct {
	toks []token
	pos  int
}

func (p *renderArgParser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *renderArgParser) advance() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *renderArgParser) parseArgs() ([]render.Arg, error) {
	var args []render.Arg
	for p.pos < len(p.toks) {
		arg, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func (p *renderArgParser) parseArg() (render.Arg, error) {
	// `name: value` — an identifier directly followed by a colon.
	if p.peek().kind == tokIdent && p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokColon {
		name := p.advance().text
		p.advance() // colon
		v, err := p.parseValue()
		if err != nil {
			return render.Arg{}, err
		}
		return render.NamedArg(name, v), nil
	}
	v, err := p.parseValue()
	if err != nil {
		return render.Arg{}, err
	}
	return render.PosArg(v), nil
}

func (p *renderArgParser) parseValue() (*render.Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.advance()
		depth := 1
		start := p.pos
		for p.pos < len(p.toks) && depth > 0 {
			switch p.toks[p.pos].kind {
			case tokLParen:
				depth++
			case tokRParen:
				depth--
			}
			if depth > 0 {
				p.pos++
			}
		}
		if depth != 0 {
			return nil, &SyntaxError{Pos: t.pos, Message: "unterminated `(` in render expression"}
		}
		inner := p.toks[start:p.pos]
		p.advance() // closing paren
		return parseRenderSExpr(inner)

	case tokString:
		p.advance()
		return render.Literal(value.String(t.text)), nil

	case tokNumber:
		p.advance()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, &SyntaxError{Pos: t.pos, Message: "invalid number " + t.text}
			}
			return render.Literal(value.Float(f)), nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Message: "invalid number " + t.text}
		}
		return render.Literal(value.Integer(i)), nil

	case tokIdent:
		p.advance()
		name := t.text
		for p.peek().kind == tokDot {
			p.advance()
			next := p.peek()
			if next.kind != tokIdent {
				return nil, &SyntaxError{Pos: next.pos, Message: "expected identifier after `.`"}
			}
			p.advance()
			name += "." + next.text
		}
		switch name {
		case "true":
			return render.Literal(value.Boolean(true)), nil
		case "false":
			return render.Literal(value.Boolean(false)), nil
		case "null":
			return render.Literal(value.Null()), nil
		}
		// `this.field` sugar (§4.5 "named argument patterns like
		// checked: this.field") is just a ColumnRef on the bare field
		// name at the AST level.
		name = strings.TrimPrefix(name, "this.")
		return render.ColumnRefExpr(name), nil

	default:
		return nil, &SyntaxError{Pos: t.pos, Message: "expected a render argument"}
	}
}
