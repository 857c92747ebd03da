package query

import (
	"strconv"

	"github.com/holon-app/holon/render"
)

// ParseQuery parses a complete pipeline query (§6 External interfaces):
// `from`, `select`, `filter`, `derive` (including `derive { ui = (render
// …) }` per-row templates), `sort`, `take`, `join`, `append`, and a
// trailing collection-level `render (...)`.
func ParseQuery(src string) (*Query, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	// drop the trailing EOF sentinel for line splitting purposes.
	if len(toks) > 0 && toks[len(toks)-1].kind == tokEOF {
		toks = toks[:len(toks)-1]
	}

	lines := splitLines(toks)
	if len(lines) == 0 {
		return nil, &SyntaxError{Message: "empty query"}
	}

	primary, rest, err := parseBranchLines(lines)
	if err != nil {
		return nil, err
	}

	q := &Query{Primary: primary}
	for _, line := range rest {
		if len(line) == 0 {
			continue
		}
		head := line[0]
		if head.kind != tokIdent {
			return nil, &SyntaxError{Pos: head.pos, Message: "expected a stage keyword"}
		}
		switch head.text {
		case "append":
			sub, err := parseParenGroup(line[1:])
			if err != nil {
				return nil, err
			}
			subLines := splitLines(sub)
			branch, extra, err := parseBranchLines(subLines)
			if err != nil {
				return nil, err
			}
			if len(extra) > 0 {
				return nil, &SyntaxError{Pos: head.pos, Message: "nested append inside append is not supported"}
			}
			q.Appended = append(q.Appended, branch)
		case "render":
			expr, err := parseRenderClauseLine(line[1:])
			if err != nil {
				return nil, err
			}
			q.TrailingRender = expr
		default:
			return nil, &SyntaxError{Pos: head.pos, Message: "unexpected stage " + head.text + " outside any branch"}
		}
	}
	return q, nil
}

// parseBranchLines consumes lines starting with `from` and every stage
// line that belongs to that branch (select/filter/derive/sort/take/join),
// stopping at the first `append` or trailing `render` line, which it
// returns unconsumed in `rest` for the caller to handle.
func parseBranchLines(lines [][]token) (Branch, [][]token, error) {
	if len(lines) == 0 || len(lines[0]) == 0 || lines[0][0].text != "from" {
		pos := Pos{}
		if len(lines) > 0 && len(lines[0]) > 0 {
			pos = lines[0][0].pos
		}
		return Branch{}, nil, &SyntaxError{Pos: pos, Message: "query must start with `from <relation>`"}
	}
	if len(lines[0]) < 2 || lines[0][1].kind != tokIdent {
		return Branch{}, nil, &SyntaxError{Pos: lines[0][0].pos, Message: "`from` requires a relation name"}
	}
	branch := Branch{Relation: lines[0][1].text}

	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			continue
		}
		head := line[0]
		if head.kind != tokIdent {
			return Branch{}, nil, &SyntaxError{Pos: head.pos, Message: "expected a stage keyword"}
		}
		if head.text == "append" || head.text == "render" {
			break
		}
		stage, err := parseStageLine(line)
		if err != nil {
			return Branch{}, nil, err
		}
		branch.Stages = append(branch.Stages, stage)
	}
	return branch, lines[i:], nil
}

func parseStageLine(line []token) (Stage, error) {
	head := line[0]
	switch head.text {
	case "select":
		cols, err := parseBraceIdentList(line[1:])
		if err != nil {
			return Stage{}, err
		}
		return Stage{Kind: StageSelect, Columns: cols}, nil

	case "filter":
		expr, err := parseExprTokens(line[1:])
		if err != nil {
			return Stage{}, err
		}
		return Stage{Kind: StageFilter, Filter: expr}, nil

	case "derive":
		fields, renderExpr, err := parseDerive(line[1:])
		if err != nil {
			return Stage{}, err
		}
		return Stage{Kind: StageDerive, Derives: fields, RenderClause: renderExpr}, nil

	case "sort":
		if len(line) < 2 || line[1].kind != tokIdent {
			return Stage{}, &SyntaxError{Pos: head.pos, Message: "`sort` requires a column name"}
		}
		return Stage{Kind: StageSort, SortCol: line[1].text}, nil

	case "take":
		if len(line) < 2 || line[1].kind != tokNumber {
			return Stage{}, &SyntaxError{Pos: head.pos, Message: "`take` requires a number"}
		}
		n, err := strconv.ParseInt(line[1].text, 10, 64)
		if err != nil {
			return Stage{}, &SyntaxError{Pos: line[1].pos, Message: "invalid integer " + line[1].text}
		}
		return Stage{Kind: StageTake, Limit: n}, nil

	case "join":
		if len(line) < 2 || line[1].kind != tokIdent {
			return Stage{}, &SyntaxError{Pos: head.pos, Message: "`join` requires a relation name"}
		}
		rest := line[2:]
		if len(rest) > 0 && rest[0].kind == tokIdent && rest[0].text == "on" {
			rest = rest[1:]
		}
		var pred *ExprNode
		if len(rest) > 0 {
			var err error
			pred, err = parseExprTokens(rest)
			if err != nil {
				return Stage{}, err
			}
		}
		return Stage{Kind: StageJoin, JoinRelation: line[1].text, JoinPredicate: pred}, nil

	default:
		return Stage{}, &SyntaxError{Pos: head.pos, Message: "unknown stage " + head.text}
	}
}

// parseDerive parses `derive name = expr` or `derive { name = expr, ... }`.
// A field named "ui" whose expression is `(render ...)` is pulled out as
// the branch's per-row template clause rather than a plain derived
// column (§4.4).
func parseDerive(toks []token) ([]DeriveField, *render.Expr, error) {
	entries, err := splitDeriveEntries(toks)
	if err != nil {
		return nil, nil, err
	}
	var fields []DeriveField
	var renderExpr *render.Expr
	for _, e := range entries {
		if len(e) < 2 || e[0].kind != tokIdent || e[1].kind != tokEquals {
			pos := Pos{}
			if len(e) > 0 {
				pos = e[0].pos
			}
			return nil, nil, &SyntaxError{Pos: pos, Message: "expected `name = expr` in derive"}
		}
		name := e[0].text
		rhs := e[2:]
		if name == "ui" && len(rhs) > 0 && rhs[0].kind == tokLParen {
			inner, err := parseParenGroup(rhs)
			if err != nil {
				return nil, nil, err
			}
			if len(inner) == 0 || inner[0].kind != tokIdent || inner[0].text != "render" {
				return nil, nil, &SyntaxError{Pos: rhs[0].pos, Message: "expected `render` inside `ui = (...)`"}
			}
			expr, err := parseRenderSExpr(inner[1:])
			if err != nil {
				return nil, nil, err
			}
			renderExpr = expr
			continue
		}
		valExpr, err := parseExprTokens(rhs)
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, DeriveField{Name: name, Expr: valExpr})
	}
	return fields, renderExpr, nil
}

// splitDeriveEntries splits `{ a = 1, b = 2 }` into [[a = 1], [b = 2]], or
// wraps a brace-less `a = 1` as a single entry.
func splitDeriveEntries(toks []token) ([][]token, error) {
	if len(toks) == 0 {
		return nil, &SyntaxError{Message: "empty derive clause"}
	}
	if toks[0].kind == tokLBrace {
		inner, err := parseBraceGroup(toks)
		if err != nil {
			return nil, err
		}
		return splitOnComma(inner), nil
	}
	return [][]token{toks}, nil
}

func splitOnComma(toks []token) [][]token {
	var out [][]token
	depth := 0
	start := 0
	for i, t := range toks {
		switch t.kind {
		case tokLParen, tokLBrace:
			depth++
		case tokRParen, tokRBrace:
			depth--
		case tokComma:
			if depth == 0 {
				out = append(out, toks[start:i])
				start = i + 1
			}
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

func parseBraceIdentList(toks []token) ([]string, error) {
	inner, err := parseBraceGroup(toks)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, part := range splitOnComma(inner) {
		if len(part) != 1 || part[0].kind != tokIdent {
			pos := Pos{}
			if len(part) > 0 {
				pos = part[0].pos
			}
			return nil, &SyntaxError{Pos: pos, Message: "expected a column name"}
		}
		cols = append(cols, part[0].text)
	}
	return cols, nil
}

func parseBraceGroup(toks []token) ([]token, error) {
	if len(toks) == 0 || toks[0].kind != tokLBrace {
		pos := Pos{}
		if len(toks) > 0 {
			pos = toks[0].pos
		}
		return nil, &SyntaxError{Pos: pos, Message: "expected `{`"}
	}
	depth := 0
	for i, t := range toks {
		if t.kind == tokLBrace {
			depth++
		} else if t.kind == tokRBrace {
			depth--
			if depth == 0 {
				return toks[1:i], nil
			}
		}
	}
	return nil, &SyntaxError{Pos: toks[0].pos, Message: "unterminated `{`"}
}

// parseParenGroup returns the contents of the first balanced `( ... )` at
// the start of toks.
func parseParenGroup(toks []token) ([]token, error) {
	if len(toks) == 0 || toks[0].kind != tokLParen {
		pos := Pos{}
		if len(toks) > 0 {
			pos = toks[0].pos
		}
		return nil, &SyntaxError{Pos: pos, Message: "expected `(`"}
	}
	depth := 0
	for i, t := range toks {
		if t.kind == tokLParen {
			depth++
		} else if t.kind == tokRParen {
			depth--
			if depth == 0 {
				return toks[1:i], nil
			}
		}
	}
	return nil, &SyntaxError{Pos: toks[0].pos, Message: "unterminated `(`"}
}

// splitLines splits toks on top-level (paren/brace depth zero) newlines,
// dropping empty lines.
func splitLines(toks []token) [][]token {
	var lines [][]token
	depth := 0
	start := 0
	flush := func(end int) {
		line := toks[start:end]
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	for i, t := range toks {
		switch t.kind {
		case tokLParen, tokLBrace:
			depth++
		case tokRParen, tokRBrace:
			depth--
		case tokNewline:
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(toks))
	return lines
}
