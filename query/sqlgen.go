package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holon-app/holon/value"
)

// sqlBuilder lowers one parsed Branch into a SELECT statement against a
// known schema, standing in for the external PRQL-to-SQL backend the
// query compiler treats as an opaque dependency (§4.4 point 2) — the
// pipeline stages above it are the documented contract, not this SQL
// text.
type sqlBuilder struct {
	schemas map[string]value.Schema
}

// branchSQL is one compiled arm of a (possibly unioned) query.
type branchSQL struct {
	relation string
	columns  []string // output column names, in projection order (including any synthesized ui/entity_name)
	sql      string
	args     []interface{}
}

func (b *sqlBuilder) compileBranch(br Branch, uiValue int, includeUI, includeEntityName bool) (branchSQL, error) {
	schema, ok := b.schemas[br.Relation]
	if !ok {
		return branchSQL{}, &UnknownRelationError{Relation: br.Relation}
	}

	cols := defaultColumns(schema)
	var derives []DeriveField
	var filter *ExprNode
	var sortCol string
	limit := int64(-1)
	var joinRel string
	var joinPred *ExprNode

	for _, st := range br.Stages {
		switch st.Kind {
		case StageSelect:
			cols = append([]string(nil), st.Columns...)
		case StageFilter:
			filter = st.Filter
		case StageDerive:
			derives = append(derives, st.Derives...)
		case StageSort:
			sortCol = st.SortCol
		case StageTake:
			limit = st.Limit
		case StageJoin:
			joinRel = st.JoinRelation
			joinPred = st.JoinPredicate
		}
	}

	var w strings.Builder
	var args []interface{}

	w.WriteString("SELECT ")
	outCols := make([]string, 0, len(cols)+len(derives)+1)
	first := true
	for _, c := range cols {
		if _, ok := schema.Column(c); !ok {
			return branchSQL{}, &SyntaxError{Message: fmt.Sprintf("unknown column %q on relation %q", c, br.Relation)}
		}
		if !first {
			w.WriteString(", ")
		}
		first = false
		w.WriteString(quoteSQLIdent(c))
		outCols = append(outCols, c)
	}
	for _, d := range derives {
		expr, dargs, err := exprToSQL(d.Expr)
		if err != nil {
			return branchSQL{}, err
		}
		if !first {
			w.WriteString(", ")
		}
		first = false
		w.WriteString(expr)
		w.WriteString(" AS ")
		w.WriteString(quoteSQLIdent(d.Name))
		args = append(args, dargs...)
		outCols = append(outCols, d.Name)
	}
	if includeUI {
		if !first {
			w.WriteString(", ")
		}
		first = false
		w.WriteString(strconv.Itoa(uiValue))
		w.WriteString(" AS ")
		w.WriteString(quoteSQLIdent("ui"))
		outCols = append(outCols, "ui")
	}
	if includeEntityName {
		if !first {
			w.WriteString(", ")
		}
		first = false
		w.WriteString(quoteSQLString(br.Relation))
		w.WriteString(" AS ")
		w.WriteString(quoteSQLIdent("entity_name"))
		outCols = append(outCols, "entity_name")
	}

	w.WriteString(" FROM ")
	w.WriteString(quoteSQLIdent(br.Relation))

	if joinRel != "" {
		if _, ok := b.schemas[joinRel]; !ok {
			return branchSQL{}, &UnknownRelationError{Relation: joinRel}
		}
		w.WriteString(" JOIN ")
		w.WriteString(quoteSQLIdent(joinRel))
		if joinPred != nil {
			predSQL, pargs, err := exprToSQL(joinPred)
			if err != nil {
				return branchSQL{}, err
			}
			w.WriteString(" ON ")
			w.WriteString(predSQL)
			args = append(args, pargs...)
		}
	}

	if filter != nil {
		clause, fargs, err := exprToSQL(filter)
		if err != nil {
			return branchSQL{}, err
		}
		w.WriteString(" WHERE ")
		w.WriteString(clause)
		args = append(args, fargs...)
	}

	if sortCol != "" {
		w.WriteString(" ORDER BY ")
		w.WriteString(quoteSQLIdent(sortCol))
	}

	if limit >= 0 {
		w.WriteString(" LIMIT ")
		w.WriteString(strconv.FormatInt(limit, 10))
	}

	return branchSQL{relation: br.Relation, columns: outCols, sql: w.String(), args: args}, nil
}

func defaultColumns(s value.Schema) []string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = c.Name
	}
	return cols
}

// exprToSQL lowers a filter/derive/join-predicate ExprNode to a
// parameterized SQL fragment.
func exprToSQL(n *ExprNode) (string, []interface{}, error) {
	if n == nil {
		return "", nil, nil
	}
	switch n.Kind {
	case NodeColumn:
		return quoteSQLIdent(n.Col), nil, nil

	case NodeLiteral:
		switch {
		case n.Lit.IsString:
			return "?", []interface{}{n.Lit.Str}, nil
		case n.Lit.IsBool:
			if n.Lit.Bool {
				return "1", nil, nil
			}
			return "0", nil, nil
		case n.Lit.IsNull:
			return "NULL", nil, nil
		default:
			return "?", []interface{}{n.Lit.Num}, nil
		}

	case NodeUnary:
		inner, args, err := exprToSQL(n.Left)
		if err != nil {
			return "", nil, err
		}
		switch n.Op {
		case "!":
			return "NOT (" + inner + ")", args, nil
		case "-":
			return "-(" + inner + ")", args, nil
		default:
			return "", nil, &SyntaxError{Message: "unknown unary operator " + n.Op}
		}

	case NodeBinary:
		lhs, largs, err := exprToSQL(n.Left)
		if err != nil {
			return "", nil, err
		}
		rhs, rargs, err := exprToSQL(n.Right)
		if err != nil {
			return "", nil, err
		}
		op, err := sqlBinOp(n.Op)
		if err != nil {
			return "", nil, err
		}
		args := append(largs, rargs...)
		return "(" + lhs + " " + op + " " + rhs + ")", args, nil

	default:
		return "", nil, &SyntaxError{Message: "unhandled expression node"}
	}
}

func sqlBinOp(op string) (string, error) {
	switch op {
	case "==":
		return "=", nil
	case "!=":
		return "<>", nil
	case "<", ">", "+", "-", "*", "/":
		return op, nil
	case "&&":
		return "AND", nil
	case "||":
		return "OR", nil
	default:
		return "", &SyntaxError{Message: "unknown binary operator " + op}
	}
}

func quoteSQLIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteSQLString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
