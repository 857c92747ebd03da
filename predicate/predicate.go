// Package predicate implements the Predicate tree over entity Lenses: a
// small boolean expression language that evaluates in memory and, when
// every lens in a subtree exposes a SQL column, compiles to a
// parameterized WHERE clause.
package predicate

import (
	"fmt"
	"strings"

	"github.com/holon-app/holon/value"
)

// Op is the predicate node's operator tag.
type Op uint8

const (
	OpEq Op = iota
	OpLt
	OpGt
	OpIsNull
	OpAnd
	OpOr
	OpNot
)

// Predicate[T] is a node in the tree of `Eq | Lt | Gt | IsNull | And | Or |
// Not` over lenses of entity type T.
type Predicate[T any] struct {
	op       Op
	lens     value.Lens[T]
	operand  value.Value
	children []Predicate[T]
}

// Eq builds a `lens == operand` leaf.
func Eq[T any](l value.Lens[T], operand value.Value) Predicate[T] {
	return Predicate[T]{op: OpEq, lens: l, operand: operand}
}

// Lt builds a `lens < operand` leaf.
func Lt[T any](l value.Lens[T], operand value.Value) Predicate[T] {
	return Predicate[T]{op: OpLt, lens: l, operand: operand}
}

// Gt builds a `lens > operand` leaf.
func Gt[T any](l value.Lens[T], operand value.Value) Predicate[T] {
	return Predicate[T]{op: OpGt, lens: l, operand: operand}
}

// IsNull builds a `lens IS NULL` leaf.
func IsNull[T any](l value.Lens[T]) Predicate[T] {
	return Predicate[T]{op: OpIsNull, lens: l}
}

// And combines predicates with conjunction.
func And[T any](ps ...Predicate[T]) Predicate[T] {
	return Predicate[T]{op: OpAnd, children: ps}
}

// Or combines predicates with disjunction.
func Or[T any](ps ...Predicate[T]) Predicate[T] {
	return Predicate[T]{op: OpOr, children: ps}
}

// Not negates a predicate.
func Not[T any](p Predicate[T]) Predicate[T] {
	return Predicate[T]{op: OpNot, children: []Predicate[T]{p}}
}

// And is a fluent conjunction with another predicate.
func (p Predicate[T]) And(other Predicate[T]) Predicate[T] { return And(p, other) }

// Or is a fluent disjunction with another predicate.
func (p Predicate[T]) Or(other Predicate[T]) Predicate[T] { return Or(p, other) }

// Test evaluates the predicate against t in memory.
func (p Predicate[T]) Test(t T) bool {
	switch p.op {
	case OpEq:
		return p.lens.Get(t).Equal(p.operand)
	case OpLt:
		cmp, ok := p.lens.Get(t).Compare(p.operand)
		return ok && cmp < 0
	case OpGt:
		cmp, ok := p.lens.Get(t).Compare(p.operand)
		return ok && cmp > 0
	case OpIsNull:
		return p.lens.Get(t).IsNull()
	case OpAnd:
		for _, c := range p.children {
			if !c.Test(t) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.children {
			if c.Test(t) {
				return true
			}
		}
		return false
	case OpNot:
		return !p.children[0].Test(t)
	default:
		return false
	}
}

// SQL is a parameterized WHERE clause plus its positional bind values.
type SQL struct {
	Clause string
	Args   []interface{}
}

// ToSQL compiles the predicate to a parameterized clause. ok is false if
// any lens in the subtree has no SQL column, in which case the caller
// falls back to Test-based in-memory filtering (Source abstraction
// query-path fallback, §4.3).
func (p Predicate[T]) ToSQL() (sql SQL, ok bool) {
	var b strings.Builder
	var args []interface{}
	if !p.render(&b, &args) {
		return SQL{}, false
	}
	return SQL{Clause: b.String(), Args: args}, true
}

func (p Predicate[T]) render(b *strings.Builder, args *[]interface{}) bool {
	switch p.op {
	case OpEq, OpLt, OpGt:
		col, has := p.lens.Column()
		if !has {
			return false
		}
		b.WriteString(quoteIdent(col))
		switch p.op {
		case OpEq:
			b.WriteString(" = ?")
		case OpLt:
			b.WriteString(" < ?")
		case OpGt:
			b.WriteString(" > ?")
		}
		*args = append(*args, sqlBindValue(p.operand))
		return true

	case OpIsNull:
		col, has := p.lens.Column()
		if !has {
			return false
		}
		b.WriteString(quoteIdent(col))
		b.WriteString(" IS NULL")
		return true

	case OpAnd, OpOr:
		sep := " AND "
		if p.op == OpOr {
			sep = " OR "
		}
		b.WriteByte('(')
		for i, c := range p.children {
			if i > 0 {
				b.WriteString(sep)
			}
			if !c.render(b, args) {
				return false
			}
		}
		b.WriteByte(')')
		return true

	case OpNot:
		b.WriteString("NOT (")
		if !p.children[0].render(b, args) {
			return false
		}
		b.WriteByte(')')
		return true

	default:
		return false
	}
}

func sqlBindValue(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindInteger:
		i, _ := v.Int()
		return i
	case value.KindFloat:
		f, _ := v.Float64()
		return f
	case value.KindBoolean:
		b, _ := v.Bool()
		if b {
			return 1
		}
		return 0
	case value.KindDateTime:
		t, _ := v.Time()
		return t.UTC().Format(value.SQLTimeFormat)
	default:
		s, _ := v.Str()
		return s
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// String renders a debug form of the predicate tree (not used for SQL
// generation), handy for log lines and test failure messages.
func (p Predicate[T]) String() string {
	switch p.op {
	case OpEq:
		return fmt.Sprintf("%s = %s", p.lens.Name(), p.operand)
	case OpLt:
		return fmt.Sprintf("%s < %s", p.lens.Name(), p.operand)
	case OpGt:
		return fmt.Sprintf("%s > %s", p.lens.Name(), p.operand)
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", p.lens.Name())
	case OpAnd, OpOr:
		parts := make([]string, len(p.children))
		for i, c := range p.children {
			parts[i] = c.String()
		}
		sep := " AND "
		if p.op == OpOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")"
	case OpNot:
		return "NOT (" + p.children[0].String() + ")"
	default:
		return "?"
	}
}
