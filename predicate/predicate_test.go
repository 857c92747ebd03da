package predicate

import (
	"testing"

	"github.com/holon-app/holon/value"
	"github.com/stretchr/testify/require"
)

type task struct {
	Priority int64
	DueDate  string
	hasDue   bool
}

func priorityLens() value.Lens[task] {
	return value.NewSQLLens("priority", "priority",
		func(t task) value.Value { return value.Integer(t.Priority) },
		func(t task, v value.Value) task { i, _ := v.Int(); t.Priority = i; return t })
}

// dueDateLens has no SQL column, forcing the compiler's fallback path.
func dueDateLens() value.Lens[task] {
	return value.NewLens("due_date",
		func(t task) value.Value {
			if !t.hasDue {
				return value.Null()
			}
			return value.String(t.DueDate)
		},
		func(t task, v value.Value) task {
			s, ok := v.Str()
			t.DueDate, t.hasDue = s, ok
			return t
		})
}

func TestToSQLPushDown(t *testing.T) {
	p := Eq(priorityLens(), value.Integer(1))
	sql, ok := p.ToSQL()
	require.True(t, ok)
	require.Equal(t, `"priority" = ?`, sql.Clause)
	require.Equal(t, []interface{}{int64(1)}, sql.Args)
}

func TestToSQLFallsBackWithoutColumn(t *testing.T) {
	p := Lt(dueDateLens(), value.String("2026-01-01"))
	_, ok := p.ToSQL()
	require.False(t, ok, "a lens with no SQL column must force the in-memory fallback")
}

func TestExtensionalEquivalence(t *testing.T) {
	data := []task{
		{Priority: 1}, {Priority: 2}, {Priority: 1},
	}
	p := Eq(priorityLens(), value.Integer(1))

	var matched []task
	for _, d := range data {
		if p.Test(d) {
			matched = append(matched, d)
		}
	}
	require.Len(t, matched, 2)
}

func TestAndPushDownRequiresBothSides(t *testing.T) {
	p := And(
		Eq(priorityLens(), value.Integer(1)),
		Lt(dueDateLens(), value.String("now")),
	)
	_, ok := p.ToSQL()
	require.False(t, ok)

	sql, ok := And(Eq(priorityLens(), value.Integer(1)), Gt(priorityLens(), value.Integer(0))).ToSQL()
	require.True(t, ok)
	require.Equal(t, `("priority" = ? AND "priority" > ?)`, sql.Clause)
}
