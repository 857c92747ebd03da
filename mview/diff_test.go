package mview

import (
	"testing"

	"github.com/holon-app/holon/value"
	"github.com/stretchr/testify/require"
)

func TestDiffDetectsCreatedUpdatedDeleted(t *testing.T) {
	prev := map[string]Row{
		"A": {"id": value.String("A"), "n": value.Integer(1)},
		"B": {"id": value.String("B"), "n": value.Integer(2)},
	}
	fresh := map[string]Row{
		"A": {"id": value.String("A"), "n": value.Integer(9)}, // updated
		"C": {"id": value.String("C"), "n": value.Integer(3)}, // created
		// B deleted
	}
	changes := diff(prev, fresh)
	require.Len(t, changes, 3)
	require.Equal(t, Created, changes[0].Kind)
	require.Equal(t, "C", changes[0].ID)
	require.Equal(t, Updated, changes[1].Kind)
	require.Equal(t, "A", changes[1].ID)
	require.Equal(t, Deleted, changes[2].Kind)
	require.Equal(t, "B", changes[2].ID)
}

func TestCoalesceCreateThenUpdateCollapsesToCreate(t *testing.T) {
	changes := []RowChange{
		{Kind: Created, ID: "A", Row: Row{"id": value.String("A"), "n": value.Integer(1)}},
		{Kind: Updated, ID: "A", Row: Row{"id": value.String("A"), "n": value.Integer(2)}},
	}
	out := coalesce(changes)
	require.Len(t, out, 1)
	require.Equal(t, Created, out[0].Kind)
	n, _ := out[0].Row["n"].Int()
	require.Equal(t, int64(2), n)
}

func TestCoalesceSequenceEndingInDeleteCollapsesToDelete(t *testing.T) {
	changes := []RowChange{
		{Kind: Created, ID: "A", Row: Row{"id": value.String("A")}},
		{Kind: Updated, ID: "A", Row: Row{"id": value.String("A")}},
		{Kind: Deleted, ID: "A"},
	}
	out := coalesce(changes)
	require.Len(t, out, 1)
	require.Equal(t, Deleted, out[0].Kind)
	require.Equal(t, "A", out[0].ID)
}

func TestCoalesceLatestUpdateWins(t *testing.T) {
	changes := []RowChange{
		{Kind: Updated, ID: "A", Row: Row{"id": value.String("A"), "n": value.Integer(1)}},
		{Kind: Updated, ID: "A", Row: Row{"id": value.String("A"), "n": value.Integer(2)}},
		{Kind: Updated, ID: "A", Row: Row{"id": value.String("A"), "n": value.Integer(3)}},
	}
	out := coalesce(changes)
	require.Len(t, out, 1)
	n, _ := out[0].Row["n"].Int()
	require.Equal(t, int64(3), n)
}

func TestRowsEqualIgnoresFieldOrderingOfMapIteration(t *testing.T) {
	a := Row{"id": value.String("A"), "n": value.Integer(1), "s": value.String("x")}
	b := Row{"s": value.String("x"), "id": value.String("A"), "n": value.Integer(1)}
	require.True(t, rowsEqual(a, b))
}

func TestRowsEqualDetectsFieldValueChange(t *testing.T) {
	a := Row{"id": value.String("A"), "n": value.Integer(1)}
	b := Row{"id": value.String("A"), "n": value.Integer(2)}
	require.False(t, rowsEqual(a, b))
}

func TestRowsEqualDistinguishesKindsWithSameUnderlyingBits(t *testing.T) {
	a := Row{"v": value.Integer(0)}
	b := Row{"v": value.Null()}
	require.False(t, rowsEqual(a, b))
}

func TestUpdateOrderDropsDeletedAppendsCreated(t *testing.T) {
	order := []string{"A", "B"}
	changes := []RowChange{
		{Kind: Deleted, ID: "A"},
		{Kind: Created, ID: "C"},
	}
	out := updateOrder(order, changes)
	require.Equal(t, []string{"B", "C"}, out)
}
