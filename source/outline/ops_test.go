package outline_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/source/outline"
	"github.com/holon-app/holon/value"
)

func newFixture(t *testing.T) (*cachesrc.Cached[outline.Block], *ops.Dispatcher) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	codec, err := value.NewCodec(outline.Schema(), outline.Lenses()...)
	require.NoError(t, err)
	cached, err := cachesrc.New[outline.Block](db, outline.NewStore(), codec, nil)
	require.NoError(t, err)

	reg := ops.NewRegistry()
	require.NoError(t, outline.RegisterOperations(reg, cached))
	return cached, ops.NewDispatcher(reg, 32)
}

// §8 scenario 6: indent re-parents under the previous sibling, undo
// restores the prior parent, and redo becomes available.
func TestIndentThenUndoRestoresParent(t *testing.T) {
	cached, disp := newFixture(t)
	ctx := context.Background()

	aID, err := cached.Insert(ctx, outline.Block{Content: "A", SortKey: "a"})
	require.NoError(t, err)
	bID, err := cached.Insert(ctx, outline.Block{Content: "B", SortKey: "b"})
	require.NoError(t, err)

	err = disp.Execute(ctx, "blocks", "indent",
		map[string]value.Value{"id": value.String(bID)}, trace.SpanContext{})
	require.NoError(t, err)

	b, ok, err := cached.GetByID(ctx, bID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, b.HasParent)
	require.Equal(t, aID, b.ParentID)
	require.True(t, disp.CanUndo())
	require.False(t, disp.CanRedo())

	require.NoError(t, disp.Undo(ctx))
	b, _, err = cached.GetByID(ctx, bID)
	require.NoError(t, err)
	require.False(t, b.HasParent)
	require.True(t, disp.CanRedo())

	require.NoError(t, disp.Redo(ctx))
	b, _, err = cached.GetByID(ctx, bID)
	require.NoError(t, err)
	require.True(t, b.HasParent)
	require.Equal(t, aID, b.ParentID)
}

func TestIndentWithoutPreviousSiblingFails(t *testing.T) {
	cached, disp := newFixture(t)
	ctx := context.Background()

	id, err := cached.Insert(ctx, outline.Block{Content: "only", SortKey: "a"})
	require.NoError(t, err)

	err = disp.Execute(ctx, "blocks", "indent",
		map[string]value.Value{"id": value.String(id)}, trace.SpanContext{})
	require.Error(t, err)
}

// §8 scenario 3 at the descriptor level: a drop gesture's tree_position
// bag selects move_block and excludes delete, and executing it through
// the mapping destructures parent/after ids out of the object.
func TestMoveBlockViaTreePositionMapping(t *testing.T) {
	cached, disp := newFixture(t)
	ctx := context.Background()

	pID, err := cached.Insert(ctx, outline.Block{Content: "P", SortKey: "a"})
	require.NoError(t, err)
	b2ID, err := cached.Insert(ctx, outline.Block{Content: "B2", SortKey: "b", ParentID: pID, HasParent: true})
	require.NoError(t, err)
	bID, err := cached.Insert(ctx, outline.Block{Content: "B", SortKey: "c"})
	require.NoError(t, err)

	params := map[string]value.Value{
		"id": value.String(bID),
		"tree_position": value.Object(map[string]value.Value{
			"parent_id":      value.Reference(pID),
			"after_block_id": value.Reference(b2ID),
		}),
	}

	found := disp.Registry.FindOperations("blocks", params)
	require.Len(t, found, 1)
	require.Equal(t, "move_block", found[0].Name)

	require.NoError(t, disp.Execute(ctx, "blocks", "move_block", params, trace.SpanContext{}))

	b, _, err := cached.GetByID(ctx, bID)
	require.NoError(t, err)
	require.True(t, b.HasParent)
	require.Equal(t, pID, b.ParentID)

	b2, _, err := cached.GetByID(ctx, b2ID)
	require.NoError(t, err)
	require.Greater(t, b.SortKey, b2.SortKey, "moved block must sort after its drop target")

	// Undo restores both position fields at once.
	require.NoError(t, disp.Undo(ctx))
	b, _, err = cached.GetByID(ctx, bID)
	require.NoError(t, err)
	require.False(t, b.HasParent)
	require.Equal(t, "c", b.SortKey)
}

func TestDeleteThenUndoRecreatesBlock(t *testing.T) {
	cached, disp := newFixture(t)
	ctx := context.Background()

	id, err := cached.Insert(ctx, outline.Block{Content: "keep me", SortKey: "a"})
	require.NoError(t, err)

	require.NoError(t, disp.Execute(ctx, "blocks", "delete",
		map[string]value.Value{"id": value.String(id)}, trace.SpanContext{}))
	_, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, disp.Undo(ctx))
	got, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep me", got.Content)
}
