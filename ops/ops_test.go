package ops

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/holon-app/holon/value"
)

func noSpanContext() trace.SpanContext { return trace.SpanContext{} }

func moveBlock() Descriptor {
	return Descriptor{
		Name:            "move_block",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams: []ParamSpec{
			{Name: "id", Kind: ParamString},
			{Name: "parent_id", Kind: ParamReference},
			{Name: "after_block_id", Kind: ParamReference},
		},
		AffectedFields: []string{"parent_id", "sort_key"},
		ParamMappings: []ParamMapping{
			{From: "tree_position", Provides: []string{"parent_id", "after_block_id"}},
		},
	}
}

func deleteOp() Descriptor {
	return Descriptor{
		Name:           "delete",
		EntityName:     "blocks",
		IDColumn:       "id",
		RequiredParams: []ParamSpec{{Name: "id", Kind: ParamString}},
		AffectedFields: []string{"id"},
	}
}

// §8 scenario 3: intent-filtered drop.
func TestFindOperationsIntentFilter(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(moveBlock()))
	require.NoError(t, reg.Register(deleteOp()))

	params := map[string]value.Value{
		"id": value.String("B"),
		"tree_position": value.Object(map[string]value.Value{
			"parent_id":      value.String("P"),
			"after_block_id": value.String("B2"),
		}),
	}

	found := reg.FindOperations("blocks", params)
	require.Len(t, found, 1)
	require.Equal(t, "move_block", found[0].Name)
}

func TestFindOperationsWithoutIntentKeyConsidersEverythingResolvable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(moveBlock()))
	require.NoError(t, reg.Register(deleteOp()))

	found := reg.FindOperations("blocks", map[string]value.Value{"id": value.String("B")})
	names := make([]string, len(found))
	for i, d := range found {
		names[i] = d.Name
	}
	require.ElementsMatch(t, []string{"delete"}, names) // move_block still missing parent_id/after_block_id
}

func TestWildcardEntityExemptFromIntentFilter(t *testing.T) {
	reg := NewRegistry()
	sync := Descriptor{
		Name:           "sync",
		EntityName:     WildcardEntity,
		RequiredParams: nil,
		ParamMappings:  []ParamMapping{{From: "force", Provides: nil}},
	}
	require.NoError(t, reg.Register(sync))

	found := reg.FindOperations(WildcardEntity, map[string]value.Value{"force": value.Boolean(true)})
	require.Len(t, found, 1)
	require.Equal(t, "sync", found[0].Name)
}

func TestOperationsAffectingFiltersByField(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(moveBlock()))
	require.NoError(t, reg.Register(deleteOp()))

	affecting := reg.OperationsAffecting("blocks", "parent_id")
	require.Len(t, affecting, 1)
	require.Equal(t, "move_block", affecting[0].Name)
}

func TestDispatcherExecuteAndUndo(t *testing.T) {
	reg := NewRegistry()
	var applied []string
	d := Descriptor{
		Name:           "set_field",
		EntityName:     "blocks",
		RequiredParams: []ParamSpec{{Name: "id", Kind: ParamString}, {Name: "value", Kind: ParamAny}},
		AffectedFields: []string{"parent_id"},
		Handler: func(hctx HandlerContext) (HandlerResult, error) {
			id, _ := hctx.Params["id"].Str()
			v, _ := hctx.Params["value"].Str()
			applied = append(applied, id+"="+v)
			return HandlerResult{Inverse: &InverseOperation{
				EntityName: "blocks",
				OpName:     "set_field",
				Params: map[string]value.Value{
					"id":    hctx.Params["id"],
					"value": value.Null(),
				},
			}}, nil
		},
	}
	require.NoError(t, reg.Register(d))

	disp := NewDispatcher(reg, 10)
	err := disp.Execute(context.Background(), "blocks", "set_field",
		map[string]value.Value{"id": value.String("B"), "value": value.String("A")}, noSpanContext())
	require.NoError(t, err)
	require.True(t, disp.CanUndo())
	require.False(t, disp.CanRedo())

	err = disp.Undo(context.Background())
	require.NoError(t, err)
	require.True(t, disp.CanRedo())
	require.Equal(t, "B=A", applied[0])
	require.True(t, strings.HasPrefix(applied[1], "B="))

	// Redo replays the forward operation, not the inverse again.
	err = disp.Redo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "B=A", applied[2])
	require.True(t, disp.CanUndo())
}

func TestExecuteUnknownOperation(t *testing.T) {
	disp := NewDispatcher(NewRegistry(), 10)
	err := disp.Execute(context.Background(), "blocks", "nope", nil, noSpanContext())
	require.Error(t, err)
	var unk *ErrUnknownOperation
	require.ErrorAs(t, err, &unk)
}
