package render

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry map[string]map[string][]Descriptor // entity -> field -> descriptors

func (r fakeRegistry) OperationsAffecting(entity, field string) []Descriptor {
	return r[entity][field]
}

func TestCompileWiresOperationsAffectingReferencedFields(t *testing.T) {
	setCompleted := Descriptor{Name: "set_completion", EntityName: "todoist_tasks", AffectedFields: []string{"completed"}}
	deleteOp := Descriptor{Name: "delete", EntityName: "todoist_tasks", AffectedFields: []string{"id"}}

	registry := fakeRegistry{
		"todoist_tasks": {
			"completed": {setCompleted},
		},
	}

	root := Call("row",
		PosArg(Call("bullet")),
		PosArg(Call("checkbox", NamedArg("checked", ColumnRefExpr("completed")))),
	)

	compiled, err := Compile(root, Owner{Sole: "todoist_tasks", HasSole: true}, registry)
	require.NoError(t, err)

	checkbox := compiled.Args[1].Value
	require.Len(t, checkbox.Wirings, 1)
	require.Equal(t, "set_completion", checkbox.Wirings[0].Descriptor.Name)

	// the outer `row` call's subtree also references `completed`, so it
	// picks up the same wiring; `delete` is never wired since nothing
	// references `id`.
	require.Len(t, root.Wirings, 1)
	require.Equal(t, "set_completion", root.Wirings[0].Descriptor.Name)
	_ = deleteOp
}

func TestCompileAmbiguousEntity(t *testing.T) {
	registry := fakeRegistry{}
	root := Call("row", PosArg(ColumnRefExpr("shared_field")))
	owner := Owner{PerEntity: map[string][]string{
		"shared_field": {"todoist_tasks", "todoist_projects"},
	}}

	_, err := Compile(root, owner, registry)
	require.Error(t, err)
	var ambig *AmbiguousEntityError
	require.ErrorAs(t, err, &ambig)
}

func TestAssignIndicesIsContiguousInTextualOrder(t *testing.T) {
	raw := []RawTemplate{
		{EntityName: "todoist_tasks", Expr: Call("row")},
		{EntityName: "todoist_projects", Expr: Call("row")},
	}
	templates := AssignIndices(raw)
	require.Equal(t, uint32(0), templates[0].Index)
	require.Equal(t, uint32(1), templates[1].Index)

	spec := BuildSpec(nil, templates)
	require.NoError(t, spec.Validate())

	tmpl, ok := spec.TemplateForUI(1)
	require.True(t, ok)
	require.Equal(t, "todoist_projects", tmpl.EntityName)
}
