package query

import (
	"testing"

	"github.com/holon-app/holon/value"
	"github.com/stretchr/testify/require"
)

func tasksSchema() value.Schema {
	return value.Schema{
		TableName: "todoist_tasks",
		Columns: []value.Column{
			{Name: "id", Type: value.TypeString, PrimaryKey: true},
			{Name: "content", Type: value.TypeString},
			{Name: "completed", Type: value.TypeBoolean},
			{Name: "priority", Type: value.TypeInteger, Indexed: true},
			{Name: "due_date", Type: value.TypeDateTime, Nullable: true, Indexed: true},
			{Name: "project_id", Type: value.TypeReference, Indexed: true},
			{Name: "parent_id", Type: value.TypeReference, Nullable: true, Indexed: true},
		},
	}
}

func projectsSchema() value.Schema {
	return value.Schema{
		TableName: "todoist_projects",
		Columns: []value.Column{
			{Name: "id", Type: value.TypeString, PrimaryKey: true},
			{Name: "name", Type: value.TypeString},
			{Name: "parent_id", Type: value.TypeReference, Nullable: true},
		},
	}
}

func schemas() map[string]value.Schema {
	return map[string]value.Schema{
		"todoist_tasks":    tasksSchema(),
		"todoist_projects": projectsSchema(),
	}
}

// TestCompileUnifiedTodoTree covers §8 scenario 1.
func TestCompileUnifiedTodoTree(t *testing.T) {
	src := `
from todoist_tasks
select {id, content, completed, priority, due_date, project_id, parent_id}
derive sort_key = id
render (tree parent_id:parent_id sortkey:sort_key
  item_template:(row (bullet) (checkbox checked:this.completed)
                     (editable_text content:this.content)))
`
	result, err := Compile(src, schemas())
	require.NoError(t, err)
	require.Empty(t, result.RawSpec.RowTemplates)
	require.NotNil(t, result.RawSpec.Root)
	require.Equal(t, "tree", result.RawSpec.Root.Head)
	require.True(t, result.HasSoleEntity)
	require.Equal(t, "todoist_tasks", result.SoleEntity)
	require.Contains(t, result.Columns, "sort_key")
	require.NotContains(t, result.Columns, "ui")
	require.Contains(t, result.SQL, `"todoist_tasks"`)
}

// TestCompilePerRowTemplatesUnderUnion covers §8 scenario 2.
func TestCompilePerRowTemplatesUnderUnion(t *testing.T) {
	src := `
from todoist_tasks
select {id}
derive { ui = (render row (bullet)) }
append (
from todoist_projects
select {id}
derive { ui = (render row (folder_icon)) }
)
render (tree)
`
	result, err := Compile(src, schemas())
	require.NoError(t, err)
	require.Len(t, result.RawSpec.RowTemplates, 2)

	require.Equal(t, uint32(0), result.RawSpec.RowTemplates[0].Index)
	require.Equal(t, "todoist_tasks", result.RawSpec.RowTemplates[0].EntityName)
	require.Equal(t, uint32(1), result.RawSpec.RowTemplates[1].Index)
	require.Equal(t, "todoist_projects", result.RawSpec.RowTemplates[1].EntityName)

	require.Contains(t, result.Columns, "ui")
	require.Contains(t, result.SQL, "UNION ALL")
	require.Contains(t, result.SQL, "0 AS")
	require.Contains(t, result.SQL, "1 AS")
}

func TestCompileUnionColumnMismatch(t *testing.T) {
	src := `
from todoist_tasks
select {id, content}
append (
from todoist_projects
select {id, name}
)
`
	_, err := Compile(src, schemas())
	require.Error(t, err)
	var mismatch *UnionColumnMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestCompileUnknownRelation(t *testing.T) {
	src := "from no_such_table\nselect {id}\n"
	_, err := Compile(src, schemas())
	require.Error(t, err)
	var unk *UnknownRelationError
	require.ErrorAs(t, err, &unk)
}

func TestCompileFilterLowersToParameterizedSQL(t *testing.T) {
	src := `
from todoist_tasks
select {id, priority}
filter priority == 1 && due_date < "2026-01-01T00:00:00.000Z"
`
	result, err := Compile(src, schemas())
	require.NoError(t, err)
	require.Contains(t, result.SQL, "WHERE")
	require.Len(t, result.Args, 2)
}

func TestCompileSyntaxErrorReportsLocation(t *testing.T) {
	_, err := Compile("from", schemas())
	require.Error(t, err)
	var syn *SyntaxError
	require.ErrorAs(t, err, &syn)
}

// Union rows must carry the originating entity_name alongside ui so CDC
// consumers can resolve the per-row schema.
func TestCompileUnionSynthesizesEntityNameColumn(t *testing.T) {
	src := `
from todoist_tasks
select {id}
derive { ui = (render row (bullet)) }
append (
from todoist_projects
select {id}
derive { ui = (render row (folder_icon)) }
)
`
	result, err := Compile(src, schemas())
	require.NoError(t, err)
	require.Contains(t, result.Columns, "entity_name")
	require.Contains(t, result.SQL, `'todoist_tasks' AS "entity_name"`)
	require.Contains(t, result.SQL, `'todoist_projects' AS "entity_name"`)
	_, tracked := result.Entities["entity_name"]
	require.False(t, tracked, "synthesized columns carry no owning entity")
}

// A branch-level sort must stay inside its own union arm; SQLite only
// accepts ORDER BY on the final arm of a bare compound select.
func TestCompileUnionWrapsSortedArms(t *testing.T) {
	src := `
from todoist_tasks
select {id}
sort id
append (
from todoist_projects
select {id}
)
`
	result, err := Compile(src, schemas())
	require.NoError(t, err)
	require.Contains(t, result.SQL, `SELECT * FROM (`)
	require.Contains(t, result.SQL, "ORDER BY")
}

func TestCompileRenderTemplateOnJoinedBranchIsRejected(t *testing.T) {
	src := `
from todoist_tasks
join todoist_projects on project_id == id
derive { ui = (render row (bullet)) }
`
	_, err := Compile(src, schemas())
	require.Error(t, err)
	var rna *RenderNotAllowedHereError
	require.ErrorAs(t, err, &rna)
}
