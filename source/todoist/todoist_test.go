package todoist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holon-app/holon/source"
)

func TestWireRoundTrip(t *testing.T) {
	w := taskWire{
		ID:        "1",
		Content:   "buy milk",
		Completed: false,
		Priority:  2,
		ProjectID: "p1",
		ParentID:  "parent1",
		Due:       &struct{ Date string `json:"date"` }{Date: "2026-08-01"},
	}
	task := w.toTask()
	require.Equal(t, "1", task.ID)
	require.True(t, task.HasParent)
	require.Equal(t, "parent1", task.ParentID)
	require.True(t, task.HasDue)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), task.DueDate)

	back := fromTask(task)
	require.Equal(t, w.ParentID, back.ParentID)
	require.Equal(t, w.Due.Date, back.Due.Date)
}

func TestWireRoundTripNoParentNoDue(t *testing.T) {
	task := Task{ID: "2", Content: "no due", ProjectID: "p1"}
	back := fromTask(task)
	require.Nil(t, back.Due)
	require.Empty(t, back.ParentID)
}

func TestSchemaAndLenses(t *testing.T) {
	s := Schema()
	require.Equal(t, "todoist_tasks", s.TableName)
	lenses := Lenses()
	require.Len(t, lenses, len(s.Columns))
}

func TestClassifyStatus(t *testing.T) {
	require.True(t, classifyStatusIsPermissionDenied(401))
	require.True(t, classifyStatusIsPermissionDenied(403))
}

func classifyStatusIsPermissionDenied(status int) bool {
	return source.IsKind(classifyStatus(status), source.ErrKindPermissionDenied)
}
