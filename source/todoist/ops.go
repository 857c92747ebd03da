package todoist

import (
	"fmt"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// RegisterOperations populates reg with the task entity's operation
// descriptors, routing every handler's writes through cached (optimistic
// cache write + oplog for this external source).
func RegisterOperations(reg *ops.Registry, cached *cachesrc.Cached[Task]) error {
	descriptors := []ops.Descriptor{
		setCompletionOp(cached),
		setFieldOp(cached),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func taskColumnNames() []string {
	s := Schema()
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func taskLensByName(name string) (value.Lens[Task], bool) {
	for _, l := range Lenses() {
		if l.Name() == name {
			return l, true
		}
	}
	return value.Lens[Task]{}, false
}

// setCompletionOp flips a task's completed flag (§8 scenarios 1 and 4).
func setCompletionOp(cached *cachesrc.Cached[Task]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "set_completion",
		DisplayName:     "Set completion",
		EntityName:      "todoist_tasks",
		EntityShortName: "tasks",
		IDColumn:        "id",
		RequiredParams: []ops.ParamSpec{
			{Name: "id", Kind: ops.ParamString},
			{Name: "completed", Kind: ops.ParamBoolean},
		},
		AffectedFields: []string{"completed"},
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id, _ := hctx.Params["id"].Str()
			completed, ok := hctx.Params["completed"].Bool()
			if !ok {
				return ops.HandlerResult{}, source.Validation(fmt.Errorf("todoist: completed must be a boolean"))
			}
			cur, found, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !found {
				return ops.HandlerResult{}, source.NotFound(nil)
			}

			updates := value.Updates{}.Set("completed", value.Boolean(completed))
			if err := cached.Update(hctx.Ctx, id, updates); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "todoist_tasks",
				OpName:     "set_completion",
				Params: map[string]value.Value{
					"id":        value.String(id),
					"completed": value.Boolean(cur.Completed),
				},
			}}, nil
		},
	}
}

// setFieldOp writes one task field (id, field, value), with the prior
// value captured for undo.
func setFieldOp(cached *cachesrc.Cached[Task]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "set_field",
		DisplayName:     "Set field",
		EntityName:      "todoist_tasks",
		EntityShortName: "tasks",
		IDColumn:        "id",
		RequiredParams: []ops.ParamSpec{
			{Name: "id", Kind: ops.ParamString},
			{Name: "field", Kind: ops.ParamString},
		},
		AffectedFields: taskColumnNames(),
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id, _ := hctx.Params["id"].Str()
			field, ok := hctx.Params["field"].Str()
			if !ok {
				return ops.HandlerResult{}, source.Validation(fmt.Errorf("todoist: set_field needs a field name"))
			}
			l, ok := taskLensByName(field)
			if !ok {
				return ops.HandlerResult{}, source.Validation(fmt.Errorf("todoist: unknown field %q", field))
			}
			cur, found, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !found {
				return ops.HandlerResult{}, source.NotFound(nil)
			}
			prev := l.Get(cur)

			v := hctx.Params["value"]
			updates := value.Updates{}
			if v.IsNull() {
				updates = updates.Clear(field)
			} else {
				updates = updates.Set(field, v)
			}
			if err := cached.Update(hctx.Ctx, id, updates); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "todoist_tasks",
				OpName:     "set_field",
				Params: map[string]value.Value{
					"id":    value.String(id),
					"field": value.String(field),
					"value": prev,
				},
			}}, nil
		},
	}
}
