package render

import "fmt"

// RawTemplate is one `derive { ui = (render …) }` clause discovered by the
// query parser for one branch of a set-union query, in textual (source)
// order.
type RawTemplate struct {
	EntityName      string
	EntityShortName string
	Expr            *Expr
}

// AssignIndices assigns contiguous small integers to each raw template in
// textual order (§4.4 Template indexing), producing the finalized
// RowTemplate list consumed by RenderSpec.
func AssignIndices(raw []RawTemplate) []RowTemplate {
	out := make([]RowTemplate, len(raw))
	for i, r := range raw {
		out[i] = RowTemplate{
			Index:           uint32(i),
			EntityName:      r.EntityName,
			EntityShortName: r.EntityShortName,
			Expr:            r.Expr,
		}
	}
	return out
}

// BuildSpec assembles the finalized RenderSpec from a compiled collection
// root (may be nil when the query carries only per-row templates and no
// trailing `render (...)`) and the compiled row templates.
func BuildSpec(root *Expr, templates []RowTemplate) Spec {
	return Spec{Root: root, RowTemplates: templates}
}

// Validate enforces the RenderSpec invariant: every RowTemplate.Index is
// unique and contiguous from zero, matching the `ui` column values the
// query compiler synthesizes for each union branch.
func (s Spec) Validate() error {
	for i, t := range s.RowTemplates {
		if int(t.Index) != i {
			return fmt.Errorf("render: row template %d has non-contiguous index %d", i, t.Index)
		}
	}
	return nil
}

// TemplateForUI looks up the row template whose index matches a row's `ui`
// column value, as a client would when rendering a union query's results.
func (s Spec) TemplateForUI(ui uint32) (RowTemplate, bool) {
	if int(ui) >= len(s.RowTemplates) {
		return RowTemplate{}, false
	}
	t := s.RowTemplates[int(ui)]
	if t.Index != ui {
		for _, rt := range s.RowTemplates {
			if rt.Index == ui {
				return rt, true
			}
		}
		return RowTemplate{}, false
	}
	return t, true
}
