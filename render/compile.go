package render

import (
	"fmt"
	"sort"
)

// Registry is the narrow surface render.Compile needs from the
// operation dispatcher: given an entity and a field it affects, return
// the candidate descriptors. ops.Registry implements this by adapting
// its own ops.Descriptor values into render.Descriptor.
type Registry interface {
	OperationsAffecting(entityName, field string) []Descriptor
}

// AmbiguousEntityError is returned when a FunctionCall subtree
// references columns that cannot be resolved to a single owning entity.
type AmbiguousEntityError struct {
	Field      string
	Candidates []string
}

func (e *AmbiguousEntityError) Error() string {
	return fmt.Sprintf("render: column %q is ambiguous between entities %v", e.Field, e.Candidates)
}

// Owner resolves a referenced column name to its owning entity. A
// single-entity query (or a per-row template, which is always scoped to
// one entity) uses Sole; a union root spanning several entities without
// a per-row template uses PerEntity and may produce AmbiguousEntityError.
type Owner struct {
	Sole      string
	HasSole   bool
	PerEntity map[string][]string
	ShortName map[string]string // entityName -> entity_short_name, for descriptor lookups that need it
}

func (o Owner) resolve(field string) (string, error) {
	if o.HasSole {
		return o.Sole, nil
	}
	cands := o.PerEntity[field]
	switch len(cands) {
	case 0:
		return "", nil
	case 1:
		return cands[0], nil
	default:
		return "", &AmbiguousEntityError{Field: field, Candidates: cands}
	}
}

// Compile walks root, wiring operation descriptors onto every
// FunctionCall node whose subtree references fields the operation
// affects. It mutates and returns root. Determinism: for the same
// inputs, Wirings on every node are produced in the same (sorted) order.
func Compile(root *Expr, owner Owner, registry Registry) (*Expr, error) {
	if root == nil {
		return nil, nil
	}
	if err := compileNode(root, owner, registry); err != nil {
		return nil, err
	}
	return root, nil
}

// CompileSpec wires operations onto every node of a finalized Spec: the
// collection root (if any) under rootOwner, and each per-row template
// under an Owner scoped solely to that template's own entity (§4.5: "per-
// row template for union branches; otherwise the query's sole entity").
// It mutates and returns spec.
func CompileSpec(spec Spec, rootOwner Owner, registry Registry) (Spec, error) {
	if spec.Root != nil {
		if _, err := Compile(spec.Root, rootOwner, registry); err != nil {
			return Spec{}, err
		}
	}
	for i, t := range spec.RowTemplates {
		owner := Owner{Sole: t.EntityName, HasSole: true}
		if _, err := Compile(t.Expr, owner, registry); err != nil {
			return Spec{}, err
		}
		spec.RowTemplates[i] = t
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func compileNode(e *Expr, owner Owner, registry Registry) error {
	switch e.Kind {
	case KindBinaryOp:
		if err := compileNode(e.Left, owner, registry); err != nil {
			return err
		}
		return compileNode(e.Right, owner, registry)
	case KindArray:
		for _, it := range e.Items {
			if err := compileNode(it, owner, registry); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := compileNode(e.Fields[k], owner, registry); err != nil {
				return err
			}
		}
		return nil
	case KindFunctionCall:
		for _, a := range e.Args {
			if err := compileNode(a.Value, owner, registry); err != nil {
				return err
			}
		}
		fields := collectColumns(e)
		wirings, err := wireOperations(fields, owner, registry)
		if err != nil {
			return err
		}
		e.Wirings = wirings
		return nil
	default:
		return nil
	}
}

// collectColumns gathers every ColumnRef.ColumnRef reachable from e's
// subtree, deduplicated and sorted for determinism.
func collectColumns(e *Expr) []string {
	seen := map[string]bool{}
	var walk func(*Expr)
	walk = func(n *Expr) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KindColumnRef:
			seen[n.ColumnRef] = true
		case KindBinaryOp:
			walk(n.Left)
			walk(n.Right)
		case KindArray:
			for _, it := range n.Items {
				walk(it)
			}
		case KindObject:
			for _, v := range n.Fields {
				walk(v)
			}
		case KindFunctionCall:
			for _, a := range n.Args {
				walk(a.Value)
			}
		}
	}
	walk(e)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func wireOperations(fields []string, owner Owner, registry Registry) ([]OperationWiring, error) {
	if registry == nil {
		return nil, nil
	}
	byName := map[string]Descriptor{}
	for _, f := range fields {
		entity, err := owner.resolve(f)
		if err != nil {
			return nil, err
		}
		if entity == "" {
			continue
		}
		for _, d := range registry.OperationsAffecting(entity, f) {
			byName[d.Name] = d
		}
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]OperationWiring, 0, len(names))
	for _, n := range names {
		out = append(out, OperationWiring{Descriptor: byName[n]})
	}
	return out, nil
}
