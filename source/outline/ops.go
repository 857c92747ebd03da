package outline

import (
	"fmt"
	"sort"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// RegisterOperations populates reg with the block entity's operation
// descriptors, routing every handler's writes through cached. It lives
// next to Schema and Lenses because all three are faces of the same
// generated per-entity metadata (§4.7).
func RegisterOperations(reg *ops.Registry, cached *cachesrc.Cached[Block]) error {
	codec, err := value.NewCodec(Schema(), Lenses()...)
	if err != nil {
		return err
	}
	descriptors := []ops.Descriptor{
		createOp(cached, codec),
		setFieldOp(cached),
		indentOp(cached),
		moveBlockOp(cached),
		deleteOp(cached),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func columnNames() []string {
	s := Schema()
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func lensByName(name string) (value.Lens[Block], bool) {
	for _, l := range Lenses() {
		if l.Name() == name {
			return l, true
		}
	}
	return value.Lens[Block]{}, false
}

func paramString(params map[string]value.Value, key string) string {
	s, _ := params[key].Str()
	return s
}

// sortKeyLess orders sibling sort keys by the value model's
// collation-stable keys, so sibling resolution agrees with the order a
// client renders the list in rather than with raw byte order.
func sortKeyLess(a, b string) bool {
	return value.String(a).SortKey() < value.String(b).SortKey()
}

// createOp restores or creates a block from a full field object. It is
// primarily the inverse of delete, but is also a regular entry point for
// programmatic block creation.
func createOp(cached *cachesrc.Cached[Block], codec value.Codec[Block]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "create",
		DisplayName:     "Create block",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams:  []ops.ParamSpec{{Name: "fields", Kind: ops.ParamAny}},
		AffectedFields:  columnNames(),
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			fields, ok := hctx.Params["fields"].Fields()
			if !ok {
				return ops.HandlerResult{}, source.Validation(fmt.Errorf("outline: create needs an object-valued fields param"))
			}
			ent := value.NewEntity()
			for k, v := range fields {
				ent.Fields[k] = v
			}
			block, err := codec.FromEntity(ent)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			id, err := cached.Insert(hctx.Ctx, block)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "blocks",
				OpName:     "delete",
				Params:     map[string]value.Value{"id": value.String(id)},
			}}, nil
		},
	}
}

// setFieldOp writes one field (id, field, value) or several at once
// (id, fields: {col: val, ...}). The multi-field form exists so inverse
// operations can restore position atomically.
func setFieldOp(cached *cachesrc.Cached[Block]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "set_field",
		DisplayName:     "Set field",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams:  []ops.ParamSpec{{Name: "id", Kind: ops.ParamString}},
		AffectedFields:  columnNames(),
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id := paramString(hctx.Params, "id")
			cur, ok, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !ok {
				return ops.HandlerResult{}, source.NotFound(nil)
			}

			updates, prevFields, err := fieldUpdates(hctx.Params, cur)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if err := cached.Update(hctx.Ctx, id, updates); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "blocks",
				OpName:     "set_field",
				Params: map[string]value.Value{
					"id":     value.String(id),
					"fields": value.Object(prevFields),
				},
			}}, nil
		},
	}
}

// fieldUpdates interprets set_field's two parameter forms against cur,
// returning both the updates to apply and the prior values needed for
// the inverse.
func fieldUpdates(params map[string]value.Value, cur Block) (value.Updates, map[string]value.Value, error) {
	var updates value.Updates
	prev := map[string]value.Value{}

	apply := func(field string, v value.Value) error {
		l, ok := lensByName(field)
		if !ok {
			return source.Validation(fmt.Errorf("outline: unknown field %q", field))
		}
		prev[field] = l.Get(cur)
		if v.IsNull() {
			updates = updates.Clear(field)
		} else {
			updates = updates.Set(field, v)
		}
		return nil
	}

	if obj, ok := params["fields"].Fields(); ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := apply(k, obj[k]); err != nil {
				return nil, nil, err
			}
		}
		return updates, prev, nil
	}

	field, ok := params["field"].Str()
	if !ok {
		return nil, nil, source.Validation(fmt.Errorf("outline: set_field needs a field name or a fields object"))
	}
	if err := apply(field, params["value"]); err != nil {
		return nil, nil, err
	}
	return updates, prev, nil
}

// indentOp re-parents a block under its previous sibling, the standard
// outline indent gesture. The inverse restores the prior parent.
func indentOp(cached *cachesrc.Cached[Block]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "indent",
		DisplayName:     "Indent",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams:  []ops.ParamSpec{{Name: "id", Kind: ops.ParamString}},
		AffectedFields:  []string{"parent_id"},
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id := paramString(hctx.Params, "id")
			cur, ok, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !ok {
				return ops.HandlerResult{}, source.NotFound(nil)
			}

			prevSibling, ok, err := previousSibling(hctx, cached, cur)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !ok {
				return ops.HandlerResult{}, source.Validation(fmt.Errorf("outline: block %q has no previous sibling to indent under", id))
			}

			prevParent := value.Null()
			if cur.HasParent {
				prevParent = value.Reference(cur.ParentID)
			}
			updates := value.Updates{}.Set("parent_id", value.Reference(prevSibling.ID))
			if err := cached.Update(hctx.Ctx, id, updates); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "blocks",
				OpName:     "set_field",
				Params: map[string]value.Value{
					"id":    value.String(id),
					"field": value.String("parent_id"),
					"value": prevParent,
				},
			}}, nil
		},
	}
}

// previousSibling returns the block that directly precedes cur among its
// siblings in sort-key order.
func previousSibling(hctx ops.HandlerContext, cached *cachesrc.Cached[Block], cur Block) (Block, bool, error) {
	all, err := cached.GetAll(hctx.Ctx)
	if err != nil {
		return Block{}, false, err
	}
	siblings := all[:0:0]
	for _, b := range all {
		if b.ID == cur.ID {
			continue
		}
		if b.HasParent == cur.HasParent && b.ParentID == cur.ParentID {
			siblings = append(siblings, b)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return sortKeyLess(siblings[i].SortKey, siblings[j].SortKey) })

	var prev Block
	found := false
	for _, s := range siblings {
		if sortKeyLess(s.SortKey, cur.SortKey) {
			prev, found = s, true
			continue
		}
		break
	}
	return prev, found, nil
}

// moveBlockOp re-parents and re-orders a block from a drop gesture. Its
// tree_position mapping is the intent-carrying source parameter (§4.7):
// a caller whose bag carries drop-target coordinates is offered
// move_block and nothing that merely happens to need the same id.
func moveBlockOp(cached *cachesrc.Cached[Block]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "move_block",
		DisplayName:     "Move block",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams: []ops.ParamSpec{
			{Name: "id", Kind: ops.ParamString},
			{Name: "parent_id", Kind: ops.ParamReference},
			{Name: "after_block_id", Kind: ops.ParamReference},
		},
		AffectedFields: []string{"parent_id", "sort_key"},
		ParamMappings: []ops.ParamMapping{
			{From: "tree_position", Provides: []string{"parent_id", "after_block_id"}},
		},
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id := paramString(hctx.Params, "id")
			cur, ok, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !ok {
				return ops.HandlerResult{}, source.NotFound(nil)
			}

			prevParent := value.Null()
			if cur.HasParent {
				prevParent = value.Reference(cur.ParentID)
			}
			prevSort := value.String(cur.SortKey)

			updates := value.Updates{}
			parent := hctx.Params["parent_id"]
			if parent.IsNull() {
				updates = updates.Clear("parent_id")
			} else {
				updates = updates.Set("parent_id", parent)
			}
			sortKey, err := sortKeyAfter(hctx, cached, parent, paramString(hctx.Params, "after_block_id"))
			if err != nil {
				return ops.HandlerResult{}, err
			}
			updates = updates.Set("sort_key", value.String(sortKey))

			if err := cached.Update(hctx.Ctx, id, updates); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "blocks",
				OpName:     "set_field",
				Params: map[string]value.Value{
					"id": value.String(id),
					"fields": value.Object(map[string]value.Value{
						"parent_id": prevParent,
						"sort_key":  prevSort,
					}),
				},
			}}, nil
		},
	}
}

// sortKeyAfter picks a sort key placing the moved block directly after
// afterID among the target parent's children, or at the head when
// afterID is empty.
func sortKeyAfter(hctx ops.HandlerContext, cached *cachesrc.Cached[Block], parent value.Value, afterID string) (string, error) {
	if afterID != "" {
		after, ok, err := cached.GetByID(hctx.Ctx, afterID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", source.NotFound(nil)
		}
		return after.SortKey + "n", nil
	}

	all, err := cached.GetAll(hctx.Ctx)
	if err != nil {
		return "", err
	}
	parentID, hasParent := parent.Str()
	first := ""
	for _, b := range all {
		if b.HasParent != hasParent || b.ParentID != parentID {
			continue
		}
		if first == "" || sortKeyLess(b.SortKey, first) {
			first = b.SortKey
		}
	}
	if first == "" {
		return "n", nil
	}
	return "0" + first, nil
}

// deleteOp removes a block; the inverse recreates it with its prior
// field values.
func deleteOp(cached *cachesrc.Cached[Block]) ops.Descriptor {
	return ops.Descriptor{
		Name:            "delete",
		DisplayName:     "Delete block",
		EntityName:      "blocks",
		EntityShortName: "block",
		IDColumn:        "id",
		RequiredParams:  []ops.ParamSpec{{Name: "id", Kind: ops.ParamString}},
		AffectedFields:  columnNames(),
		Handler: func(hctx ops.HandlerContext) (ops.HandlerResult, error) {
			id := paramString(hctx.Params, "id")
			cur, ok, err := cached.GetByID(hctx.Ctx, id)
			if err != nil {
				return ops.HandlerResult{}, err
			}
			if !ok {
				return ops.HandlerResult{}, source.NotFound(nil)
			}

			prev := map[string]value.Value{}
			for _, l := range Lenses() {
				prev[l.Name()] = l.Get(cur)
			}
			if err := cached.Delete(hctx.Ctx, id); err != nil {
				return ops.HandlerResult{}, err
			}
			return ops.HandlerResult{Inverse: &ops.InverseOperation{
				EntityName: "blocks",
				OpName:     "create",
				Params:     map[string]value.Value{"fields": value.Object(prev)},
			}}, nil
		},
	}
}
