package value

// Entity is a row instance: a mapping from column name to Value. It always
// carries the primary-key column once attached to a Schema.
type Entity struct {
	Fields map[string]Value
}

// NewEntity returns an Entity backed by a fresh field map.
func NewEntity() Entity {
	return Entity{Fields: make(map[string]Value)}
}

// Get returns the value of a field, or Null if absent.
func (e Entity) Get(field string) Value {
	if v, ok := e.Fields[field]; ok {
		return v
	}
	return Null()
}

// ID returns the value held in the schema's primary-key column.
func (e Entity) ID(s Schema) (Value, bool) {
	pk, ok := s.PrimaryKey()
	if !ok {
		return Null(), false
	}
	v, ok := e.Fields[pk.Name]
	return v, ok
}

// Clone returns a shallow copy safe for independent mutation of the field
// map (Values themselves are immutable).
func (e Entity) Clone() Entity {
	out := NewEntity()
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// Validate checks the schema invariant: the entity's keys are a subset of
// schema columns, and the type of each present value conforms to its
// column's data type.
func (e Entity) Validate(s Schema) error {
	for name, v := range e.Fields {
		col, ok := s.Column(name)
		if !ok {
			return &ErrSchemaMismatch{Table: s.TableName, Reason: "unknown field " + name}
		}
		if !col.Nullable && v.IsNull() && !col.PrimaryKey {
			return &ErrSchemaMismatch{Table: s.TableName, Reason: "field " + name + " is not nullable"}
		}
		if !col.Type.Matches(v) {
			return &ErrSchemaMismatch{Table: s.TableName, Reason: "field " + name + " does not match column type"}
		}
	}
	if pk, ok := s.PrimaryKey(); ok {
		if _, ok := e.Fields[pk.Name]; !ok {
			return &ErrSchemaMismatch{Table: s.TableName, Reason: "missing primary key " + pk.Name}
		}
	}
	return nil
}

// ChangeKind distinguishes a Set from a Clear in an Updates list.
type ChangeKind uint8

const (
	ChangeSet ChangeKind = iota
	ChangeClear
)

// Change is one field mutation: Set(value) or Clear.
type Change struct {
	Kind  ChangeKind
	Value Value
}

// FieldUpdate is one entry of an Updates<T> list: a field change paired
// with its optional SQL column name.
type FieldUpdate struct {
	Field     string
	SQLColumn string
	Change    Change
}

// Updates is the ordered list of field changes applied by an update
// operation. An empty Updates is a no-op.
type Updates []FieldUpdate

// IsEmpty reports whether this update would be a no-op.
func (u Updates) IsEmpty() bool { return len(u) == 0 }

// Apply returns a copy of e with every change in u applied, in order.
// Applying a Clear to the schema's primary-key column is forbidden.
func (u Updates) Apply(e Entity, s Schema) (Entity, error) {
	pk, hasPK := s.PrimaryKey()
	out := e.Clone()
	for _, fu := range u {
		if hasPK && fu.Field == pk.Name && fu.Change.Kind == ChangeClear {
			return Entity{}, &ErrSchemaMismatch{Table: s.TableName, Reason: "cannot clear primary key " + pk.Name}
		}
		switch fu.Change.Kind {
		case ChangeSet:
			out.Fields[fu.Field] = fu.Change.Value
		case ChangeClear:
			out.Fields[fu.Field] = Null()
		}
	}
	return out, nil
}

// Set appends a Set change for field, returning the extended list.
func (u Updates) Set(field string, v Value) Updates {
	return append(u, FieldUpdate{Field: field, Change: Change{Kind: ChangeSet, Value: v}})
}

// Clear appends a Clear change for field, returning the extended list.
func (u Updates) Clear(field string) Updates {
	return append(u, FieldUpdate{Field: field, Change: Change{Kind: ChangeClear}})
}

// Merge coalesces a second Updates list on top of u: later field changes
// for the same field replace earlier ones, preserving the original field
// order of u and appending any brand-new fields from next.
func (u Updates) Merge(next Updates) Updates {
	idx := make(map[string]int, len(u))
	out := make(Updates, len(u))
	copy(out, u)
	for i, fu := range out {
		idx[fu.Field] = i
	}
	for _, fu := range next {
		if i, ok := idx[fu.Field]; ok {
			out[i] = fu
		} else {
			idx[fu.Field] = len(out)
			out = append(out, fu)
		}
	}
	return out
}
