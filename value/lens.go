package value

// Lens is an immutable handle describing one field of an entity type T:
// a semantic name, an optional SQL column name, and a pure getter/setter
// pair over the in-memory representation. Lenses are the only supported
// way to name fields in predicate and update construction — string-keyed
// field names never appear in caller code paths once a Lens exists.
type Lens[T any] struct {
	name      string
	column    string
	hasColumn bool
	get       func(T) Value
	set       func(T, Value) T
}

// NewLens builds a Lens with no SQL column; it can be evaluated in memory
// but never pushed down to SQL.
func NewLens[T any](name string, get func(T) Value, set func(T, Value) T) Lens[T] {
	return Lens[T]{name: name, get: get, set: set}
}

// NewSQLLens builds a Lens backed by a SQL column, eligible for predicate
// compilation and cache-table writes.
func NewSQLLens[T any](name, column string, get func(T) Value, set func(T, Value) T) Lens[T] {
	return Lens[T]{name: name, column: column, hasColumn: true, get: get, set: set}
}

func (l Lens[T]) Name() string { return l.name }

// Column returns the lens's SQL column name, if it has one.
func (l Lens[T]) Column() (string, bool) { return l.column, l.hasColumn }

// Get reads the field's value from an instance of T.
func (l Lens[T]) Get(t T) Value { return l.get(t) }

// Set returns a new T with the field updated to v.
func (l Lens[T]) Set(t T, v Value) T { return l.set(t, v) }

// Codec converts between an entity type T and the schema-driven Entity
// representation used by the cache and predicate compiler. It is produced
// by the entity generator alongside the type's lenses and is total on
// correctly-typed instances.
type Codec[T any] struct {
	schema Schema
	lenses []lensBinding[T]
}

type lensBinding[T any] struct {
	field string
	get   func(T) Value
	set   func(T, Value) T
}

// NewCodec builds a Codec from a schema and the set of lenses that map
// onto its columns. Every schema column must have a corresponding lens.
func NewCodec[T any](s Schema, lenses ...Lens[T]) (Codec[T], error) {
	bindings := make([]lensBinding[T], 0, len(lenses))
	have := make(map[string]bool, len(lenses))
	for _, l := range lenses {
		bindings = append(bindings, lensBinding[T]{field: l.name, get: l.get, set: l.set})
		have[l.name] = true
	}
	for _, c := range s.Columns {
		if !have[c.Name] {
			return Codec[T]{}, &ErrSchemaMismatch{Table: s.TableName, Reason: "no lens for column " + c.Name}
		}
	}
	return Codec[T]{schema: s, lenses: bindings}, nil
}

// ToEntity converts t into its Entity representation, failing with
// SchemaMismatch if any field's value does not conform to its column.
func (c Codec[T]) ToEntity(t T) (Entity, error) {
	e := NewEntity()
	for _, l := range c.lenses {
		e.Fields[l.field] = l.get(t)
	}
	if err := e.Validate(c.schema); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// FromEntity converts e back into T, applying every lens's setter in
// the order the lenses were passed to NewCodec. Round-trips with
// ToEntity: FromEntity(ToEntity(t)) == t for any correctly-typed t.
func (c Codec[T]) FromEntity(e Entity) (T, error) {
	var zero T
	if err := e.Validate(c.schema); err != nil {
		return zero, err
	}
	out := zero
	for _, l := range c.lenses {
		out = l.set(out, e.Get(l.field))
	}
	return out, nil
}

// Schema returns the schema this codec was built from.
func (c Codec[T]) Schema() Schema { return c.schema }
