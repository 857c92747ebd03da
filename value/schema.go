package value

import (
	"fmt"
	"strings"
)

// DataType is a schema column's declared value domain.
type DataType uint8

const (
	TypeString DataType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeDateTime
	TypeJSON
	TypeReference
)

// SQLType maps a DataType to its embedded-store column type, per the data
// model: String/DateTime/Json/Reference -> TEXT; Integer/Boolean ->
// INTEGER; Float -> REAL.
func (t DataType) SQLType() string {
	switch t {
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Matches reports whether v conforms to this data type.
func (t DataType) Matches(v Value) bool {
	if v.IsNull() {
		return true
	}
	switch t {
	case TypeString, TypeJSON, TypeReference:
		_, ok := v.Str()
		return ok
	case TypeInteger:
		return v.Kind() == KindInteger
	case TypeFloat:
		return v.Kind() == KindFloat
	case TypeBoolean:
		return v.Kind() == KindBoolean
	case TypeDateTime:
		return v.Kind() == KindDateTime
	default:
		return false
	}
}

// Column describes one field of an entity schema.
type Column struct {
	Name       string
	Type       DataType
	PrimaryKey bool
	Indexed    bool
	Nullable   bool
}

// Schema is the per-entity description: table name plus an ordered list
// of columns. At most one column may be the primary key.
type Schema struct {
	TableName string
	Columns   []Column
}

// ErrSchemaMismatch is returned by conversions when an entity's values do
// not conform to its schema.
type ErrSchemaMismatch struct {
	Table  string
	Reason string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch on %q: %s", e.Table, e.Reason)
}

// PrimaryKey returns the schema's single primary-key column, if any.
func (s Schema) PrimaryKey() (Column, bool) {
	for _, c := range s.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return Column{}, false
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate enforces the at-most-one-primary-key invariant.
func (s Schema) Validate() error {
	seen := false
	for _, c := range s.Columns {
		if c.PrimaryKey {
			if seen {
				return &ErrSchemaMismatch{Table: s.TableName, Reason: "more than one primary key column"}
			}
			seen = true
		}
	}
	return nil
}

// CreateTableSQL renders the canonical CREATE TABLE statement for this
// schema against the embedded SQLite store.
func (s Schema) CreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(s.TableName))
	for i, c := range s.Columns {
		b.WriteString("  ")
		b.WriteString(quoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(c.Type.SQLType())
		if c.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		} else if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i != len(s.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// IndexSQL renders one CREATE INDEX statement per indexed, non-primary-key
// column, eligible for predicate push-down.
func (s Schema) IndexSQL() []string {
	var stmts []string
	for _, c := range s.Columns {
		if c.Indexed && !c.PrimaryKey {
			name := fmt.Sprintf("idx_%s_%s", s.TableName, c.Name)
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent(name), quoteIdent(s.TableName), quoteIdent(c.Name)))
		}
	}
	return stmts
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
