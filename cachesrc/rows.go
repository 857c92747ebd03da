package cachesrc

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/holon-app/holon/value"
)

// scanAll reads every row of a *"<table>"* result set into entities and
// decodes each into T via the codec.
func (c *Cached[T]) scanAll(rows *sql.Rows) ([]T, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []T
	for rows.Next() {
		ent, err := scanEntity(rows, cols, c.schema)
		if err != nil {
			return nil, err
		}
		item, err := c.codec.FromEntity(ent)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (c *Cached[T]) scanOne(row *sql.Row) (T, bool, error) {
	var zero T
	cols := make([]string, len(c.schema.Columns))
	for i, col := range c.schema.Columns {
		cols[i] = col.Name
	}
	dest := make([]interface{}, len(cols))
	raw := make([]sql.NullString, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, err
	}
	ent, err := entityFromRaw(cols, raw, c.schema)
	if err != nil {
		return zero, false, err
	}
	item, err := c.codec.FromEntity(ent)
	if err != nil {
		return zero, false, err
	}
	return item, true, nil
}

func scanEntity(rows *sql.Rows, cols []string, schema value.Schema) (value.Entity, error) {
	dest := make([]interface{}, len(cols))
	raw := make([]sql.NullString, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return value.Entity{}, err
	}
	return entityFromRaw(cols, raw, schema)
}

func entityFromRaw(cols []string, raw []sql.NullString, schema value.Schema) (value.Entity, error) {
	ent := value.NewEntity()
	for i, name := range cols {
		col, ok := schema.Column(name)
		if !ok {
			continue
		}
		if !raw[i].Valid {
			ent.Fields[name] = value.Null()
			continue
		}
		v, err := rawToValue(col, raw[i].String)
		if err != nil {
			return value.Entity{}, err
		}
		ent.Fields[name] = v
	}
	return ent, nil
}

func rawToValue(col value.Column, s string) (value.Value, error) {
	switch col.Type {
	case value.TypeInteger:
		var i int64
		if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
			return value.Value{}, err
		}
		return value.Integer(i), nil
	case value.TypeFloat:
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return value.Value{}, err
		}
		return value.Float(f), nil
	case value.TypeBoolean:
		return value.Boolean(s != "0" && s != "false" && s != ""), nil
	case value.TypeDateTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value.Value{}, err
		}
		return value.DateTime(t), nil
	case value.TypeJSON:
		return value.JSON(s), nil
	case value.TypeReference:
		return value.Reference(s), nil
	default:
		return value.String(s), nil
	}
}

func valueToBind(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBoolean:
		b, _ := v.Bool()
		if b {
			return int64(1)
		}
		return int64(0)
	case value.KindInteger:
		i, _ := v.Int()
		return i
	case value.KindFloat:
		f, _ := v.Float64()
		return f
	case value.KindDateTime:
		t, _ := v.Time()
		return t.UTC().Format(value.SQLTimeFormat)
	default:
		s, _ := v.Str()
		return s
	}
}
