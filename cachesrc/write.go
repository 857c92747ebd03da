package cachesrc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holon-app/holon/value"
)

// readEntity reads one row from the cache table as an Entity, without
// decoding it into T — used by Update, which needs to apply a value.Updates
// against the schema-shaped representation.
func (c *Cached[T]) readEntity(ctx context.Context, id string) (value.Entity, bool, error) {
	pk, ok := c.schema.PrimaryKey()
	if !ok {
		return value.Entity{}, false, fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}
	cols := make([]string, len(c.schema.Columns))
	for i, col := range c.schema.Columns {
		cols[i] = col.Name
	}
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" = ?`, c.schema.TableName, pk.Name), id)
	raw := make([]interface{}, len(cols))
	rawStr := make([]sqlNullString, len(cols))
	for i := range rawStr {
		raw[i] = &rawStr[i]
	}
	if err := row.Scan(raw...); err != nil {
		if isNoRows(err) {
			return value.Entity{}, false, nil
		}
		return value.Entity{}, false, err
	}
	ns := make([]nullStringLike, len(rawStr))
	for i, r := range rawStr {
		ns[i] = r
	}
	ent, err := entityFromNull(cols, ns, c.schema)
	if err != nil {
		return value.Entity{}, false, err
	}
	return ent, true, nil
}

// upsertCacheRow writes ent into the cache table, replacing any row that
// shares its primary key.
func (c *Cached[T]) upsertCacheRow(ctx context.Context, ent value.Entity) error {
	cols := make([]string, 0, len(c.schema.Columns))
	placeholders := make([]string, 0, len(c.schema.Columns))
	args := make([]interface{}, 0, len(c.schema.Columns))
	for _, col := range c.schema.Columns {
		cols = append(cols, fmt.Sprintf(`"%s"`, col.Name))
		placeholders = append(placeholders, "?")
		args = append(args, valueToBind(ent.Fields[col.Name]))
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
		c.schema.TableName, join(cols, ", "), join(placeholders, ", "))
	_, err := c.db.ExecContext(ctx, q, args...)
	return err
}

func (c *Cached[T]) deleteCacheRow(ctx context.Context, id string) error {
	pk, ok := c.schema.PrimaryKey()
	if !ok {
		return fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE "%s" = ?`, c.schema.TableName, pk.Name), id)
	return err
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func marshalEntity(ent value.Entity) ([]byte, error) {
	plain := make(map[string]interface{}, len(ent.Fields))
	for k, v := range ent.Fields {
		plain[k] = valueToJSON(v)
	}
	return json.Marshal(plain)
}

// valueToJSON converts a Value into a native Go type suitable for
// encoding/json, preserving the distinction between booleans and
// integers that valueToBind collapses for SQL binding.
func valueToJSON(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBoolean:
		b, _ := v.Bool()
		return b
	case value.KindInteger:
		i, _ := v.Int()
		return i
	case value.KindFloat:
		f, _ := v.Float64()
		return f
	case value.KindDateTime:
		t, _ := v.Time()
		return t.UTC().Format(time.RFC3339Nano)
	default:
		s, _ := v.Str()
		return s
	}
}

func marshalUpdates(u value.Updates) ([]byte, error) {
	type wireField struct {
		Field     string      `json:"field"`
		SQLColumn string      `json:"sql_column"`
		Clear     bool        `json:"clear"`
		Value     interface{} `json:"value,omitempty"`
	}
	wire := make([]wireField, len(u))
	for i, f := range u {
		wf := wireField{Field: f.Field, SQLColumn: f.SQLColumn}
		if f.Change.Kind == value.ChangeClear {
			wf.Clear = true
		} else {
			wf.Value = valueToJSON(f.Change.Value)
		}
		wire[i] = wf
	}
	return json.Marshal(wire)
}

// appendOp records a new oplog entry for an external-source mutation,
// applying the coalescing rules: Create+Update merges into the pending
// Create, Create+Delete cancels both, and Update-after-Delete is rejected.
func (c *Cached[T]) appendOp(ctx context.Context, itemID string, kind OpKind, data []byte) error {
	pending, err := c.pendingEntriesForItem(ctx, itemID)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		last := pending[len(pending)-1]
		switch {
		case kind == OpUpdate && last.Kind == OpCreate:
			merged, err := mergeCreateData(last.Data, data)
			if err != nil {
				return err
			}
			return c.updateOpData(ctx, last.ID, merged)
		case kind == OpUpdate && last.Kind == OpUpdate:
			merged, err := mergeUpdateData(last.Data, data)
			if err != nil {
				return err
			}
			return c.updateOpData(ctx, last.ID, merged)
		case kind == OpDelete && last.Kind == OpCreate:
			return c.cancelOp(ctx, last.ID)
		case kind == OpDelete && last.Kind == OpUpdate:
			return c.cancelAllPending(ctx, pending)
		case kind == OpUpdate && last.Kind == OpDelete:
			return fmt.Errorf("cachesrc: cannot update item %q pending deletion", itemID)
		}
	}

	entry := LogEntry{
		Timestamp:  c.clock(),
		ItemID:     itemID,
		SourceName: c.src.SourceName(),
		Kind:       kind,
		Data:       data,
		Status:     StatusPending,
		Retryable:  true,
	}
	_, err = c.db.ExecContext(ctx, insertOplogSQL(c.src.SourceName()), entry.insertArgs()...)
	return err
}

func (c *Cached[T]) pendingEntriesForItem(ctx context.Context, itemID string) ([]LogEntry, error) {
	rows, err := c.db.QueryContext(ctx, pendingOplogSQL(c.src.SourceName()), uint8(StatusPending), uint8(StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (c *Cached[T]) updateOpData(ctx context.Context, id int64, data []byte) error {
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET data = ? WHERE id = ?`, oplogTableName(c.src.SourceName())),
		data, id)
	return err
}

func (c *Cached[T]) cancelOp(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, oplogTableName(c.src.SourceName())), id)
	return err
}

func (c *Cached[T]) cancelAllPending(ctx context.Context, entries []LogEntry) error {
	for _, e := range entries {
		if err := c.cancelOp(ctx, e.ID); err != nil {
			return err
		}
	}
	entry := LogEntry{
		Timestamp:  c.clock(),
		ItemID:     entries[0].ItemID,
		SourceName: c.src.SourceName(),
		Kind:       OpDelete,
		Status:     StatusPending,
		Retryable:  true,
	}
	_, err := c.db.ExecContext(ctx, insertOplogSQL(c.src.SourceName()), entry.insertArgs()...)
	return err
}

func mergeCreateData(createData, updateData []byte) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(createData, &fields); err != nil {
		return nil, err
	}
	var updates []struct {
		Field string      `json:"field"`
		Clear bool        `json:"clear"`
		Value interface{} `json:"value,omitempty"`
	}
	if err := json.Unmarshal(updateData, &updates); err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Clear {
			delete(fields, u.Field)
			continue
		}
		fields[u.Field] = u.Value
	}
	return json.Marshal(fields)
}

func mergeUpdateData(prev, next []byte) ([]byte, error) {
	type wireField struct {
		Field     string      `json:"field"`
		SQLColumn string      `json:"sql_column"`
		Clear     bool        `json:"clear"`
		Value     interface{} `json:"value,omitempty"`
	}
	var prevFields, nextFields []wireField
	if err := json.Unmarshal(prev, &prevFields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(next, &nextFields); err != nil {
		return nil, err
	}
	byField := make(map[string]int, len(prevFields))
	merged := make([]wireField, 0, len(prevFields)+len(nextFields))
	for _, f := range prevFields {
		byField[f.Field] = len(merged)
		merged = append(merged, f)
	}
	for _, f := range nextFields {
		if i, ok := byField[f.Field]; ok {
			merged[i] = f
			continue
		}
		byField[f.Field] = len(merged)
		merged = append(merged, f)
	}
	return json.Marshal(merged)
}

// sqlNullString is a local alias kept distinct from database/sql.NullString
// so rows.go's generic scan path and write.go's readEntity path share one
// conversion surface (nullStringLike) without an import cycle.
type sqlNullString struct {
	val   string
	valid bool
}

func (n *sqlNullString) Scan(src interface{}) error {
	if src == nil {
		n.val, n.valid = "", false
		return nil
	}
	switch v := src.(type) {
	case string:
		n.val, n.valid = v, true
	case []byte:
		n.val, n.valid = string(v), true
	case int64:
		n.val, n.valid = fmt.Sprintf("%d", v), true
	case float64:
		n.val, n.valid = fmt.Sprintf("%g", v), true
	default:
		n.val, n.valid = fmt.Sprintf("%v", v), true
	}
	return nil
}

type nullStringLike interface {
	strAndValid() (string, bool)
}

func (n sqlNullString) strAndValid() (string, bool) { return n.val, n.valid }

func entityFromNull(cols []string, raw []nullStringLike, schema value.Schema) (value.Entity, error) {
	ent := value.NewEntity()
	for i, name := range cols {
		col, colOK := schema.Column(name)
		if !colOK {
			continue
		}
		s, ok := raw[i].strAndValid()
		if !ok {
			ent.Fields[name] = value.Null()
			continue
		}
		v, err := rawToValue(col, s)
		if err != nil {
			return value.Entity{}, err
		}
		ent.Fields[name] = v
	}
	return ent, nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
