package engine

import (
	"context"
	"fmt"

	"github.com/holon-app/holon/mview"
	"github.com/holon-app/holon/query"
	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// QueryResult is the façade's answer to query_and_watch (§4.8): the wired
// render spec the client uses to draw every row, the initial materialized
// rows, and a handle for unsubscribing once the client stops watching.
type QueryResult struct {
	Spec         render.Spec
	InitialData  []value.Entity
	Subscription *mview.Subscription
}

// QueryAndWatch compiles src (C4), wires operation descriptors onto its
// render spec against the registered entity schemas (C5), and starts a
// materialized-view subscription (C6) whose batches are pushed to sink.
// The returned QueryResult.Subscription stays registered with the engine
// until Unwatch is called or Shutdown runs.
func (e *Engine) QueryAndWatch(ctx context.Context, src string, sink mview.Sink, opts ...mview.Option) (*QueryResult, error) {
	schemas := e.schemaSnapshot()

	compiled, err := e.queryCache.Compile(src, schemas)
	if err != nil {
		return nil, fmt.Errorf("engine: compile query: %w", err)
	}

	spec, err := render.CompileSpec(compiled.RawSpec, compiled.Owner(), e.RenderRegistry())
	if err != nil {
		return nil, fmt.Errorf("engine: wire render spec: %w", err)
	}

	key, relation, incremental, err := e.rowKey(compiled)
	if err != nil {
		return nil, err
	}

	sub := mview.New(newSubscriptionID(), e.db, mview.Query{
		SQL:          compiled.SQL,
		Args:         compiled.Args,
		RelationName: relation,
		Key:          key,
		Incremental:  incremental,
	}, opts...)

	rows, err := sub.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: initial snapshot: %w", err)
	}

	if sink != nil {
		sub.AddSink(sink)
	}
	sub.Start(ctx)

	e.subsMu.Lock()
	e.subs[sub.ID] = sub
	e.subsMu.Unlock()

	entities := make([]value.Entity, len(rows))
	for i, r := range rows {
		entities[i] = value.Entity{Fields: map[string]value.Value(r)}
	}

	return &QueryResult{Spec: spec, InitialData: entities, Subscription: sub}, nil
}

// Unwatch closes and deregisters a subscription previously returned by
// QueryAndWatch, releasing its controller goroutine and sinks.
func (e *Engine) Unwatch(ctx context.Context, subscriptionID string) error {
	e.subsMu.Lock()
	sub, ok := e.subs[subscriptionID]
	if ok {
		delete(e.subs, subscriptionID)
	}
	e.subsMu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close(ctx)
}

// rowKey picks the mview.KeyFunc, the relation name passed to the
// subscription's batch metadata, and — for single-relation queries — the
// incremental per-row resolver: a union query keys off the synthesized
// "ui" column (or the "entity_name" column when the union carries no
// templates) plus each branch's own primary key column, since distinct
// branches may key off distinct columns (§4.6 point 1); a single-relation
// query keys directly off its one primary key.
func (e *Engine) rowKey(compiled *query.CompileResult) (mview.KeyFunc, string, mview.IncrementalFunc, error) {
	if compiled.HasSoleEntity {
		schema, ok := e.schemaLookup(compiled.SoleEntity)
		if !ok {
			return nil, "", nil, fmt.Errorf("engine: no schema registered for relation %q", compiled.SoleEntity)
		}
		pk, ok := schema.PrimaryKey()
		if !ok {
			return nil, "", nil, fmt.Errorf("engine: schema %q has no primary key", compiled.SoleEntity)
		}
		return mview.ColumnKey(pk.Name), compiled.SoleEntity, e.incrementalLookup(compiled, pk.Name), nil
	}

	pkByEntity := map[string]string{}
	for _, ents := range compiled.Entities {
		for _, ent := range ents {
			if _, done := pkByEntity[ent]; done {
				continue
			}
			schema, ok := e.schemaLookup(ent)
			if !ok {
				continue
			}
			if pk, ok := schema.PrimaryKey(); ok {
				pkByEntity[ent] = pk.Name
			}
		}
	}

	return unionRowKey(compiled.RawSpec, pkByEntity), "", nil, nil
}

// incrementalLookup builds the single-row resolver a sole-entity
// subscription uses to skip the full re-query (open question #1's fast
// path): the compiled statement is re-run restricted to the one notified
// primary key, so a row that dropped out of the query's predicate reads
// back as "no longer matches" and becomes a deletion.
func (e *Engine) incrementalLookup(compiled *query.CompileResult, pkCol string) mview.IncrementalFunc {
	sqlText := fmt.Sprintf(`SELECT * FROM (%s) WHERE %q = ?`, compiled.SQL, pkCol)
	return func(ctx context.Context, table, id string) (mview.Row, bool, error) {
		args := make([]interface{}, 0, len(compiled.Args)+1)
		args = append(args, compiled.Args...)
		args = append(args, id)
		rows, err := mview.FetchRows(ctx, e.db, sqlText, args)
		if err != nil {
			return nil, false, err
		}
		if len(rows) == 0 {
			return nil, false, nil
		}
		return rows[0], true, nil
	}
}

// unionRowKey builds a KeyFunc for a set-union query: it resolves which
// branch produced the row — via the "ui" template index when per-row
// templates are present, or the synthesized "entity_name" column
// otherwise — then extracts the id from that branch's own primary-key
// column, prefixed so ids never collide across entities.
func unionRowKey(spec render.Spec, pkByEntity map[string]string) mview.KeyFunc {
	return func(r mview.Row) (string, error) {
		entity := ""
		prefix := ""
		if uiVal, ok := r["ui"]; ok {
			ui, ok := uiVal.Int()
			if !ok {
				return "", fmt.Errorf("engine: ui column is not integer-valued")
			}
			tmpl, ok := spec.TemplateForUI(uint32(ui))
			if !ok {
				return "", fmt.Errorf("engine: no row template for ui=%d", ui)
			}
			entity = tmpl.EntityName
			prefix = fmt.Sprintf("%d", ui)
		} else if nameVal, ok := r["entity_name"]; ok {
			entity, _ = nameVal.Str()
			prefix = entity
		} else {
			return "", fmt.Errorf("engine: union row carries neither ui nor entity_name column")
		}

		pkCol := pkByEntity[entity]
		if pkCol == "" {
			pkCol = "id"
		}
		idVal, ok := r[pkCol]
		if !ok {
			return "", fmt.Errorf("engine: row missing primary key column %q", pkCol)
		}
		if s, ok := idVal.Str(); ok {
			return prefix + ":" + s, nil
		}
		if i, ok := idVal.Int(); ok {
			return fmt.Sprintf("%s:%d", prefix, i), nil
		}
		return "", fmt.Errorf("engine: primary key column %q is not string- or integer-valued", pkCol)
	}
}

func (e *Engine) schemaLookup(relation string) (value.Schema, bool) {
	e.schemasMu.RLock()
	defer e.schemasMu.RUnlock()
	s, ok := e.schemas[relation]
	return s, ok
}
