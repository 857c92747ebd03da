// Package engine implements the backend engine façade (C8): the public
// surface clients consume, orchestrating the query compiler (C4), the
// render-spec compiler (C5), the materialized-view/CDC engine (C6), and
// the operation dispatcher (C7) behind `query_and_watch`,
// `execute_operation`, `available_operations`, and undo/redo, grounded
// on graphjin's graphjinEngine/NewGraphJin constructor shape
// (core/api.go) and its spanStart/retryOperation helpers (core/core.go).
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/internal/config"
	"github.com/holon-app/holon/internal/telemetry"
	"github.com/holon-app/holon/mview"
	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/query"
	"github.com/holon-app/holon/render"
	"github.com/holon-app/holon/value"
)

// compiledQueryCacheSize bounds the engine's compiled-query LRU (§4.5
// determinism is unaffected by caching: the same source text against the
// same schema set always compiles to the same plan).
const compiledQueryCacheSize = 256

// tableNotifier is the narrow surface Engine needs from a registered
// cachesrc.Cached[T] to fan its change notifications into active
// subscriptions, erasing T the way the dispatcher erases entity type via
// string names.
type tableNotifier interface {
	Subscribe(buf int) <-chan cachesrc.TableChange
	Unsubscribe(<-chan cachesrc.TableChange)
}

// conflictSource is the narrow surface Engine needs to fan conflict
// notices from a registered source into its aggregate Conflicts channel.
type conflictSource interface {
	Conflicts() <-chan cachesrc.ConflictNotice
}

// Engine is the immutable handle returned by Init, orchestrating every
// other component (§9's "Global mutable state ... treat as an immutable
// handle handed to clients; no hidden globals beyond that handle").
type Engine struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	tracer *telemetry.Tracer
	config config.Config

	schemasMu sync.RWMutex
	schemas   map[string]value.Schema

	registry   *ops.Registry
	dispatcher *ops.Dispatcher
	queryCache *query.Cache

	subsMu sync.Mutex
	subs   map[string]*mview.Subscription

	wake       chan cachesrc.TableChange
	conflicts  chan cachesrc.ConflictNotice
	cancelFans context.CancelFunc
	fanCtx     context.Context
}

// Logger is the narrow logging surface the façade depends on.
type Logger = cachesrc.Logger

// Init opens (creating if absent) the embedded SQL database at dbPath and
// returns a ready Engine (§4.8, §6's "<app_support>/holon.db"). config is
// the recognized-keys bag (TODOIST_API_KEY, ORGMODE_ROOT_DIRECTORY, ...);
// unrecognized keys are preserved for source implementations to consume.
func Init(dbPath string, raw map[string]string) (*Engine, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: enable WAL: %w", err)
	}

	cfg := config.Load(raw, afero.NewOsFs())
	registry := ops.NewRegistry()

	fanCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:         db,
		log:        telemetry.NewLogger(false),
		tracer:     telemetry.NewTracer("holon/engine"),
		config:     cfg,
		schemas:    make(map[string]value.Schema),
		registry:   registry,
		dispatcher: ops.NewDispatcher(registry, 200),
		queryCache: query.NewCache(compiledQueryCacheSize),
		subs:       make(map[string]*mview.Subscription),
		wake:       make(chan cachesrc.TableChange, 1024),
		conflicts:  make(chan cachesrc.ConflictNotice, 256),
		cancelFans: cancel,
		fanCtx:     fanCtx,
	}
	e.registerGlobalOperations()
	go e.fanWakeToSubscriptions()
	return e, nil
}

// registerGlobalOperations installs the wildcard-entity actions (§4.7's
// "operations not tied to a specific entity"): undo/redo endpoints over
// the dispatcher's ring buffer.
func (e *Engine) registerGlobalOperations() {
	_ = e.registry.Register(ops.Descriptor{
		Name:        "undo",
		DisplayName: "Undo",
		EntityName:  ops.WildcardEntity,
		Handler: func(h ops.HandlerContext) (ops.HandlerResult, error) {
			return ops.HandlerResult{}, e.dispatcher.Undo(h.Ctx)
		},
	})
	_ = e.registry.Register(ops.Descriptor{
		Name:        "redo",
		DisplayName: "Redo",
		EntityName:  ops.WildcardEntity,
		Handler: func(h ops.HandlerContext) (ops.HandlerResult, error) {
			return ops.HandlerResult{}, e.dispatcher.Redo(h.Ctx)
		},
	})
}

// Shutdown closes every active subscription, stops the fan-in
// goroutines, and releases the database connection.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancelFans()

	e.subsMu.Lock()
	subs := make([]*mview.Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.subs = make(map[string]*mview.Subscription)
	e.subsMu.Unlock()

	for _, s := range subs {
		_ = s.Close(ctx)
	}
	return e.db.Close()
}

// RegisterSchema makes schema's relation name known to the query
// compiler (C4) for `from`/`append` resolution. Re-registering a
// relation under a different shape invalidates every subscription that
// reads it — subscribers must recompile against the new schema (§4.6's
// Invalidated transition) — and drops all cached compiled plans.
func (e *Engine) RegisterSchema(schema value.Schema) {
	e.schemasMu.Lock()
	prev, existed := e.schemas[schema.TableName]
	e.schemas[schema.TableName] = schema
	e.schemasMu.Unlock()
	e.queryCache.Purge()

	if existed && !sameSchemaShape(prev, schema) {
		e.invalidateRelation(schema.TableName)
	}
}

func sameSchemaShape(a, b value.Schema) bool {
	if a.TableName != b.TableName || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

// invalidateRelation transitions every subscription reading relation to
// Invalidated. Union subscriptions carry no single relation name, so
// they are invalidated conservatively.
func (e *Engine) invalidateRelation(relation string) {
	e.subsMu.Lock()
	var victims []*mview.Subscription
	for id, s := range e.subs {
		if r := s.Relation(); r == relation || r == "" {
			victims = append(victims, s)
			delete(e.subs, id)
		}
	}
	e.subsMu.Unlock()
	for _, s := range victims {
		s.Invalidate()
	}
}

func (e *Engine) schemaSnapshot() map[string]value.Schema {
	e.schemasMu.RLock()
	defer e.schemasMu.RUnlock()
	out := make(map[string]value.Schema, len(e.schemas))
	for k, v := range e.schemas {
		out[k] = v
	}
	return out
}

// DB returns the engine's shared connection pool, for wiring a
// cachesrc.Cached[T] via RegisterSource.
func (e *Engine) DB() *sql.DB { return e.db }

// Registry returns the operation registry, for registering per-entity
// descriptors at startup.
func (e *Engine) Registry() *ops.Registry { return e.registry }

// Config returns the resolved configuration bag.
func (e *Engine) Config() config.Config { return e.config }

// registerNotifier wires a cachesrc.Cached[T]'s table-change channel into
// the engine's subscription wake fan-in (§9: "cache broadcasts change
// notifications through an observer list"). Go's lack of generic methods
// means this takes the type-erased tableNotifier interface; call it once
// per registered source via RegisterSource.
func (e *Engine) registerNotifier(n tableNotifier) {
	ch := n.Subscribe(64)
	go func() {
		for tc := range ch {
			select {
			case e.wake <- tc:
			default:
			}
		}
	}()
}

// registerConflictSource wires a cachesrc.Cached[T]'s conflict channel
// into the engine's aggregate Conflicts channel.
func (e *Engine) registerConflictSource(c conflictSource) {
	ch := c.Conflicts()
	go func() {
		for notice := range ch {
			select {
			case e.conflicts <- notice:
			default:
			}
		}
	}()
}

// RegisterSource wires cached's table-change and conflict channels into
// the engine, so writes against it propagate to every active
// subscription and so conflicts surface on Engine.Conflicts. It is a
// free function, not a method, because Go methods cannot introduce their
// own type parameters beyond the receiver's.
func RegisterSource[T any](e *Engine, cached *cachesrc.Cached[T]) {
	e.registerNotifier(cached)
	e.registerConflictSource(cached)
}

// Conflicts returns the channel every registered source's unresolved
// reconciliation conflicts are fanned onto (§4.3, §7: "never auto-
// resolved ... surfaced as a conflict event on a dedicated channel").
func (e *Engine) Conflicts() <-chan cachesrc.ConflictNotice { return e.conflicts }

func (e *Engine) fanWakeToSubscriptions() {
	for {
		select {
		case <-e.fanCtx.Done():
			return
		case tc := <-e.wake:
			e.subsMu.Lock()
			subs := make([]*mview.Subscription, 0, len(e.subs))
			for _, s := range e.subs {
				subs = append(subs, s)
			}
			e.subsMu.Unlock()
			mtc := mview.TraceContext{TraceID: tc.TraceID, SpanID: tc.SpanID, Sampled: tc.Sampled}
			for _, s := range subs {
				s.Notify(tc.Table, tc.ID, mtc, tc.HasTrace)
			}
		}
	}
}

// newSubscriptionID mints a sortable, collision-free subscription
// identifier (graphjin root go.mod's github.com/rs/xid).
func newSubscriptionID() string { return xid.New().String() }

// RenderRegistry adapts the engine's operation registry into
// render.Registry, used by QueryAndWatch to wire operations onto the
// render AST.
func (e *Engine) RenderRegistry() render.Registry { return e.registry }
