// Package mview implements the materialized-view / change-data-capture
// engine (C6): one materialized result set per active subscription, row
// identity keyed by an entity's primary key, poll-triggered re-query+diff
// change propagation, and batched emission with trace-context
// propagation and bounded-channel backpressure.
package mview

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/holon-app/holon/value"
)

// State is the subscription lifecycle (§4.6): Building -> Streaming ->
// (Streaming | Invalidated) -> Closed.
type State uint8

const (
	StateBuilding State = iota
	StateStreaming
	StateInvalidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateStreaming:
		return "streaming"
	case StateInvalidated:
		return "invalidated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Row is one result row: a column-name-keyed map of values, always
// carrying the entity's primary key under "id" once KeyFunc extracts it.
type Row map[string]value.Value

// ChangeKind tags one RowChange variant: Created | Updated | Deleted.
type ChangeKind uint8

const (
	Created ChangeKind = iota
	Updated
	Deleted
)

// RowChange is one row-level event. Row is populated for Created/Updated;
// ID is populated for Deleted.
type RowChange struct {
	Kind ChangeKind
	ID   string
	Row  Row
}

// TraceContext is the 16-byte trace id + 8-byte span id + flags
// propagated end-to-end from the mutation that caused a change through
// the batch emitted to sinks (§3 Trace context).
type TraceContext struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
	Sampled bool
}

func (t TraceContext) IsZero() bool { return t.TraceID.IsValid() == false && t.SpanID.IsValid() == false }

// BatchMetadata carries the batch's owning relation and, when the change
// was caused by a traced operation invocation, the propagated trace
// context.
type BatchMetadata struct {
	RelationName string
	Trace        TraceContext
	HasTrace     bool
}

// Batch is an ordered set of row changes for one subscription, grouped
// for one flush of the batching window (§4.6 point 3). Order within a
// batch reflects source order; for any single primary key touched more
// than once in the window, creations precede updates precede deletions
// (§5's CDC-batch ordering invariant).
type Batch struct {
	Metadata BatchMetadata
	Inner    []RowChange
}

// Sink receives batches for one subscription. Send must not block
// indefinitely; a Sink backed by a bounded channel should return quickly
// and let the subscription's own backpressure policy (coalesce-then-drop)
// absorb a slow consumer.
type Sink interface {
	Send(ctx context.Context, b Batch) error
}

// KeyFunc extracts the stable primary-key id from a Row, per the keying
// invariant (§4.6 point 4): row identity is by id, never by position or
// SQL rowid.
type KeyFunc func(Row) (string, error)

// ColumnKey returns a KeyFunc that extracts a row's primary key from a
// single, always-present column — the common case for a single-relation
// subscription. Union queries whose branches key off different columns
// should build a KeyFunc that switches on the synthesized "ui" column
// instead (§4.6 point 1: "...or of each per-row branch").
func ColumnKey(column string) KeyFunc {
	return func(r Row) (string, error) {
		v, ok := r[column]
		if !ok {
			return "", fmt.Errorf("mview: row missing key column %q", column)
		}
		if s, ok := v.Str(); ok {
			return s, nil
		}
		if i, ok := v.Int(); ok {
			return fmt.Sprint(i), nil
		}
		return "", fmt.Errorf("mview: key column %q is not string- or integer-valued", column)
	}
}

// ErrSubscriptionClosed is returned by operations on a subscription past
// Close.
var ErrSubscriptionClosed = fmt.Errorf("mview: subscription closed")

// ErrInvalidated is returned by operations on an Invalidated subscription.
var ErrInvalidated = fmt.Errorf("mview: subscription invalidated")

// Query is the compiled statement a Subscription materializes: a SQL
// text plus bind args, as produced by query.CompileResult.
type Query struct {
	SQL          string
	Args         []interface{}
	RelationName string
	Key          KeyFunc

	// Incremental, when non-nil, lets the subscription skip the
	// bounded re-query fallback for notifications it can resolve
	// itself (open question #1, SPEC_FULL.md: re-query+diff everywhere
	// plus an incremental fast path for single-relation, non-join,
	// non-aggregate subscriptions). It receives the notified table and
	// row id and returns the single row's fresh content (ok=false if
	// the row no longer matches the query's predicate, which the
	// controller treats as a deletion).
	Incremental IncrementalFunc
}

// IncrementalFunc resolves one changed row directly, without a full
// re-query, when the subscription shape supports it.
type IncrementalFunc func(ctx context.Context, table, id string) (row Row, matches bool, err error)

// Subscription is one materialized view: identifier, compiled query,
// hash-keyed snapshot, insertion-order trace, and registered sinks.
type Subscription struct {
	ID string

	db    *sql.DB
	query Query

	mu       sync.Mutex
	state    State
	started  bool
	snapshot map[string]Row
	order    []string // insertion order, for deterministic initial emission

	sinks   []Sink
	wake    chan wakeSignal
	done    chan struct{}
	closed  chan struct{}
	closeO  sync.Once
	flushed chan struct{} // closed once, signals the controller goroutine has exited

	pollInterval time.Duration
	idleWindow   time.Duration
	maxBatch     int
}

type wakeSignal struct {
	table    string
	id       string
	trace    TraceContext
	hasTrace bool
}

// Option configures a Subscription at construction.
type Option func(*Subscription)

// WithPollInterval sets the fallback re-query tick used when no wake
// notification arrives; defaults to 5s.
func WithPollInterval(d time.Duration) Option {
	return func(s *Subscription) { s.pollInterval = d }
}

// WithIdleWindow sets the batching debounce window (§4.6 point 3: "flush
// on idle or size bound"); defaults to 20ms.
func WithIdleWindow(d time.Duration) Option {
	return func(s *Subscription) { s.idleWindow = d }
}

// WithMaxBatch bounds how many change signals accumulate before a forced
// flush, and how many row changes one emitted batch carries (a larger
// diff is split across batches); defaults to 500.
func WithMaxBatch(n int) Option {
	return func(s *Subscription) { s.maxBatch = n }
}

// New builds a Subscription over db executing q, with no sinks attached
// yet. Call Snapshot to take the initial materialization, then Start to
// begin the change-propagation controller.
func New(id string, db *sql.DB, q Query, opts ...Option) *Subscription {
	s := &Subscription{
		ID:           id,
		db:           db,
		query:        q,
		state:        StateBuilding,
		snapshot:     make(map[string]Row),
		wake:         make(chan wakeSignal, 256),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		flushed:      make(chan struct{}),
		pollInterval: 5 * time.Second,
		idleWindow:   20 * time.Millisecond,
		maxBatch:     500,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rows returns the subscription's current materialized rows in
// insertion order (the CDC replay law, §8: applying every emitted batch
// to the initial snapshot yields this state).
func (s *Subscription) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshot[id])
	}
	return out
}

// Relation returns the subscription's batch-metadata relation name;
// empty for union subscriptions spanning several entities.
func (s *Subscription) Relation() string { return s.query.RelationName }

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddSink registers sink to receive every batch emitted from Start
// onward. It is safe to call before or after Start, but not concurrently
// with Close.
func (s *Subscription) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Snapshot executes the subscription's query, materializes the result
// into the keyed snapshot, and returns the initial rows in source order
// (§4.6 point 1). It transitions Building -> Streaming on success.
func (s *Subscription) Snapshot(ctx context.Context) ([]Row, error) {
	rows, err := s.runQuery(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]Row, len(rows))
	order := make([]string, 0, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		id, err := s.query.Key(r)
		if err != nil {
			return nil, err
		}
		if _, dup := snap[id]; dup {
			continue
		}
		snap[id] = r
		order = append(order, id)
		out = append(out, r)
	}

	s.mu.Lock()
	s.snapshot = snap
	s.order = order
	s.state = StateStreaming
	s.mu.Unlock()
	return out, nil
}

func (s *Subscription) runQuery(ctx context.Context) ([]Row, error) {
	return FetchRows(ctx, s.db, s.query.SQL, s.query.Args)
}

// FetchRows executes sqlText against db and decodes every result row into
// the Row shape subscriptions materialize. Exposed so callers building an
// IncrementalFunc can resolve a single row with the same decoding the
// full re-query uses.
func FetchRows(ctx context.Context, db *sql.DB, sqlText string, args []interface{}) ([]Row, error) {
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		dest := make([]interface{}, len(cols))
		raw := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, name := range cols {
			r[name] = driverValueToValue(raw[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// driverValueToValue converts a database/sql driver-native scan result
// (int64, float64, string, []byte, time.Time, bool, or nil) into the
// Value model's tagged union. The SQL backend's declared column type is
// not available here — this mirrors how a real row-stream decoder at the
// CDC boundary must work from wire/driver values alone.
func driverValueToValue(v interface{}) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case int64:
		return value.Integer(t)
	case float64:
		return value.Float(t)
	case bool:
		return value.Boolean(t)
	case []byte:
		return value.String(string(t))
	case string:
		return value.String(t)
	case time.Time:
		return value.DateTime(t)
	default:
		return value.String(fmt.Sprint(t))
	}
}
