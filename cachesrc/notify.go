package cachesrc

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// TableChange is a coarse-grained "this cache table changed" signal
// broadcast after every successful write, consumed by the materialized
// view engine (C6) to drive its re-query+diff change propagation
// (spec §4.6 point 2, §9's "break cyclic references via message
// passing: cache broadcasts change notifications through an observer
// list"). When the write ran under an active span, the span's trace
// context rides along so the batch a subscription eventually emits can
// carry it end to end (§3 Trace context).
type TableChange struct {
	Table string
	ID    string
	Kind  OpKind

	TraceID  trace.TraceID
	SpanID   trace.SpanID
	Sampled  bool
	HasTrace bool
}

// notifier fans TableChange events out to every subscriber registered
// via Subscribe. It never blocks a writer: a slow or absent subscriber
// simply misses events on a full channel, relying on mview's periodic
// re-query fallback to catch up.
type notifier struct {
	mu   sync.Mutex
	subs []chan TableChange
}

func (n *notifier) subscribe(buf int) <-chan TableChange {
	ch := make(chan TableChange, buf)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch <-chan TableChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == ch {
			close(s)
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

func (n *notifier) publish(c TableChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe registers a listener for every successful write against this
// cache table, returning a channel closed by Unsubscribe. buf sizes the
// channel's backlog; when the channel is full the new signal is dropped
// rather than block the writer.
func (c *Cached[T]) Subscribe(buf int) <-chan TableChange {
	return c.notifier.subscribe(buf)
}

// Unsubscribe releases a channel returned by Subscribe.
func (c *Cached[T]) Unsubscribe(ch <-chan TableChange) {
	c.notifier.unsubscribe(ch)
}

func (c *Cached[T]) notify(ctx context.Context, id string, kind OpKind) {
	tc := TableChange{Table: c.schema.TableName, ID: id, Kind: kind}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		tc.TraceID = sc.TraceID()
		tc.SpanID = sc.SpanID()
		tc.Sampled = sc.IsSampled()
		tc.HasTrace = true
	}
	c.notifier.publish(tc)
}
