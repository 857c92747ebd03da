package mview

import (
	"context"
	"time"
)

// incrementalSignalBound caps how many distinct wake signals one flush
// will resolve row-by-row before a full re-query becomes the cheaper
// plan.
const incrementalSignalBound = 32

// Notify wakes the subscription's controller to re-check the view,
// carrying the table/id that changed (resolved directly via
// Query.Incremental when the subscription shape supports it; the
// re-query+diff fallback ignores them and re-runs the whole query)
// and, when the write that caused this notification was traced, the
// trace context to propagate onto any resulting batch (§3 Trace
// context). A full wake buffer drops the notification — the next poll
// tick or notification still catches up, per cachesrc's "a dropped
// notification only costs latency, never correctness" contract.
func (s *Subscription) Notify(table, id string, tc TraceContext, hasTrace bool) {
	select {
	case s.wake <- wakeSignal{table: table, id: id, trace: tc, hasTrace: hasTrace}:
	default:
	}
}

// Start launches the subscription's change-propagation controller as an
// independent cooperative task (§5). It runs until ctx is cancelled or
// Close is called. Snapshot must have already been taken.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.run(ctx)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.flushed)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	var pending []wakeSignal

	armIdle := func() {
		if idleTimer == nil {
			idleTimer = time.NewTimer(s.idleWindow)
		} else {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.idleWindow)
		}
		idleC = idleTimer.C
	}

	flush := func(full bool) {
		tc, hasTrace := firstTrace(pending)
		var err error
		if !full && s.canIncremental(pending) {
			err = s.reconcileIncremental(ctx, pending, tc, hasTrace)
		} else {
			err = s.reconcile(ctx, tc, hasTrace)
		}
		if err != nil {
			return
		}
		pending = nil
		idleC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case w := <-s.wake:
			pending = append(pending, w)
			if len(pending) >= s.maxBatch {
				flush(false)
			} else {
				armIdle()
			}
		case <-idleC:
			flush(false)
		case <-ticker.C:
			// A poll tick always re-queries in full: it is the safety
			// net for dropped notifications and external writes the
			// cache never saw.
			flush(true)
		}
	}
}

func firstTrace(pending []wakeSignal) (TraceContext, bool) {
	for _, w := range pending {
		if w.hasTrace {
			return w.trace, true
		}
	}
	return TraceContext{}, false
}

// canIncremental reports whether every pending signal can be resolved
// through Query.Incremental: the subscription built one, the signal
// count is small, and each signal names a row of the subscription's own
// relation.
func (s *Subscription) canIncremental(pending []wakeSignal) bool {
	if s.query.Incremental == nil || len(pending) == 0 || len(pending) > incrementalSignalBound {
		return false
	}
	for _, w := range pending {
		if w.id == "" || w.table != s.query.RelationName {
			return false
		}
	}
	return true
}

// reconcileIncremental resolves each notified row directly instead of
// re-running the whole query (open question #1's fast path for
// single-relation subscriptions). Any resolution error falls back to
// the full re-query+diff.
func (s *Subscription) reconcileIncremental(ctx context.Context, pending []wakeSignal, tc TraceContext, hasTrace bool) error {
	if s.State() != StateStreaming {
		return nil
	}

	s.mu.Lock()
	prev := s.snapshot
	s.mu.Unlock()

	seen := make(map[string]bool, len(pending))
	var changes []RowChange
	for _, w := range pending {
		if seen[w.id] {
			continue
		}
		seen[w.id] = true

		row, matches, err := s.query.Incremental(ctx, w.table, w.id)
		if err != nil {
			return s.reconcile(ctx, tc, hasTrace)
		}
		if !matches {
			if _, ok := prev[w.id]; ok {
				changes = append(changes, RowChange{Kind: Deleted, ID: w.id})
			}
			continue
		}
		id, err := s.query.Key(row)
		if err != nil {
			return err
		}
		old, ok := prev[id]
		switch {
		case !ok:
			changes = append(changes, RowChange{Kind: Created, ID: id, Row: row})
		case !rowsEqual(old, row):
			changes = append(changes, RowChange{Kind: Updated, ID: id, Row: row})
		}
	}
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, c := range changes {
		switch c.Kind {
		case Created, Updated:
			s.snapshot[c.ID] = c.Row
		case Deleted:
			delete(s.snapshot, c.ID)
		}
	}
	s.order = updateOrder(s.order, changes)
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	s.emit(ctx, sinks, coalesce(changes), tc, hasTrace)
	return nil
}

// reconcile re-runs the subscription's query, diffs against the stored
// snapshot, and emits the per-row delta to every sink (§4.6 point 2's
// bounded re-query fallback).
func (s *Subscription) reconcile(ctx context.Context, tc TraceContext, hasTrace bool) error {
	if s.State() != StateStreaming {
		return nil
	}

	rows, err := s.runQuery(ctx)
	if err != nil {
		return err
	}
	fresh, err := keyedRows(rows, s.query.Key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.snapshot
	s.mu.Unlock()

	changes := diff(prev, fresh)
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	s.snapshot = fresh
	s.order = updateOrder(s.order, changes)
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	s.emit(ctx, sinks, coalesce(changes), tc, hasTrace)
	return nil
}

// emit pushes changes to every sink, split into batches of at most
// maxBatch (§4.6 point 3's size bound). Splitting — never truncating —
// preserves the CDC replay law: the concatenation of emitted batches
// applied to the prior snapshot always yields the current one.
func (s *Subscription) emit(ctx context.Context, sinks []Sink, changes []RowChange, tc TraceContext, hasTrace bool) {
	for start := 0; start < len(changes); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(changes) {
			end = len(changes)
		}
		batch := Batch{
			Metadata: BatchMetadata{
				RelationName: s.query.RelationName,
				Trace:        tc,
				HasTrace:     hasTrace,
			},
			Inner: changes[start:end],
		}
		for _, sink := range sinks {
			_ = sink.Send(ctx, batch)
		}
	}
}

// Invalidate transitions the subscription to Invalidated, used when the
// underlying schema changes or the operation log is reset (§4.6's state
// machine). Clients must resubscribe; no further batches are emitted.
func (s *Subscription) Invalidate() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateInvalidated
	s.mu.Unlock()
	s.closeOnce()
}

// Close cancels the controller and releases the materialized snapshot
// and SQL resources within a bounded time (§4.6 point 5, §5
// Cancellation). It is idempotent.
func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	started := s.started
	s.mu.Unlock()
	s.closeOnce()

	if started {
		select {
		case <-s.flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.snapshot = nil
	s.order = nil
	s.mu.Unlock()
	return nil
}

func (s *Subscription) closeOnce() {
	s.closeO.Do(func() {
		close(s.closed)
		close(s.done)
	})
}
