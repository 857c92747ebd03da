package cachesrc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// Reconciler drains one Cached[T]'s operation log against its origin
// source on a ticker, the same shape as the teacher's schema-poll
// watcher: a ticker loop that reloads state and logs, never panics, on
// every tick.
type Reconciler[T any] struct {
	cached    *Cached[T]
	interval  time.Duration
	retention time.Duration
	done      chan struct{}
}

// NewReconciler builds a Reconciler draining cached's oplog every
// interval, compacting succeeded entries older than retention.
func NewReconciler[T any](cached *Cached[T], interval, retention time.Duration) *Reconciler[T] {
	return &Reconciler[T]{cached: cached, interval: interval, retention: retention, done: make(chan struct{})}
}

// Run blocks until ctx is cancelled or Stop is called, draining the
// operation log on every tick.
func (r *Reconciler[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.drain(ctx); err != nil && r.cached.log != nil {
				r.cached.log.Warnw("oplog drain failed", "source", r.cached.src.SourceName(), "error", err)
			}
			if err := r.compact(ctx); err != nil && r.cached.log != nil {
				r.cached.log.Warnw("oplog compaction failed", "source", r.cached.src.SourceName(), "error", err)
			}
		}
	}
}

// Stop ends a running Run loop.
func (r *Reconciler[T]) Stop() { close(r.done) }

func (r *Reconciler[T]) drain(ctx context.Context) error {
	c := r.cached
	rows, err := c.db.QueryContext(ctx, pendingOplogSQL(c.src.SourceName()), uint8(StatusPending), uint8(StatusInProgress))
	if err != nil {
		return err
	}
	var entries []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			r.reconcileOne(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler[T]) reconcileOne(ctx context.Context, e LogEntry) {
	c := r.cached
	c.mu.Lock()
	_, _ = c.db.ExecContext(ctx, updateOplogStatusSQL(c.src.SourceName()),
		uint8(StatusInProgress), e.Retries, e.ServerVersion, boolToInt(true), e.LastError, e.ID)
	c.mu.Unlock()

	err := retry.Do(
		func() error { return r.apply(ctx, e) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return source.IsKind(err, source.ErrKindNetwork)
		}),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil:
		_, _ = c.db.ExecContext(ctx, updateOplogStatusSQL(c.src.SourceName()),
			uint8(StatusSucceeded), e.Retries, "", boolToInt(true), "", e.ID)
		c.markSynced(ctx, e.ItemID, c.clock)
	case source.IsKind(err, source.ErrKindConflict):
		var se *source.Error
		if v, ok := err.(*source.Error); ok {
			se = v
		}
		version := ""
		if se != nil {
			version = se.ServerVersion
		}
		_, _ = c.db.ExecContext(ctx, updateOplogStatusSQL(c.src.SourceName()),
			uint8(StatusConflict), e.Retries+1, version, boolToInt(false), errString(err), e.ID)
		c.markConflict(ctx, e.ItemID, version)
		c.revertToServerState(ctx, e.ItemID)
		select {
		case c.conflicts <- ConflictNotice{SourceName: c.src.SourceName(), ItemID: e.ItemID, ServerVersion: version}:
		default:
		}
	default:
		retryable := !source.IsKind(err, source.ErrKindValidation) && !source.IsKind(err, source.ErrKindPermissionDenied)
		_, _ = c.db.ExecContext(ctx, updateOplogStatusSQL(c.src.SourceName()),
			uint8(StatusFailed), e.Retries+1, "", boolToInt(retryable), errString(err), e.ID)
		if !retryable {
			// Terminal failure (§7): the optimistic write rolls back to
			// the server's state, and subscriptions see the correction.
			c.revertToServerState(ctx, e.ItemID)
		}
		if c.log != nil {
			c.log.Errorw("reconciliation failed", "source", c.src.SourceName(), "item", e.ItemID, "error", err)
		}
	}
}

func (r *Reconciler[T]) apply(ctx context.Context, e LogEntry) error {
	c := r.cached
	switch e.Kind {
	case OpCreate:
		var fields map[string]interface{}
		if err := json.Unmarshal(e.Data, &fields); err != nil {
			return source.Serialization(err)
		}
		ent := value.NewEntity()
		for _, col := range c.schema.Columns {
			if raw, ok := fields[col.Name]; ok {
				v, err := jsonToValue(col, raw)
				if err != nil {
					return source.Serialization(err)
				}
				ent.Fields[col.Name] = v
			}
		}
		item, err := c.codec.FromEntity(ent)
		if err != nil {
			return source.Serialization(err)
		}
		newID, err := c.src.Insert(ctx, item)
		if err != nil {
			return err
		}
		if newID != e.ItemID {
			return c.rekeyCacheRow(ctx, e.ItemID, newID)
		}
		return nil
	case OpUpdate:
		var wire []struct {
			Field     string      `json:"field"`
			SQLColumn string      `json:"sql_column"`
			Clear     bool        `json:"clear"`
			Value     interface{} `json:"value,omitempty"`
		}
		if err := json.Unmarshal(e.Data, &wire); err != nil {
			return source.Serialization(err)
		}
		var updates value.Updates
		for _, w := range wire {
			if w.Clear {
				updates = updates.Clear(w.Field)
				continue
			}
			col, colOK := c.schema.Column(w.Field)
			if !colOK {
				continue
			}
			v, err := jsonToValue(col, w.Value)
			if err != nil {
				return source.Serialization(err)
			}
			updates = updates.Set(w.Field, v)
		}
		return c.src.Update(ctx, e.ItemID, source.CodecUpdates[T]{Fields: updates, Codec: c.codec})
	case OpDelete:
		err := c.src.Delete(ctx, e.ItemID)
		if err != nil && source.IsKind(err, source.ErrKindNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("cachesrc: unknown op kind %v", e.Kind)
	}
}

// revertToServerState replaces an optimistically-written cache row with
// the origin source's current state after a Conflict, so the cache never
// keeps advertising a write the server rejected (§7: Conflict is never
// auto-resolved; the user decides from the server's version). The
// notification lets subscriptions re-emit the reverted row.
func (c *Cached[T]) revertToServerState(ctx context.Context, id string) {
	item, ok, err := c.src.GetByID(ctx, id)
	if err != nil {
		if c.log != nil {
			c.log.Warnw("conflict revert fetch failed", "source", c.src.SourceName(), "item", id, "error", err)
		}
		return
	}
	if ok {
		_ = c.replaceCacheRowFromItem(ctx, item)
	} else {
		_ = c.deleteCacheRow(ctx, id)
	}
	c.notify(ctx, id, OpUpdate)
}

// rekeyCacheRow swaps a provisional client-generated id for the id the
// origin source actually assigned on create.
func (c *Cached[T]) rekeyCacheRow(ctx context.Context, oldID, newID string) error {
	pk, ok := c.schema.PrimaryKey()
	if !ok {
		return fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET "%s" = ? WHERE "%s" = ?`, c.schema.TableName, pk.Name, pk.Name),
		newID, oldID)
	return err
}

func (r *Reconciler[T]) compact(ctx context.Context) error {
	c := r.cached
	cutoff := c.clock().Add(-r.retention).UTC().Format(value.SQLTimeFormat)
	const batch = 500
	for {
		res, err := c.db.ExecContext(ctx, deleteSucceededOplogBeforeSQL(c.src.SourceName()), uint8(StatusSucceeded), cutoff, batch)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n < batch {
			return err
		}
	}
}

func jsonToValue(col value.Column, raw interface{}) (value.Value, error) {
	if raw == nil {
		return value.Null(), nil
	}
	switch col.Type {
	case value.TypeInteger:
		f, ok := raw.(float64)
		if !ok {
			return value.Value{}, fmt.Errorf("expected number for %q", col.Name)
		}
		return value.Integer(int64(f)), nil
	case value.TypeFloat:
		f, ok := raw.(float64)
		if !ok {
			return value.Value{}, fmt.Errorf("expected number for %q", col.Name)
		}
		return value.Float(f), nil
	case value.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return value.Value{}, fmt.Errorf("expected bool for %q", col.Name)
		}
		return value.Boolean(b), nil
	case value.TypeDateTime:
		s, ok := raw.(string)
		if !ok {
			return value.Value{}, fmt.Errorf("expected string for %q", col.Name)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return value.Value{}, err
		}
		return value.DateTime(t), nil
	case value.TypeJSON:
		s, _ := raw.(string)
		return value.JSON(s), nil
	case value.TypeReference:
		s, _ := raw.(string)
		return value.Reference(s), nil
	default:
		s, _ := raw.(string)
		return value.String(s), nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
