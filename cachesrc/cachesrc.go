// Package cachesrc wraps a source.Source[T] with a SQLite-backed cache
// table and an operation log, giving every origin (local or external) a
// uniform, synchronously-queryable surface. Local sources write through
// immediately; external sources write optimistically into the cache and
// record an operation-log entry that the reconciliation worker drains
// against the real source.
package cachesrc

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holon-app/holon/predicate"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// Logger is the narrow logging surface cachesrc depends on, satisfied by
// *zap.SugaredLogger.
type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// ConflictNotice is emitted on the conflict channel whenever a reconciled
// write lands in StatusConflict, so the caller can surface it to the user.
type ConflictNotice struct {
	SourceName    string
	ItemID        string
	ServerVersion string
}

// Cached wraps a Source[T] with a local SQLite cache and operation log.
type Cached[T any] struct {
	mu     sync.Mutex
	db     *sql.DB
	src    source.Source[T]
	codec  value.Codec[T]
	schema value.Schema
	log    Logger
	clock  func() time.Time

	conflicts chan ConflictNotice
	notifier  notifier
}

// New builds a Cached[T] over src, creating its cache and operation-log
// tables if they do not already exist.
func New[T any](db *sql.DB, src source.Source[T], codec value.Codec[T], log Logger) (*Cached[T], error) {
	schema := codec.Schema()
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	c := &Cached[T]{
		db:        db,
		src:       src,
		codec:     codec,
		schema:    schema,
		log:       log,
		clock:     time.Now,
		conflicts: make(chan ConflictNotice, 32),
	}
	if err := c.ensureTables(); err != nil {
		return nil, err
	}
	return c, nil
}

// Conflicts returns the channel carrying conflict notices surfaced during
// reconciliation of this source.
func (c *Cached[T]) Conflicts() <-chan ConflictNotice { return c.conflicts }

func (c *Cached[T]) ensureTables() error {
	if _, err := c.db.Exec(c.schema.CreateTableSQL()); err != nil {
		return fmt.Errorf("cachesrc: create cache table: %w", err)
	}
	for _, stmt := range c.schema.IndexSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("cachesrc: create index: %w", err)
		}
	}
	if _, err := c.db.Exec(createOplogTableSQL(c.src.SourceName())); err != nil {
		return fmt.Errorf("cachesrc: create oplog table: %w", err)
	}
	if err := ensureCacheMetadataTable(context.Background(), c.db); err != nil {
		return fmt.Errorf("cachesrc: create cache_metadata table: %w", err)
	}
	return nil
}

// GetAll returns every cached item. Reads never touch the origin source
// synchronously; freshness comes from Sync and reconciliation.
func (c *Cached[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, c.schema.TableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return c.scanAll(rows)
}

// Query evaluates pred against the cache, pushing down to SQL when every
// leaf lens carries a SQL column and falling back to an in-memory scan
// otherwise (extensional equivalence, spec §4.1).
func (c *Cached[T]) Query(ctx context.Context, pred predicate.Predicate[T]) ([]T, error) {
	if sqlPred, ok := pred.ToSQL(); ok {
		q := fmt.Sprintf(`SELECT * FROM "%s" WHERE %s`, c.schema.TableName, sqlPred.Clause)
		rows, err := c.db.QueryContext(ctx, q, sqlPred.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return c.scanAll(rows)
	}

	all, err := c.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, item := range all {
		if pred.Test(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (c *Cached[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	pk, ok := c.schema.PrimaryKey()
	if !ok {
		var zero T
		return zero, false, fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" = ?`, c.schema.TableName, pk.Name), id)
	return c.scanOne(row)
}

// Insert adds item to the cache immediately. For a local source the
// write goes through synchronously; for an external source the row is
// optimistic and an oplog Create entry drives eventual creation upstream.
func (c *Cached[T]) Insert(ctx context.Context, item T) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src.IsLocal() {
		id, err := c.src.Insert(ctx, item)
		if err != nil {
			return "", err
		}
		// Re-read so the cache mirrors whatever the authoritative store
		// stamped on insert (generated ids, timestamps).
		if stored, ok, err := c.src.GetByID(ctx, id); err == nil && ok {
			item = stored
		}
		ent, err := c.codec.ToEntity(item)
		if err != nil {
			return "", err
		}
		if pk, ok := c.schema.PrimaryKey(); ok {
			ent.Fields[pk.Name] = value.String(id)
		}
		if err := c.upsertCacheRow(ctx, ent); err != nil {
			return "", err
		}
		c.notify(ctx, id, OpCreate)
		return id, nil
	}

	id := uuid.NewString()
	ent, err := c.codec.ToEntity(item)
	if err != nil {
		return "", err
	}
	pk, ok := c.schema.PrimaryKey()
	if !ok {
		return "", fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}
	ent.Fields[pk.Name] = value.String(id)
	if err := c.upsertCacheRow(ctx, ent); err != nil {
		return "", err
	}

	data, err := marshalEntity(ent)
	if err != nil {
		return "", err
	}
	if err := c.appendOp(ctx, id, OpCreate, data); err != nil {
		return "", err
	}
	c.notify(ctx, id, OpCreate)
	return id, nil
}

// Update applies updates to the cached row immediately and, for external
// sources, logs an oplog entry subject to coalescing.
func (c *Cached[T]) Update(ctx context.Context, id string, updates value.Updates) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok, err := c.readEntity(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return source.NotFound(nil)
	}
	next, err := updates.Apply(current, c.schema)
	if err != nil {
		return err
	}

	if c.src.IsLocal() {
		if err := c.src.Update(ctx, id, source.CodecUpdates[T]{Fields: updates, Codec: c.codec}); err != nil {
			return err
		}
		item, ok, err := c.src.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return source.NotFound(nil)
		}
		if err := c.replaceCacheRowFromItem(ctx, item); err != nil {
			return err
		}
		c.notify(ctx, id, OpUpdate)
		return nil
	}

	if err := c.upsertCacheRow(ctx, next); err != nil {
		return err
	}
	data, err := marshalUpdates(updates)
	if err != nil {
		return err
	}
	if err := c.appendOp(ctx, id, OpUpdate, data); err != nil {
		return err
	}
	c.notify(ctx, id, OpUpdate)
	return nil
}

// Delete removes the cached row immediately and, for external sources,
// logs an oplog entry subject to coalescing.
func (c *Cached[T]) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src.IsLocal() {
		if err := c.src.Delete(ctx, id); err != nil {
			return err
		}
		if err := c.deleteCacheRow(ctx, id); err != nil {
			return err
		}
		c.notify(ctx, id, OpDelete)
		return nil
	}

	if err := c.deleteCacheRow(ctx, id); err != nil {
		return err
	}
	if err := c.appendOp(ctx, id, OpDelete, nil); err != nil {
		return err
	}
	c.notify(ctx, id, OpDelete)
	return nil
}

func (c *Cached[T]) replaceCacheRowFromItem(ctx context.Context, item T) error {
	ent, err := c.codec.ToEntity(item)
	if err != nil {
		return err
	}
	return c.upsertCacheRow(ctx, ent)
}
