package cachesrc

import (
	"context"
	"fmt"

	"github.com/holon-app/holon/source"
)

// Sync pulls the origin source's current item set into the cache,
// preferring a conditional ETag fetch when the source implements
// source.ETagFetcher and recording the returned ETag in cache_metadata.
// Rows the origin reports are upserted; cached rows it no longer
// reports are deleted — except rows a pending oplog entry still owns,
// since an unreconciled local write must not be clobbered by a poll
// that raced it.
func (c *Cached[T]) Sync(ctx context.Context) error {
	var items []T
	etagKey := "source:" + c.src.SourceName()

	if f, ok := any(c.src).(source.ETagFetcher[T]); ok {
		prevETag := ""
		if m, found, err := GetCacheMetadata(ctx, c.db, etagKey); err == nil && found {
			prevETag = m.ETag
		}
		res, err := f.FetchAllWithETag(ctx, prevETag)
		if err != nil {
			return err
		}
		if res.NotModified {
			return nil
		}
		items = res.Items
		_ = upsertCacheMetadata(ctx, c.db, CacheMetadata{
			ID:          etagKey,
			DataSource:  c.src.SourceName(),
			LastSynced:  c.clock(),
			HasLastSync: true,
			ETag:        res.ETag,
			SyncState:   SyncStateSynced,
		})
	} else {
		all, err := c.src.GetAll(ctx)
		if err != nil {
			return err
		}
		items = all
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pk, ok := c.schema.PrimaryKey()
	if !ok {
		return fmt.Errorf("cachesrc: schema %q has no primary key", c.schema.TableName)
	}

	pending, err := c.pendingItemIDs(ctx)
	if err != nil {
		return err
	}
	existing, err := c.cachedIDs(ctx, pk.Name)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		ent, err := c.codec.ToEntity(item)
		if err != nil {
			return err
		}
		id, _ := ent.Fields[pk.Name].Str()
		if id == "" {
			continue
		}
		seen[id] = true
		if pending[id] {
			continue
		}
		if err := c.upsertCacheRow(ctx, ent); err != nil {
			return err
		}
		if existing[id] {
			c.notify(ctx, id, OpUpdate)
		} else {
			c.notify(ctx, id, OpCreate)
		}
	}

	for id := range existing {
		if seen[id] || pending[id] {
			continue
		}
		if err := c.deleteCacheRow(ctx, id); err != nil {
			return err
		}
		c.notify(ctx, id, OpDelete)
	}
	return nil
}

func (c *Cached[T]) pendingItemIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, pendingOplogSQL(c.src.SourceName()), uint8(StatusPending), uint8(StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out[e.ItemID] = true
	}
	return out, rows.Err()
}

func (c *Cached[T]) cachedIDs(ctx context.Context, pkCol string) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT "%s" FROM "%s"`, pkCol, c.schema.TableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
