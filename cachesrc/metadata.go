package cachesrc

import (
	"context"
	"database/sql"
	"time"
)

// cacheMetadataTableSQL creates the single shared cache_metadata table
// named in the persisted state layout (§6): one row per entity id,
// tracking which external data source owns it, when it last synced, its
// conditional-fetch ETag, a canonical upstream URL, a coarse sync state,
// and any pending conflict payload.
const cacheMetadataTableSQL = `CREATE TABLE IF NOT EXISTS cache_metadata (
	id TEXT PRIMARY KEY,
	data_source TEXT NOT NULL,
	last_synced TEXT,
	etag TEXT NOT NULL DEFAULT '',
	canonical_url TEXT NOT NULL DEFAULT '',
	sync_state TEXT NOT NULL DEFAULT '',
	conflict_data TEXT NOT NULL DEFAULT ''
)`

// SyncState is the coarse cache_metadata.sync_state value.
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStatePending  SyncState = "pending"
	SyncStateConflict SyncState = "conflict"
)

// CacheMetadata is one cache_metadata row.
type CacheMetadata struct {
	ID           string
	DataSource   string
	LastSynced   time.Time
	HasLastSync  bool
	ETag         string
	CanonicalURL string
	SyncState    SyncState
	ConflictData string
}

func ensureCacheMetadataTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, cacheMetadataTableSQL)
	return err
}

// upsertCacheMetadata records or refreshes one item's sync bookkeeping.
func upsertCacheMetadata(ctx context.Context, db *sql.DB, m CacheMetadata) error {
	var lastSynced string
	if m.HasLastSync {
		lastSynced = m.LastSynced.UTC().Format(time.RFC3339Nano)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO cache_metadata
		(id, data_source, last_synced, etag, canonical_url, sync_state, conflict_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data_source = excluded.data_source,
			last_synced = excluded.last_synced,
			etag = excluded.etag,
			canonical_url = excluded.canonical_url,
			sync_state = excluded.sync_state,
			conflict_data = excluded.conflict_data`,
		m.ID, m.DataSource, lastSynced, m.ETag, m.CanonicalURL, string(m.SyncState), m.ConflictData)
	return err
}

// GetCacheMetadata looks up one item's sync bookkeeping row.
func GetCacheMetadata(ctx context.Context, db *sql.DB, id string) (CacheMetadata, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT id, data_source, last_synced, etag, canonical_url, sync_state, conflict_data
		FROM cache_metadata WHERE id = ?`, id)
	var m CacheMetadata
	var lastSynced, syncState sql.NullString
	if err := row.Scan(&m.ID, &m.DataSource, &lastSynced, &m.ETag, &m.CanonicalURL, &syncState, &m.ConflictData); err != nil {
		if err == sql.ErrNoRows {
			return CacheMetadata{}, false, nil
		}
		return CacheMetadata{}, false, err
	}
	m.SyncState = SyncState(syncState.String)
	if lastSynced.Valid && lastSynced.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSynced.String)
		if err != nil {
			return CacheMetadata{}, false, err
		}
		m.LastSynced, m.HasLastSync = t, true
	}
	return m, true, nil
}

// markSynced records a successful sync of id against this source.
func (c *Cached[T]) markSynced(ctx context.Context, id string, clock func() time.Time) {
	_ = upsertCacheMetadata(ctx, c.db, CacheMetadata{
		ID:          id,
		DataSource:  c.src.SourceName(),
		LastSynced:  clock(),
		HasLastSync: true,
		SyncState:   SyncStateSynced,
	})
}

// markConflict records that id is awaiting user conflict resolution.
func (c *Cached[T]) markConflict(ctx context.Context, id, conflictData string) {
	_ = upsertCacheMetadata(ctx, c.db, CacheMetadata{
		ID:         id,
		DataSource: c.src.SourceName(),
		SyncState:  SyncStateConflict,
		ConflictData: conflictData,
	})
}
