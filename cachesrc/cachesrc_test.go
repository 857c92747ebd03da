package cachesrc_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/predicate"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/source/outline"
	"github.com/holon-app/holon/value"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newOutlineCodec(t *testing.T) value.Codec[outline.Block] {
	t.Helper()
	codec, err := value.NewCodec(outline.Schema(), outline.Lenses()...)
	require.NoError(t, err)
	return codec
}

func TestCachedLocalWriteThrough(t *testing.T) {
	db := openDB(t)
	store := outline.NewStore()
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, store, codec, nil)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := cached.Insert(ctx, outline.Block{Content: "first task", SortKey: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	all, err := cached.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "first task", all[0].Content)

	// The native store itself was written through, not just the cache.
	fromStore, ok, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first task", fromStore.Content)

	err = cached.Update(ctx, id, value.Updates{}.Set("checked", value.Boolean(true)))
	require.NoError(t, err)
	got, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Checked)

	require.NoError(t, cached.Delete(ctx, id))
	all, err = cached.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

// fakeExternal is a minimal eventually-consistent Source[Block] used only
// to exercise the optimistic write + oplog coalescing paths.
type fakeExternal struct {
	mu    sync.Mutex
	items map[string]outline.Block
}

func newFakeExternal() *fakeExternal { return &fakeExternal{items: make(map[string]outline.Block)} }

func (f *fakeExternal) SourceName() string { return "blocks" }
func (f *fakeExternal) IsLocal() bool      { return false }

func (f *fakeExternal) GetAll(ctx context.Context) ([]outline.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]outline.Block, 0, len(f.items))
	for _, b := range f.items {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeExternal) GetByID(ctx context.Context, id string) (outline.Block, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	return b, ok, nil
}

func (f *fakeExternal) Insert(ctx context.Context, item outline.Block) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = "server-1"
	}
	f.items[item.ID] = item
	return item.ID, nil
}

func (f *fakeExternal) Update(ctx context.Context, id string, updates source.Updates[outline.Block]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	if !ok {
		return source.NotFound(nil)
	}
	next, err := updates.Apply(b)
	if err != nil {
		return err
	}
	f.items[id] = next
	return nil
}

func (f *fakeExternal) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return source.NotFound(nil)
	}
	delete(f.items, id)
	return nil
}

func TestCachedExternalOptimisticWriteAndCoalescing(t *testing.T) {
	db := openDB(t)
	ext := newFakeExternal()
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := cached.Insert(ctx, outline.Block{Content: "draft", SortKey: "a"})
	require.NoError(t, err)

	// Cache is immediately queryable even though the external source has
	// not been reconciled yet.
	got, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "draft", got.Content)

	// Create+Update coalesces into one pending oplog row.
	require.NoError(t, cached.Update(ctx, id, value.Updates{}.Set("content", value.String("revised"))))
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "oplog_blocks"`).Scan(&count))
	require.Equal(t, 1, count)

	got, ok, err = cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "revised", got.Content)

	// Create+Delete cancels the pending operation entirely.
	require.NoError(t, cached.Delete(ctx, id))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "oplog_blocks"`).Scan(&count))
	require.Equal(t, 0, count)

	all, err := cached.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCachedQueryPushesDownIndexedLens(t *testing.T) {
	db := openDB(t)
	store := outline.NewStore()
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, store, codec, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.Insert(ctx, outline.Block{Content: "a", SortKey: "001"})
	require.NoError(t, err)
	_, err = cached.Insert(ctx, outline.Block{Content: "b", SortKey: "002"})
	require.NoError(t, err)

	sortKeyLens := outline.Lenses()[4] // "sort_key"
	pred := predicate.Eq(sortKeyLens, value.String("001"))
	matches, err := cached.Query(ctx, pred)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].Content)
}

// item is a lock-guarded read of one server-side row, for assertions
// that race a running reconciler.
func (f *fakeExternal) item(id string) (outline.Block, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.items[id]
	return b, ok
}
