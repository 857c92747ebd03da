package cachesrc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/source/outline"
)

// etagExternal serves a fixed item set behind a conditional fetch.
type etagExternal struct {
	*fakeExternal
	etag    string
	fetches int
}

func (e *etagExternal) FetchAllWithETag(ctx context.Context, etag string) (source.FetchResult[outline.Block], error) {
	e.fetches++
	if etag == e.etag && etag != "" {
		return source.FetchResult[outline.Block]{NotModified: true}, nil
	}
	items, err := e.GetAll(ctx)
	if err != nil {
		return source.FetchResult[outline.Block]{}, err
	}
	return source.FetchResult[outline.Block]{Items: items, ETag: e.etag}, nil
}

func TestSyncUpsertsAndPrunesFromOrigin(t *testing.T) {
	db := openDB(t)
	ext := newFakeExternal()
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ext.items["S1"] = outline.Block{ID: "S1", Content: "from server", SortKey: "a"}
	require.NoError(t, cached.Sync(ctx))

	got, ok, err := cached.GetByID(ctx, "S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "from server", got.Content)

	// The origin drops the row; the next sync prunes it from the cache.
	delete(ext.items, "S1")
	require.NoError(t, cached.Sync(ctx))
	_, ok, err = cached.GetByID(ctx, "S1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSyncDoesNotClobberPendingLocalWrites(t *testing.T) {
	db := openDB(t)
	ext := newFakeExternal()
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// An optimistic local create the origin has never seen.
	id, err := cached.Insert(ctx, outline.Block{Content: "local only", SortKey: "a"})
	require.NoError(t, err)

	require.NoError(t, cached.Sync(ctx))

	got, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok, "a pending create must survive a sync that does not know it")
	require.Equal(t, "local only", got.Content)
}

func TestSyncHonorsNotModified(t *testing.T) {
	db := openDB(t)
	ext := &etagExternal{fakeExternal: newFakeExternal(), etag: "e1"}
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ext.items["S1"] = outline.Block{ID: "S1", Content: "v1", SortKey: "a"}
	require.NoError(t, cached.Sync(ctx))
	_, ok, err := cached.GetByID(ctx, "S1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second sync presents the stored ETag and short-circuits; the row
	// must survive untouched even though no items were returned.
	require.NoError(t, cached.Sync(ctx))
	require.Equal(t, 2, ext.fetches)
	got, ok, err := cached.GetByID(ctx, "S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", got.Content)
}
