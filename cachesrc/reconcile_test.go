package cachesrc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/source/outline"
	"github.com/holon-app/holon/value"
)

// conflictExternal rejects every update with Conflict while serving the
// server's own version of the row, the shape of §8 scenario 4.
type conflictExternal struct {
	*fakeExternal
	serverVersion string
}

func (c *conflictExternal) Update(ctx context.Context, id string, updates source.Updates[outline.Block]) error {
	return source.Conflict(c.serverVersion)
}

// §8 scenario 4: an offline queued update that the server rejects with a
// conflict reverts the cache to the server's state, parks the op in
// Conflict, and surfaces a conflict notice — never a false success.
func TestReconcileConflictRevertsCacheAndSurfacesNotice(t *testing.T) {
	db := openDB(t)
	ext := &conflictExternal{fakeExternal: newFakeExternal(), serverVersion: "v2"}
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed the server and the cache with the reconciled state, then
	// clear the create op so only the conflicting update remains.
	id, err := cached.Insert(ctx, outline.Block{Content: "server copy", SortKey: "a"})
	require.NoError(t, err)
	ext.items[id] = outline.Block{ID: id, Content: "server copy", SortKey: "a"}
	_, err = db.Exec(`DELETE FROM "oplog_blocks"`)
	require.NoError(t, err)

	require.NoError(t, cached.Update(ctx, id, value.Updates{}.Set("content", value.String("local edit"))))
	got, ok, err := cached.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "local edit", got.Content, "optimistic write must be visible before reconciliation")

	rec := cachesrc.NewReconciler(cached, 5*time.Millisecond, time.Hour)
	go rec.Run(ctx)
	defer rec.Stop()

	select {
	case notice := <-cached.Conflicts():
		require.Equal(t, id, notice.ItemID)
		require.Equal(t, "v2", notice.ServerVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conflict notice")
	}

	require.Eventually(t, func() bool {
		got, ok, err := cached.GetByID(ctx, id)
		return err == nil && ok && got.Content == "server copy"
	}, 2*time.Second, 10*time.Millisecond, "cache must revert to the server's state")

	var status int
	require.NoError(t, db.QueryRow(`SELECT status FROM "oplog_blocks" ORDER BY id DESC LIMIT 1`).Scan(&status))
	require.Equal(t, 4, status, "op must park in Conflict, not retry")
}

// transientExternal fails an update a fixed number of times before
// accepting it, exercising the retry classification.
type transientExternal struct {
	*fakeExternal
	failures int
}

func (te *transientExternal) Update(ctx context.Context, id string, updates source.Updates[outline.Block]) error {
	if te.failures > 0 {
		te.failures--
		return source.Network(nil)
	}
	return te.fakeExternal.Update(ctx, id, updates)
}

func TestReconcileRetriesTransientErrorsToSuccess(t *testing.T) {
	db := openDB(t)
	ext := &transientExternal{fakeExternal: newFakeExternal(), failures: 2}
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := cached.Insert(ctx, outline.Block{Content: "v1", SortKey: "a"})
	require.NoError(t, err)
	ext.items[id] = outline.Block{ID: id, Content: "v1", SortKey: "a"}
	_, err = db.Exec(`DELETE FROM "oplog_blocks"`)
	require.NoError(t, err)

	require.NoError(t, cached.Update(ctx, id, value.Updates{}.Set("content", value.String("v2"))))

	rec := cachesrc.NewReconciler(cached, 5*time.Millisecond, time.Hour)
	go rec.Run(ctx)
	defer rec.Stop()

	require.Eventually(t, func() bool {
		b, ok := ext.item(id)
		return ok && b.Content == "v2"
	}, 2*time.Second, 10*time.Millisecond, "transient failures must retry through to the origin")
}

// rejectingExternal permanently rejects every update, the terminal
// Validation leg of the write-path policy.
type rejectingExternal struct {
	*fakeExternal
}

func (r *rejectingExternal) Update(ctx context.Context, id string, updates source.Updates[outline.Block]) error {
	return source.Validation(nil)
}

// §7: optimistic cache writes roll back on terminal failure, and the
// op parks in Failed with retryable off.
func TestReconcileTerminalFailureRollsBackOptimisticWrite(t *testing.T) {
	db := openDB(t)
	ext := &rejectingExternal{fakeExternal: newFakeExternal()}
	codec := newOutlineCodec(t)
	cached, err := cachesrc.New[outline.Block](db, ext, codec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := cached.Insert(ctx, outline.Block{Content: "server copy", SortKey: "a"})
	require.NoError(t, err)
	ext.items[id] = outline.Block{ID: id, Content: "server copy", SortKey: "a"}
	_, err = db.Exec(`DELETE FROM "oplog_blocks"`)
	require.NoError(t, err)

	require.NoError(t, cached.Update(ctx, id, value.Updates{}.Set("content", value.String("rejected edit"))))

	rec := cachesrc.NewReconciler(cached, 5*time.Millisecond, time.Hour)
	go rec.Run(ctx)
	defer rec.Stop()

	require.Eventually(t, func() bool {
		got, ok, err := cached.GetByID(ctx, id)
		return err == nil && ok && got.Content == "server copy"
	}, 2*time.Second, 10*time.Millisecond, "terminal failure must roll the cache back to the server's state")

	var status, retryable int
	require.NoError(t, db.QueryRow(`SELECT status, retryable FROM "oplog_blocks" ORDER BY id DESC LIMIT 1`).Scan(&status, &retryable))
	require.Equal(t, 3, status)
	require.Equal(t, 0, retryable)
}
