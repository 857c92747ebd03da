package mview_test

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/holon-app/holon/mview"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE tasks (id TEXT PRIMARY KEY, content TEXT, completed INTEGER)`)
	require.NoError(t, err)
	return db
}

func insertTask(t *testing.T, db *sql.DB, id, content string, completed bool) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO tasks (id, content, completed) VALUES (?, ?, ?)`, id, content, completed)
	require.NoError(t, err)
}

func newSub(db *sql.DB) *mview.Subscription {
	q := mview.Query{
		SQL:          `SELECT id, content, completed FROM tasks`,
		RelationName: "tasks",
		Key:          mview.ColumnKey("id"),
	}
	return mview.New("sub-1", db, q,
		mview.WithIdleWindow(2*time.Millisecond),
		mview.WithPollInterval(20*time.Millisecond))
}

func TestSnapshotReturnsInitialRowsInSourceOrder(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)
	insertTask(t, db, "T2", "second", false)

	sub := newSub(db)
	rows, err := sub.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, mview.StateStreaming, sub.State())

	id0, _ := rows[0]["id"].Str()
	id1, _ := rows[1]["id"].Str()
	require.Equal(t, "T1", id0)
	require.Equal(t, "T2", id1)
}

func TestChangePropagationEmitsSingleUpdate(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)

	sub := newSub(db)
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	sub.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	_, err = db.Exec(`UPDATE tasks SET completed = 1 WHERE id = 'T1'`)
	require.NoError(t, err)
	sub.Notify("tasks", "T1", mview.TraceContext{}, false)

	select {
	case batch := <-sink.Out():
		require.Equal(t, "tasks", batch.Metadata.RelationName)
		require.Len(t, batch.Inner, 1)
		require.Equal(t, mview.Updated, batch.Inner[0].Kind)
		completed, _ := batch.Inner[0].Row["completed"].Int()
		require.Equal(t, int64(1), completed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CDC batch")
	}
}

func TestDeletePropagatesAsDeletedChange(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)

	sub := newSub(db)
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	sub.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	_, err = db.Exec(`DELETE FROM tasks WHERE id = 'T1'`)
	require.NoError(t, err)
	sub.Notify("tasks", "T1", mview.TraceContext{}, false)

	select {
	case batch := <-sink.Out():
		require.Len(t, batch.Inner, 1)
		require.Equal(t, mview.Deleted, batch.Inner[0].Kind)
		require.Equal(t, "T1", batch.Inner[0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CDC batch")
	}

	require.Empty(t, sub.Rows())
}

func TestCloseReleasesControllerWithinBoundedTime(t *testing.T) {
	db := openDB(t)
	sub := newSub(db)
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sub.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sub.Close(ctx))
	require.Equal(t, mview.StateClosed, sub.State())
	require.Empty(t, sub.Rows())
}

func TestInvalidateStopsFurtherBatches(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)

	sub := newSub(db)
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	sub.AddSink(sink)
	sub.Start(context.Background())

	sub.Invalidate()
	require.Equal(t, mview.StateInvalidated, sub.State())

	_, err = db.Exec(`UPDATE tasks SET completed = 1 WHERE id = 'T1'`)
	require.NoError(t, err)
	sub.Notify("tasks", "T1", mview.TraceContext{}, false)

	select {
	case <-sink.Out():
		t.Fatal("no batch should be emitted once invalidated")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnionQueryCarriesUIAndEntityName(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec(`CREATE TABLE projects (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO projects (id, name) VALUES ('P1', 'Inbox')`)
	require.NoError(t, err)
	insertTask(t, db, "T1", "first", false)

	q := mview.Query{
		SQL: `SELECT id, content AS name, 0 AS ui FROM tasks
UNION ALL
SELECT id, name, 1 AS ui FROM projects`,
		RelationName: "mixed",
		Key:          mview.ColumnKey("id"),
	}
	sub := mview.New("sub-union", db, q)
	rows, err := sub.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	uis := map[int64]bool{}
	for _, r := range rows {
		ui, ok := r["ui"].Int()
		require.True(t, ok)
		uis[ui] = true
	}
	require.True(t, uis[0])
	require.True(t, uis[1])
}

// TestIncrementalPathResolvesSingleRowWithoutFullRequery verifies the
// single-relation fast path: when the subscription carries an
// IncrementalFunc, a notified row is resolved directly and the full
// query never re-runs for that flush.
func TestIncrementalPathResolvesSingleRowWithoutFullRequery(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)

	var incrementalCalls int32
	q := mview.Query{
		SQL:          `SELECT id, content, completed FROM tasks`,
		RelationName: "tasks",
		Key:          mview.ColumnKey("id"),
		Incremental: func(ctx context.Context, table, id string) (mview.Row, bool, error) {
			atomic.AddInt32(&incrementalCalls, 1)
			rows, err := mview.FetchRows(ctx, db, `SELECT id, content, completed FROM tasks WHERE id = ?`, []interface{}{id})
			if err != nil {
				return nil, false, err
			}
			if len(rows) == 0 {
				return nil, false, nil
			}
			return rows[0], true, nil
		},
	}
	sub := mview.New("sub-inc", db, q,
		mview.WithIdleWindow(2*time.Millisecond),
		mview.WithPollInterval(10*time.Second)) // poll far away: only the fast path can deliver in time
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	sub.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	_, err = db.Exec(`UPDATE tasks SET completed = 1 WHERE id = 'T1'`)
	require.NoError(t, err)
	sub.Notify("tasks", "T1", mview.TraceContext{}, false)

	select {
	case batch := <-sink.Out():
		require.Len(t, batch.Inner, 1)
		require.Equal(t, mview.Updated, batch.Inner[0].Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for incremental batch")
	}
	require.Positive(t, atomic.LoadInt32(&incrementalCalls))
}

// TestIncrementalRowLeavingThePredicateEmitsDeleted covers the
// matches=false leg: a row that stops satisfying the query is a
// deletion, not a stale survivor.
func TestIncrementalRowLeavingThePredicateEmitsDeleted(t *testing.T) {
	db := openDB(t)
	insertTask(t, db, "T1", "first", false)

	q := mview.Query{
		SQL:          `SELECT id, content, completed FROM tasks WHERE completed = 0`,
		RelationName: "tasks",
		Key:          mview.ColumnKey("id"),
		Incremental: func(ctx context.Context, table, id string) (mview.Row, bool, error) {
			rows, err := mview.FetchRows(ctx, db, `SELECT id, content, completed FROM tasks WHERE completed = 0 AND id = ?`, []interface{}{id})
			if err != nil {
				return nil, false, err
			}
			if len(rows) == 0 {
				return nil, false, nil
			}
			return rows[0], true, nil
		},
	}
	sub := mview.New("sub-inc-del", db, q,
		mview.WithIdleWindow(2*time.Millisecond),
		mview.WithPollInterval(10*time.Second))
	_, err := sub.Snapshot(context.Background())
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	sub.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	_, err = db.Exec(`UPDATE tasks SET completed = 1 WHERE id = 'T1'`)
	require.NoError(t, err)
	sub.Notify("tasks", "T1", mview.TraceContext{}, false)

	select {
	case batch := <-sink.Out():
		require.Len(t, batch.Inner, 1)
		require.Equal(t, mview.Deleted, batch.Inner[0].Kind)
		require.Equal(t, "T1", batch.Inner[0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deletion batch")
	}
	require.Empty(t, sub.Rows())
}
