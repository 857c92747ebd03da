package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/holon-app/holon/cachesrc"
	"github.com/holon-app/holon/engine"
	"github.com/holon-app/holon/mview"
	"github.com/holon-app/holon/ops"
	"github.com/holon-app/holon/source/outline"
	"github.com/holon-app/holon/value"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "holon.db")
	e, err := engine.Init(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func registerOutline(t *testing.T, e *engine.Engine) *cachesrc.Cached[outline.Block] {
	t.Helper()
	e.RegisterSchema(outline.Schema())
	codec, err := value.NewCodec(outline.Schema(), outline.Lenses()...)
	require.NoError(t, err)
	cached, err := cachesrc.New[outline.Block](e.DB(), outline.NewStore(), codec, nil)
	require.NoError(t, err)
	engine.RegisterSource(e, cached)
	return cached
}

// TestQueryAndWatchReturnsInitialDataAndWiredSpec covers §8 scenario 1 at
// the façade boundary: a single-relation query returns its initial rows
// and a render spec ready for the client to draw.
func TestQueryAndWatchReturnsInitialDataAndWiredSpec(t *testing.T) {
	e := newTestEngine(t)
	cached := registerOutline(t, e)

	ctx := context.Background()
	_, err := cached.Insert(ctx, outline.Block{Content: "first", SortKey: "a"})
	require.NoError(t, err)
	_, err = cached.Insert(ctx, outline.Block{Content: "second", SortKey: "b"})
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	result, err := e.QueryAndWatch(ctx, `
from blocks
select {id, content, checked, sort_key}
render (row (bullet) (editable_text content:this.content))
`, sink)
	require.NoError(t, err)
	require.Len(t, result.InitialData, 2)
	require.NotNil(t, result.Spec.Root)
	require.Equal(t, "row", result.Spec.Root.Head)

	_ = e.Unwatch(ctx, result.Subscription.ID)
}

// TestQueryAndWatchPropagatesWriteAsBatch covers the CDC path end to end:
// a write against the registered source, fanned through the engine's wake
// channel, reaches the subscription's sink as a batch.
func TestQueryAndWatchPropagatesWriteAsBatch(t *testing.T) {
	e := newTestEngine(t)
	cached := registerOutline(t, e)

	ctx := context.Background()
	id, err := cached.Insert(ctx, outline.Block{Content: "first", SortKey: "a"})
	require.NoError(t, err)

	sink := mview.NewChannelSink(8)
	result, err := e.QueryAndWatch(ctx, `
from blocks
select {id, content, checked, sort_key}
`, sink, mview.WithIdleWindow(5*time.Millisecond), mview.WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, result.InitialData, 1)

	require.NoError(t, cached.Update(ctx, id, value.Updates{}.Set("checked", value.Boolean(true))))

	select {
	case batch := <-sink.Out():
		require.Len(t, batch.Inner, 1)
		require.Equal(t, mview.Updated, batch.Inner[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}

	_ = e.Unwatch(ctx, result.Subscription.ID)
}

// TestFindOperationsReflectsIntentFilter covers §8 scenario 3: a
// registered descriptor is returned only when the caller's params satisfy
// its intent key.
func TestFindOperationsReflectsIntentFilter(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterSchema(outline.Schema())

	indent := ops.Descriptor{
		Name:           "indent",
		EntityName:     "blocks",
		IDColumn:       "id",
		AffectedFields: []string{"parent_id"},
		ParamMappings: []ops.ParamMapping{{
			From:     "dropped_on_id",
			Provides: []string{"id"},
			Defaults: map[string]value.Value{"id": value.String("b1")},
		}},
		Handler: func(hc ops.HandlerContext) (ops.HandlerResult, error) {
			return ops.HandlerResult{}, nil
		},
	}
	rename := ops.Descriptor{
		Name:           "rename",
		EntityName:     "blocks",
		IDColumn:       "id",
		AffectedFields: []string{"content"},
		Handler: func(hc ops.HandlerContext) (ops.HandlerResult, error) {
			return ops.HandlerResult{}, nil
		},
	}
	require.NoError(t, e.Registry().Register(indent))
	require.NoError(t, e.Registry().Register(rename))

	none := e.FindOperations("blocks", map[string]value.Value{})
	require.Len(t, none, 2)

	withUnrelatedIntent := e.FindOperations("blocks", map[string]value.Value{"some_other_key": value.String("x")})
	require.Len(t, withUnrelatedIntent, 2)

	withIntent := e.FindOperations("blocks", map[string]value.Value{"dropped_on_id": value.String("parent-1")})
	require.Len(t, withIntent, 1)
	require.Equal(t, "indent", withIntent[0].Name)

	require.NoError(t, e.ExecuteOperation(context.Background(), "blocks", "indent",
		map[string]value.Value{"id": value.String("b1")}, trace.SpanContext{}))
}
