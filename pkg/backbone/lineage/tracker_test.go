package lineage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
)

func newEnvelope(t *testing.T, meta map[string]string) *event.Envelope {
	t.Helper()
	env, err := event.FromFields(event.Fields{
		ID:            event.NewID(),
		Domain:        "gate",
		Type:          "system.policy.evaluated",
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "placeholder",
		Payload:       []byte(`{}`),
		Meta:          meta,
	})
	require.NoError(t, err)
	return env
}

func newTracker() (*lineage.Tracker, *lineage.MemoryCache, *lineage.MemoryEdgeStore) {
	cache := lineage.NewMemoryCache(time.Minute, 0)
	edges := lineage.NewMemoryEdgeStore()
	return lineage.NewTracker(cache, edges, lineage.WithLogger(slog.New(slog.DiscardHandler))), cache, edges
}

func stampAndCommit(t *testing.T, tr *lineage.Tracker, env *event.Envelope, causationID string) (*event.Envelope, lineage.Edge) {
	t.Helper()
	ctx := context.Background()
	stamped, edge, err := tr.Stamp(ctx, env, causationID)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(ctx, edge))
	return stamped, edge
}

func TestStampRoot(t *testing.T) {
	tr, _, edges := newTracker()
	env := newEnvelope(t, nil)

	stamped, edge := stampAndCommit(t, tr, env, "")

	assert.Equal(t, env.ID(), stamped.CorrelationID())
	assert.Empty(t, stamped.CausationID())
	assert.Equal(t, lineage.RelationRoot, edge.Relation)
	assert.Empty(t, edge.ParentID)
	assert.Equal(t, 1, edges.Len())
}

func TestStampDerivedInheritsCorrelation(t *testing.T) {
	tr, _, _ := newTracker()

	root, _ := stampAndCommit(t, tr, newEnvelope(t, nil), "")
	child, childEdge := stampAndCommit(t, tr, newEnvelope(t, nil), root.ID())
	grandchild, _ := stampAndCommit(t, tr, newEnvelope(t, nil), child.ID())

	assert.Equal(t, root.ID(), child.CorrelationID())
	assert.Equal(t, root.ID(), child.CausationID())
	assert.Equal(t, lineage.RelationCaused, childEdge.Relation)
	assert.Equal(t, root.ID(), grandchild.CorrelationID())
	assert.Equal(t, child.ID(), grandchild.CausationID())

	chain, err := tr.Chain(context.Background(), root.ID())
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root.ID(), chain[0].ChildID)
	assert.Equal(t, grandchild.ID(), chain[2].ChildID)
}

func TestStampFallsBackToEdgeStoreAndRewarmsCache(t *testing.T) {
	tr, cache, _ := newTracker()
	ctx := context.Background()

	root, _ := stampAndCommit(t, tr, newEnvelope(t, nil), "")
	require.NoError(t, cache.Delete(ctx, root.ID()))

	child, _ := stampAndCommit(t, tr, newEnvelope(t, nil), root.ID())
	assert.Equal(t, root.ID(), child.CorrelationID())

	corr, ok, err := cache.Get(ctx, root.ID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, root.ID(), corr)
}

func TestStampUnresolvedBecomesRoot(t *testing.T) {
	tr, _, _ := newTracker()
	env := newEnvelope(t, nil)

	stamped, edge := stampAndCommit(t, tr, env, "0190a6a4-dead-7000-8000-000000000000")

	assert.Equal(t, env.ID(), stamped.CorrelationID())
	assert.Empty(t, stamped.CausationID())
	v, ok := stamped.Meta(event.MetaUnresolvedCausation)
	require.True(t, ok)
	assert.Equal(t, "0190a6a4-dead-7000-8000-000000000000", v)
	assert.Equal(t, lineage.RelationUnresolved, edge.Relation)
	assert.Equal(t, "0190a6a4-dead-7000-8000-000000000000", edge.ParentID)
}

func TestStampReplayRelation(t *testing.T) {
	tr, _, _ := newTracker()

	orig, _ := stampAndCommit(t, tr, newEnvelope(t, nil), "")
	replay := newEnvelope(t, map[string]string{event.MetaReplayOf: orig.ID()})
	stamped, edge := stampAndCommit(t, tr, replay, orig.ID())

	assert.Equal(t, lineage.RelationReplay, edge.Relation)
	assert.Equal(t, orig.ID(), stamped.CausationID())
	assert.Equal(t, orig.CorrelationID(), stamped.CorrelationID())
}

func TestStampDoesNotPersistUntilCommit(t *testing.T) {
	tr, cache, edges := newTracker()
	ctx := context.Background()

	_, edge, err := tr.Stamp(ctx, newEnvelope(t, nil), "")
	require.NoError(t, err)
	assert.Equal(t, 0, edges.Len())
	assert.Equal(t, 0, cache.Len())

	require.NoError(t, tr.Commit(ctx, edge))
	assert.Equal(t, 1, edges.Len())

	require.NoError(t, tr.Revoke(ctx, edge))
	assert.Equal(t, 0, edges.Len())
	_, ok, _ := cache.Get(ctx, edge.ChildID)
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := lineage.NewMemoryCache(20*time.Millisecond, 5*time.Millisecond)
	defer cache.Stop()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", "corr"))
	_, ok, _ := cache.Get(ctx, "a")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		return cache.Len() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok, _ = cache.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryEdgeStoreRejectsDuplicateChild(t *testing.T) {
	store := lineage.NewMemoryEdgeStore()
	ctx := context.Background()
	e := lineage.Edge{ChildID: "c", CorrelationID: "r", Relation: lineage.RelationCaused, ParentID: "r"}

	require.NoError(t, store.AppendEdge(ctx, e))
	other := e
	other.CorrelationID = "s"
	assert.ErrorIs(t, store.AppendEdge(ctx, other), lineage.ErrDuplicateEdge)

	got, ok, err := store.LookupEdge(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r", got.CorrelationID)

	chain, err := store.Chain(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	chain, err = store.Chain(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestTrackerKnown(t *testing.T) {
	tr, cache, edges := newTracker()
	ctx := context.Background()

	known, err := tr.Known(ctx, "a")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, edges.AppendEdge(ctx, lineage.Edge{ChildID: "a", CorrelationID: "a", Relation: lineage.RelationRoot}))
	known, err = tr.Known(ctx, "a")
	require.NoError(t, err)
	assert.True(t, known, "edge store hit")

	require.NoError(t, cache.Set(ctx, "b", "a"))
	known, err = tr.Known(ctx, "b")
	require.NoError(t, err)
	assert.True(t, known, "cache hit")
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("BACKBONE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BACKBONE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	cache := lineage.NewRedisCache(client, time.Minute, "backbone:test:")
	id := event.NewID()

	_, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, id, "corr-1"))
	corr, ok, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "corr-1", corr)

	require.NoError(t, cache.Delete(ctx, id))
	_, ok, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
