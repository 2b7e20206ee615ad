package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/bus"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

const waitFor = 2 * time.Second

func fastPolicies() *bberrors.PolicyTable {
	return bberrors.NewPolicyTable(map[bberrors.Class]bberrors.Policy{
		bberrors.ClassTransient: {MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	})
}

func newBus(t *testing.T, opts ...bus.Option) *bus.Bus {
	t.Helper()
	fast := pipeline.Config{FlushInterval: time.Millisecond, PollInterval: time.Hour}
	base := []bus.Option{
		bus.WithPolicies(fastPolicies()),
		bus.WithPipelineConfig(pipeline.KindIngest, fast),
		bus.WithPipelineConfig(pipeline.KindProducer, fast),
	}
	b, err := bus.New(append(base, opts...)...)
	require.NoError(t, err)
	return b
}

func startBus(t *testing.T, opts ...bus.Option) *bus.Bus {
	t.Helper()
	b := newBus(t, opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

// collector is a consumer that records what it receives.
type collector struct {
	mu   sync.Mutex
	envs []*event.Envelope
	ch   chan *event.Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan *event.Envelope, 64)}
}

func (c *collector) Handle(_ context.Context, env *event.Envelope) pipeline.Result {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- env
	return pipeline.Ack()
}

func (c *collector) next(t *testing.T) *event.Envelope {
	t.Helper()
	select {
	case env := <-c.ch:
		return env
	case <-time.After(waitFor):
		t.Fatal("no delivery")
		return nil
	}
}

func policyRaw() event.Raw {
	return event.Raw{
		Domain:  "system",
		Type:    "system.policy.evaluated",
		Source:  "policy-engine",
		Payload: map[string]any{"policy": "retention", "allowed": true},
	}
}

func requireClass(t *testing.T, err error, class bberrors.Class, code string) *bberrors.ErrorClass {
	t.Helper()
	require.Error(t, err)
	ec, ok := bberrors.AsClass(err)
	require.True(t, ok, "error %v is not an ErrorClass", err)
	assert.Equal(t, class, ec.Class)
	if code != "" {
		assert.Equal(t, code, ec.Code)
	}
	return ec
}

func TestPublishRootEvent(t *testing.T) {
	edges := lineage.NewMemoryEdgeStore()
	b := startBus(t, bus.WithEdgeStore(edges))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "policy-log", Handler: c}))

	env, err := b.Publish(context.Background(), policyRaw())
	require.NoError(t, err)

	assert.True(t, env.IsRoot())
	assert.Empty(t, env.CausationID())
	assert.Equal(t, env.ID(), env.CorrelationID())
	assert.Equal(t, 1, env.Version())

	edge, ok, err := b.Edge(context.Background(), env.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lineage.RelationRoot, edge.Relation)
	assert.Empty(t, edge.ParentID)

	got := c.next(t)
	assert.Equal(t, env.ID(), got.ID())
}

func TestPublishDerivedKeepsCorrelation(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	root, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)

	childRaw := policyRaw()
	childRaw.Type = "system.policy.enforced"
	childRaw.CausationID = root.ID()
	child, err := b.Publish(ctx, childRaw)
	require.NoError(t, err)

	grandRaw := policyRaw()
	grandRaw.Type = "system.policy.audited"
	grandRaw.CausationID = child.ID()
	grand, err := b.Publish(ctx, grandRaw)
	require.NoError(t, err)

	assert.Equal(t, root.ID(), child.CausationID())
	assert.Equal(t, root.CorrelationID(), child.CorrelationID())
	assert.Equal(t, child.ID(), grand.CausationID())
	assert.Equal(t, root.CorrelationID(), grand.CorrelationID())

	chain, err := b.Lineage(ctx, root.CorrelationID())
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, lineage.RelationRoot, chain[0].Relation)
	assert.Equal(t, lineage.RelationCaused, chain[1].Relation)
	assert.Equal(t, root.ID(), chain[1].ParentID)
	assert.Equal(t, lineage.RelationCaused, chain[2].Relation)
}

func TestPublishUnresolvedCauseBecomesRoot(t *testing.T) {
	b := startBus(t)
	missing := event.NewID()

	raw := policyRaw()
	raw.CausationID = missing
	env, err := b.Publish(context.Background(), raw)
	require.NoError(t, err)

	assert.True(t, env.IsRoot())
	assert.Equal(t, env.ID(), env.CorrelationID())
	v, ok := env.Meta(event.MetaUnresolvedCausation)
	require.True(t, ok)
	assert.Equal(t, missing, v)

	edge, ok, err := b.Edge(context.Background(), env.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lineage.RelationUnresolved, edge.Relation)
}

func TestPublishStrictRejectsUnknownCategory(t *testing.T) {
	edges := lineage.NewMemoryEdgeStore()
	b := startBus(t, bus.WithEdgeStore(edges))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "all", Handler: c}))

	env, err := b.Publish(context.Background(), event.Raw{
		Domain:  "system",
		Type:    "bogus.nonsense",
		Payload: map[string]any{},
	})
	assert.Nil(t, env)
	requireClass(t, err, bberrors.ClassValidation, event.CodeUnknownCategory)
	assert.Zero(t, edges.Len())

	select {
	case got := <-c.ch:
		t.Fatalf("rejected event delivered: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishProductionModeAudits(t *testing.T) {
	sink := audit.NewMemorySink()
	b := startBus(t, bus.WithMode(event.ModeProduction), bus.WithAuditSink(sink))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "all", Handler: c}))

	_, err := b.Publish(context.Background(), event.Raw{
		Domain:  "system",
		Type:    "bogus.nonsense",
		Source:  "cron",
		Payload: map[string]any{},
	})
	requireClass(t, err, bberrors.ClassValidation, "")

	records := sink.ByKind(audit.KindValidationRejected)
	require.Len(t, records, 1)
	assert.Equal(t, "bogus.nonsense", records[0].Type)
	assert.Equal(t, "production", records[0].Detail["mode"])

	select {
	case got := <-c.ch:
		t.Fatalf("rejected event delivered: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsDuplicateID(t *testing.T) {
	edges := lineage.NewMemoryEdgeStore()
	sink := audit.NewMemorySink()
	b := startBus(t, bus.WithEdgeStore(edges), bus.WithMode(event.ModeProduction), bus.WithAuditSink(sink))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "all", Handler: c}))
	ctx := context.Background()

	raw := policyRaw()
	raw.ID = event.NewID()
	first, err := b.Publish(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, raw.ID, c.next(t).ID())

	root, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)
	c.next(t)

	again := policyRaw()
	again.ID = raw.ID
	again.CausationID = root.ID()
	again.Payload = map[string]any{"policy": "retention", "allowed": false}
	env, err := b.Publish(ctx, again)
	assert.Nil(t, env)
	requireClass(t, err, bberrors.ClassValidation, event.CodeDuplicateID)

	edge, ok, err := b.Edge(ctx, first.ID())
	require.NoError(t, err)
	require.True(t, ok, "the accepted event keeps its edge")
	assert.Equal(t, lineage.RelationRoot, edge.Relation)
	assert.Empty(t, edge.ParentID)
	assert.Equal(t, 2, edges.Len())

	records := sink.ByKind(audit.KindValidationRejected)
	require.Len(t, records, 1)
	assert.Equal(t, event.CodeDuplicateID, records[0].Class.Code)

	select {
	case got := <-c.ch:
		t.Fatalf("duplicate delivered: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDuplicateIDConcurrent(t *testing.T) {
	edges := lineage.NewMemoryEdgeStore()
	b := startBus(t, bus.WithEdgeStore(slowEdges{edges, 20 * time.Millisecond}))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "all", Handler: c}))

	raw := policyRaw()
	raw.ID = event.NewID()

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Publish(context.Background(), raw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		requireClass(t, err, bberrors.ClassValidation, event.CodeDuplicateID)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, edges.Len())

	assert.Equal(t, raw.ID, c.next(t).ID())
	select {
	case got := <-c.ch:
		t.Fatalf("duplicate delivered: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// slowEdges delays edge writes to widen the window between validation and
// commit.
type slowEdges struct {
	lineage.EdgeStore
	delay time.Duration
}

func (s slowEdges) AppendEdge(ctx context.Context, e lineage.Edge) error {
	time.Sleep(s.delay)
	return s.EdgeStore.AppendEdge(ctx, e)
}

func TestPublishPermissiveAcceptsWithViolations(t *testing.T) {
	b := startBus(t, bus.WithMode(event.ModePermissive))
	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "all", Handler: c}))

	env, err := b.Publish(context.Background(), event.Raw{
		Domain:  "system",
		Type:    "bogus.nonsense",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	v, ok := env.Meta(event.MetaViolations)
	require.True(t, ok)
	assert.Contains(t, v, event.CodeUnknownCategory)
	assert.Equal(t, env.ID(), c.next(t).ID())
}

func TestPublishMapMalformed(t *testing.T) {
	b := startBus(t)
	_, err := b.PublishMap(context.Background(), map[string]any{
		"domain": "system",
		"type":   42,
	})
	requireClass(t, err, bberrors.ClassValidation, event.CodeMalformedInput)

	env, err := b.PublishMap(context.Background(), map[string]any{
		"domain":  "system",
		"type":    "system.policy.evaluated",
		"payload": map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "system.policy.evaluated", env.Type())
}

func TestPublishBeforeStartRevokesEdge(t *testing.T) {
	edges := lineage.NewMemoryEdgeStore()
	b := newBus(t, bus.WithEdgeStore(edges))

	_, err := b.Publish(context.Background(), policyRaw())
	requireClass(t, err, bberrors.ClassDependency, "not_started")
	assert.Zero(t, edges.Len())
}

func TestPublishFailureDoesNotCommitVersion(t *testing.T) {
	versions := event.NewVersionTracker()
	b := newBus(t, bus.WithVersionTracker(versions))

	raw := policyRaw()
	raw.Version = 5
	_, err := b.Publish(context.Background(), raw)
	requireClass(t, err, bberrors.ClassDependency, "not_started")
	assert.Zero(t, versions.Last(raw.Domain, raw.Type))

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	raw.Version = 2
	env, err := b.Publish(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Version())
	assert.Equal(t, 2, versions.Last(raw.Domain, raw.Type))
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := newBus(t)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Publish(context.Background(), policyRaw())
	requireClass(t, err, bberrors.ClassDependency, "stopped")
}

func TestPublishRoutesByDeliveryTier(t *testing.T) {
	journal := pipeline.NewMemoryJournal()
	b := startBus(t, bus.WithJournal(journal))
	ctx := context.Background()

	realtime := newCollector()
	ingest := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindRealtime, pipeline.Consumer{Name: "ui-socket", Handler: realtime}))
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "archive", Handler: ingest}))

	ui, err := b.Publish(ctx, event.Raw{Domain: "ui", Type: "ui.toast.shown", Payload: map[string]any{"text": "saved"}})
	require.NoError(t, err)
	assert.Equal(t, ui.ID(), realtime.next(t).ID())

	rec, err := b.Publish(ctx, event.Raw{Domain: "audit", Type: "audit.login.succeeded", Payload: map[string]any{"user": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID(), ingest.next(t).ID())
	assert.Equal(t, 1, journal.Len(), "durable category is journaled before Publish returns")

	select {
	case got := <-ingest.ch:
		t.Fatalf("realtime event reached ingest consumer: %s", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishCrossDomain(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterCategory(event.Category{Name: "billing", Owner: "billing", Delivery: event.DeliveryStandard}))

	c := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindCrossDomain, pipeline.Consumer{
		Name:       "shipping-invoices",
		HomeDomain: "shipping",
		Domains:    []event.Domain{"billing"},
		Handler:    c,
	}))

	env, err := b.Publish(ctx, event.Raw{Domain: "billing", Type: "billing.invoice.issued", Payload: map[string]any{"amount": 10}})
	require.NoError(t, err)
	assert.Equal(t, env.ID(), c.next(t).ID())

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Fanout, 1)
	assert.Equal(t, event.Domain("billing"), stats.Fanout[0].Source)
	assert.Equal(t, event.Domain("shipping"), stats.Fanout[0].Target)
}

func TestReloadTaxonomy(t *testing.T) {
	b := startBus(t)
	ctx := context.Background()

	raw := event.Raw{Domain: "billing", Type: "billing.invoice.issued", Payload: map[string]any{}}
	_, err := b.Publish(ctx, raw)
	requireClass(t, err, bberrors.ClassValidation, "")

	tax, err := event.NewTaxonomy([]event.Category{
		{Name: "billing", Owner: "billing", Delivery: event.DeliveryStandard},
	})
	require.NoError(t, err)
	before := b.Taxonomy().Version()
	require.NoError(t, b.ReloadTaxonomy(tax))
	assert.Greater(t, b.Taxonomy().Version(), before)

	_, err = b.Publish(ctx, raw)
	require.NoError(t, err)
}

// flaky fails every event that is not a replay.
type flaky struct {
	*collector
}

func (f *flaky) Handle(ctx context.Context, env *event.Envelope) pipeline.Result {
	if _, ok := env.Meta(event.MetaReplayOf); !ok {
		return pipeline.Fatal(errors.New("ledger rejected entry"))
	}
	return f.collector.Handle(ctx, env)
}

func deadLettered(t *testing.T, store deadletter.Store, id string) deadletter.Entry {
	t.Helper()
	var entry deadletter.Entry
	require.Eventually(t, func() bool {
		e, err := store.Get(context.Background(), id)
		entry = e
		return err == nil
	}, waitFor, 5*time.Millisecond)
	return entry
}

func TestReplay(t *testing.T) {
	store := deadletter.NewMemoryStore()
	b := startBus(t, bus.WithDeadLetters(store))
	ctx := context.Background()

	f := &flaky{newCollector()}
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "ledger", Handler: f}))

	original, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)
	entry := deadLettered(t, store, original.ID())
	assert.Equal(t, "ingest/ledger", entry.QueueName)

	replay, err := b.Replay(ctx, original.ID())
	require.NoError(t, err)

	assert.NotEqual(t, original.ID(), replay.ID())
	assert.Equal(t, original.ID(), replay.CausationID())
	assert.Equal(t, original.CorrelationID(), replay.CorrelationID())
	assert.Equal(t, original.Version(), replay.Version())
	assert.JSONEq(t, string(original.Payload()), string(replay.Payload()))

	edge, ok, err := b.Edge(ctx, replay.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lineage.RelationReplay, edge.Relation)
	assert.Equal(t, original.ID(), edge.ParentID)

	assert.Equal(t, replay.ID(), f.next(t).ID())

	marked, err := store.Get(ctx, original.ID())
	require.NoError(t, err)
	assert.True(t, marked.Replayed())
	assert.Equal(t, replay.ID(), marked.ReplayEventID)

	_, err = b.Replay(ctx, original.ID())
	assert.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)

	_, err = b.Replay(ctx, event.NewID())
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestReplayConcurrentPublishesOnce(t *testing.T) {
	store := deadletter.NewMemoryStore()
	edges := lineage.NewMemoryEdgeStore()
	b := startBus(t, bus.WithDeadLetters(store), bus.WithEdgeStore(slowEdges{edges, 20 * time.Millisecond}))
	ctx := context.Background()

	f := &flaky{newCollector()}
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "ledger", Handler: f}))

	original, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)
	deadLettered(t, store, original.ID())

	const n = 4
	type result struct {
		env *event.Envelope
		err error
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := b.Replay(ctx, original.ID())
			results <- result{env, err}
		}()
	}
	wg.Wait()
	close(results)

	var replay *event.Envelope
	for r := range results {
		if r.err != nil {
			assert.ErrorIs(t, r.err, deadletter.ErrAlreadyReplayed)
			continue
		}
		require.Nil(t, replay, "more than one replay succeeded")
		replay = r.env
	}
	require.NotNil(t, replay)

	assert.Equal(t, replay.ID(), f.next(t).ID())
	select {
	case got := <-f.ch:
		t.Fatalf("second replay delivered: %s", got)
	case <-time.After(50 * time.Millisecond):
	}

	chain, err := b.Lineage(ctx, original.CorrelationID())
	require.NoError(t, err)
	assert.Len(t, chain, 2, "the original and a single replay")

	marked, err := store.Get(ctx, original.ID())
	require.NoError(t, err)
	assert.Equal(t, replay.ID(), marked.ReplayEventID)
}

func TestReplayFailureReleasesEntry(t *testing.T) {
	store := deadletter.NewMemoryStore()
	b := startBus(t, bus.WithDeadLetters(store))
	ctx := context.Background()

	f := &flaky{newCollector()}
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "ledger", Handler: f}))

	original, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)
	deadLettered(t, store, original.ID())
	require.NoError(t, b.Close(ctx))

	_, err = b.Replay(ctx, original.ID())
	requireClass(t, err, bberrors.ClassDependency, "stopped")

	entry, err := store.Get(ctx, original.ID())
	require.NoError(t, err)
	assert.False(t, entry.Replayed(), "a failed replay leaves the entry replayable")
	assert.Empty(t, entry.ReplayEventID)
}

func TestReplayMovesToCurrentVersion(t *testing.T) {
	store := deadletter.NewMemoryStore()
	b := startBus(t, bus.WithDeadLetters(store))
	ctx := context.Background()

	f := &flaky{newCollector()}
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "ledger", Handler: f}))

	raw := policyRaw()
	raw.Version = 1
	original, err := b.Publish(ctx, raw)
	require.NoError(t, err)
	deadLettered(t, store, original.ID())

	raw.Version = 2
	newer, err := b.Publish(ctx, raw)
	require.NoError(t, err)
	deadLettered(t, store, newer.ID())

	replay, err := b.Replay(ctx, original.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Version())
	v, _ := replay.Meta(bus.MetaReplayOriginalVersion)
	assert.Equal(t, "1", v)
}

func TestSchedule(t *testing.T) {
	outbox := pipeline.NewMemoryOutbox()
	b := startBus(t, bus.WithOutbox(outbox))
	ctx := context.Background()

	producer := newCollector()
	require.NoError(t, b.RegisterConsumer(pipeline.KindProducer, pipeline.Consumer{Name: "scheduler-log", Handler: producer}))

	later, err := b.Schedule(ctx, policyRaw(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	due, err := b.Schedule(ctx, policyRaw(), time.Time{})
	require.NoError(t, err)

	n, err := b.Engine().PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := producer.next(t)
	rec, err := outbox.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusEmitted, rec.Status)
	assert.Equal(t, got.ID(), rec.EventID)

	rec, err = outbox.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, rec.Status)
}

func TestScheduleInvalidFailsAtEmission(t *testing.T) {
	outbox := pipeline.NewMemoryOutbox()
	b := startBus(t, bus.WithOutbox(outbox))
	ctx := context.Background()

	rec, err := b.Schedule(ctx, event.Raw{Domain: "system", Type: "bogus.nonsense", Payload: map[string]any{}}, time.Time{})
	require.NoError(t, err)

	_, err = b.Engine().PollOnce(ctx)
	require.NoError(t, err)

	got, err := outbox.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, event.CodeUnknownCategory)
}

func TestScheduleReplay(t *testing.T) {
	store := deadletter.NewMemoryStore()
	outbox := pipeline.NewMemoryOutbox()
	b := startBus(t, bus.WithDeadLetters(store), bus.WithOutbox(outbox))
	ctx := context.Background()

	f := &flaky{newCollector()}
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "ledger", Handler: f}))

	original, err := b.Publish(ctx, policyRaw())
	require.NoError(t, err)
	deadLettered(t, store, original.ID())

	rec, err := b.ScheduleReplay(ctx, original.ID(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ReasonReplay, rec.Reason)

	n, err := b.Engine().PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	replay := f.next(t)
	assert.Equal(t, original.ID(), replay.CausationID())

	marked, err := store.Get(ctx, original.ID())
	require.NoError(t, err)
	assert.Equal(t, replay.ID(), marked.ReplayEventID)

	_, err = b.ScheduleReplay(ctx, original.ID(), time.Time{})
	assert.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)
}

func TestStats(t *testing.T) {
	b := startBus(t, bus.WithMode(event.ModePermissive))
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "archive", Handler: newCollector()}))

	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "permissive", stats.Mode)
	assert.Equal(t, b.Taxonomy().Version(), stats.TaxonomyVersion)
	require.Len(t, stats.Consumers, 1)
	assert.Equal(t, "archive", stats.Consumers[0].Name)
	assert.Zero(t, stats.DeadLetters.Depth)
	assert.Len(t, stats.Restarts, len(pipeline.Kinds()))
}
