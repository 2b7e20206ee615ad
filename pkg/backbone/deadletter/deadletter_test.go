package deadletter_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func envelope(t *testing.T, meta map[string]string) *event.Envelope {
	t.Helper()
	env, err := event.FromFields(event.Fields{
		ID:            event.NewID(),
		Domain:        "billing",
		Type:          "system.invoice.issued",
		Version:       3,
		OccurredAt:    t0,
		CorrelationID: event.NewID(),
		Source:        "invoicer",
		Payload:       json.RawMessage(`{"amount":42}`),
		Meta:          meta,
	})
	require.NoError(t, err)
	return env
}

func entry(t *testing.T, class bberrors.Class, attempts int, seen time.Time) deadletter.Entry {
	t.Helper()
	return deadletter.Entry{
		Envelope:    envelope(t, nil),
		Class:       bberrors.New(class, "test", "boom", "failed"),
		Attempts:    attempts,
		FirstSeenAt: seen,
		LastSeenAt:  seen,
		QueueName:   "ledger",
	}
}

func TestEnqueueIsIdempotentPerEvent(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	base := entry(t, bberrors.ClassDependency, 1, t0)

	var wg sync.WaitGroup
	created := make(chan bool, 10)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(attempts int) {
			defer wg.Done()
			e := base
			e.Attempts = attempts
			e.LastSeenAt = t0.Add(time.Duration(attempts) * time.Second)
			ok, err := store.Enqueue(ctx, e)
			assert.NoError(t, err)
			created <- ok
		}(i)
	}
	wg.Wait()
	close(created)

	var n int
	for ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one enqueue creates the entry")

	got, err := store.Get(ctx, base.ID())
	require.NoError(t, err)
	assert.Equal(t, 10, got.Attempts)
	assert.Equal(t, t0, got.FirstSeenAt)
	assert.Equal(t, t0.Add(10*time.Second), got.LastSeenAt)

	all, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMergeKeepsFirstSeenAndLatestClass(t *testing.T) {
	a := entry(t, bberrors.ClassTransient, 5, t0)
	b := a
	b.Attempts = 2
	b.FirstSeenAt = t0.Add(time.Hour)
	b.LastSeenAt = t0.Add(time.Hour)
	b.Class = bberrors.New(bberrors.ClassTimeout, "test", "slow", "timed out")

	m := a.Merge(b)
	assert.Equal(t, 5, m.Attempts)
	assert.Equal(t, t0, m.FirstSeenAt)
	assert.Equal(t, t0.Add(time.Hour), m.LastSeenAt)
	assert.Equal(t, bberrors.ClassTimeout, m.Class.Class)
}

func TestReplayRaw(t *testing.T) {
	e := entry(t, bberrors.ClassDependency, 7, t0)
	e.Envelope = envelope(t, map[string]string{
		event.MetaViolations: "unknown_domain",
		"tenant":             "acme",
	})

	raw := e.ReplayRaw()
	assert.Equal(t, e.ID(), raw.CausationID)
	assert.Empty(t, raw.ID, "replay gets a fresh id")
	assert.Equal(t, event.Domain("billing"), raw.Domain)
	assert.Equal(t, "system.invoice.issued", raw.Type)
	assert.Equal(t, 3, raw.Version)
	assert.Equal(t, e.ID(), raw.Meta[event.MetaReplayOf])
	assert.Equal(t, "acme", raw.Meta["tenant"])
	assert.NotContains(t, raw.Meta, event.MetaViolations)

	payload, ok := raw.Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"amount":42}`, string(payload))
}

func TestClearReplayed(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	e := entry(t, bberrors.ClassTransient, 5, t0)
	_, err := store.Enqueue(ctx, e)
	require.NoError(t, err)

	cleared, err := store.ClearReplayed(ctx, e.ID(), "replay-1")
	require.NoError(t, err)
	assert.False(t, cleared, "nothing to clear on an unreplayed entry")

	require.NoError(t, store.MarkReplayed(ctx, e.ID(), "replay-1", t0.Add(time.Minute)))
	cleared, err = store.ClearReplayed(ctx, e.ID(), "replay-2")
	require.NoError(t, err)
	assert.False(t, cleared, "another replay's mark is left alone")

	cleared, err = store.ClearReplayed(ctx, e.ID(), "replay-1")
	require.NoError(t, err)
	assert.True(t, cleared)

	got, err := store.Get(ctx, e.ID())
	require.NoError(t, err)
	assert.False(t, got.Replayed())
	assert.Empty(t, got.ReplayEventID)
	require.NoError(t, store.MarkReplayed(ctx, e.ID(), "replay-2", t0.Add(2*time.Minute)))

	_, err = store.ClearReplayed(ctx, "missing", "x")
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestMarkReplayed(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	e := entry(t, bberrors.ClassTransient, 5, t0)
	_, err := store.Enqueue(ctx, e)
	require.NoError(t, err)

	require.NoError(t, store.MarkReplayed(ctx, e.ID(), "replay-1", t0.Add(time.Minute)))
	err = store.MarkReplayed(ctx, e.ID(), "replay-2", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)

	got, err := store.Get(ctx, e.ID())
	require.NoError(t, err)
	assert.True(t, got.Replayed())
	assert.Equal(t, "replay-1", got.ReplayEventID)

	assert.ErrorIs(t, store.MarkReplayed(ctx, "missing", "x", t0), deadletter.ErrNotFound)

	pending, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := store.List(ctx, deadletter.Filter{IncludeReplayed: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListFilterAndOrder(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	newer := entry(t, bberrors.ClassDependency, 7, t0.Add(time.Hour))
	older := entry(t, bberrors.ClassSecurity, 1, t0)
	other := entry(t, bberrors.ClassDependency, 7, t0.Add(30*time.Minute))
	other.QueueName = "search"
	for _, e := range []deadletter.Entry{newer, older, other} {
		_, err := store.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, older.ID(), all[0].ID())
	assert.Equal(t, other.ID(), all[1].ID())
	assert.Equal(t, newer.ID(), all[2].ID())

	deps, err := store.List(ctx, deadletter.Filter{Class: bberrors.ClassDependency, QueueName: "ledger"})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, newer.ID(), deps[0].ID())

	limited, err := store.List(ctx, deadletter.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	old, err := store.OlderThan(ctx, t0.Add(45*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	require.NoError(t, store.Delete(ctx, older.ID()))
	_, err = store.Get(ctx, older.ID())
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestStats(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	st, err := store.Stats(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, st.Depth)
	assert.Zero(t, st.OldestAge)

	a := entry(t, bberrors.ClassDependency, 7, t0)
	b := entry(t, bberrors.ClassTransient, 5, t0.Add(time.Minute))
	for _, e := range []deadletter.Entry{a, b} {
		_, err := store.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	st, err = store.Stats(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Depth)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 10*time.Minute, st.OldestAge)
	assert.Equal(t, 1, st.ByClass[bberrors.ClassDependency])

	require.NoError(t, store.MarkReplayed(ctx, a.ID(), "r", t0.Add(11*time.Minute)))
	st, err = store.Stats(ctx, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Depth)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 10*time.Minute, st.OldestAge)
}

type recordingMetrics struct {
	mu    sync.Mutex
	depth []int64
	age   []time.Duration
	observability.NoopMetrics
}

func (m *recordingMetrics) RecordDeadLetterBacklog(_ context.Context, depth int64, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = append(m.depth, depth)
	m.age = append(m.age, age)
}

func TestMonitorAlertsOncePerCrossing(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	sink := audit.NewMemorySink()
	metrics := &recordingMetrics{}
	now := t0

	mon := deadletter.NewMonitor(store,
		deadletter.MonitorConfig{AlertDepth: 2, AlertAge: -1, CheckInterval: time.Second},
		deadletter.WithAlerter(audit.SinkAlerter{Sink: sink}),
		deadletter.WithMetrics(metrics),
		deadletter.WithClock(func() time.Time { return now }),
	)

	e1 := entry(t, bberrors.ClassDependency, 7, t0)
	e2 := entry(t, bberrors.ClassDependency, 7, t0)
	_, err := store.Enqueue(ctx, e1)
	require.NoError(t, err)

	_, err = mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sink.Len())

	_, err = store.Enqueue(ctx, e2)
	require.NoError(t, err)
	for range 3 {
		_, err = mon.Check(ctx)
		require.NoError(t, err)
	}
	alerts := sink.ByKind(audit.KindDeadLetterBacklog)
	require.Len(t, alerts, 1)
	assert.Equal(t, "depth", alerts[0].Detail["trigger"])
	assert.Equal(t, "2", alerts[0].Detail["depth"])

	// Drop below, then cross again.
	require.NoError(t, store.MarkReplayed(ctx, e2.ID(), "r", now))
	_, err = mon.Check(ctx)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, entry(t, bberrors.ClassTransient, 5, t0))
	require.NoError(t, err)
	_, err = mon.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, sink.ByKind(audit.KindDeadLetterBacklog), 2)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 2, 2, 1, 2}, metrics.depth)
}

func TestMonitorAgeAlert(t *testing.T) {
	store := deadletter.NewMemoryStore()
	ctx := context.Background()
	sink := audit.NewMemorySink()
	now := t0

	mon := deadletter.NewMonitor(store,
		deadletter.MonitorConfig{AlertDepth: -1, AlertAge: time.Hour},
		deadletter.WithAlerter(audit.SinkAlerter{Sink: sink}),
		deadletter.WithClock(func() time.Time { return now }),
	)
	_, err := store.Enqueue(ctx, entry(t, bberrors.ClassDependency, 7, t0))
	require.NoError(t, err)

	_, err = mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sink.Len())

	now = t0.Add(2 * time.Hour)
	st, err := mon.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, st.OldestAge)
	alerts := sink.ByKind(audit.KindDeadLetterBacklog)
	require.Len(t, alerts, 1)
	assert.Equal(t, "age", alerts[0].Detail["trigger"])
}

func TestMonitorStartStop(t *testing.T) {
	store := deadletter.NewMemoryStore()
	metrics := &recordingMetrics{}
	mon := deadletter.NewMonitor(store,
		deadletter.MonitorConfig{CheckInterval: 5 * time.Millisecond},
		deadletter.WithMetrics(metrics),
	)
	mon.Start(context.Background())
	mon.Start(context.Background())

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return len(metrics.depth) >= 2
	}, time.Second, 5*time.Millisecond)

	mon.Stop()
	mon.Stop()
}
