package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

func pipelineDomain(s string) event.Domain { return event.Domain(s) }

func TestOutboxRecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	raw := event.Raw{
		Domain:      "gate",
		Type:        "system.digest.due",
		CausationID: "cause",
		Payload:     map[string]int{"n": 1},
		Meta:        map[string]string{"k": "v"},
	}
	rec, err := pipeline.NewOutboxRecord(pipeline.ReasonScheduled, raw, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, rec.Status)
	assert.Equal(t, now, rec.DueAt, "zero due time means now")
	assert.JSONEq(t, `{"n":1}`, string(rec.Payload))

	back := rec.Raw()
	assert.Equal(t, raw.Domain, back.Domain)
	assert.Equal(t, raw.Type, back.Type)
	assert.Equal(t, "cause", back.CausationID)
	assert.Equal(t, json.RawMessage(`{"n":1}`), back.Payload)

	_, err = pipeline.NewOutboxRecord(pipeline.ReasonScheduled, event.Raw{Payload: make(chan int)}, now, now)
	assert.Error(t, err)
}

func TestMemoryOutboxDueOrdering(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	box := pipeline.NewMemoryOutbox()

	mk := func(due time.Time) pipeline.OutboxRecord {
		rec, err := pipeline.NewOutboxRecord(pipeline.ReasonScheduled, event.Raw{Domain: "gate", Type: "system.x.y"}, due, now)
		require.NoError(t, err)
		require.NoError(t, box.Put(ctx, rec))
		return rec
	}
	later := mk(now.Add(time.Minute))
	first := mk(now.Add(-time.Minute))
	second := mk(now)

	due, err := box.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].ID)
	assert.Equal(t, second.ID, due[1].ID)

	require.NoError(t, box.MarkEmitted(ctx, first.ID, "evt-1", now))
	require.NoError(t, box.MarkFailed(ctx, second.ID, "boom", time.Time{}))
	due, err = box.Due(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, later.ID, due[0].ID)

	got, err := box.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)

	_, err = box.Get(ctx, "nope")
	assert.ErrorIs(t, err, pipeline.ErrOutboxNotFound)
}

func TestPollOnceEmitsDueRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	box := pipeline.NewMemoryOutbox()

	var calls atomic.Int32
	e := pipeline.NewEngine(
		pipeline.WithPolicies(fastPolicies()),
		pipeline.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, e.AttachOutbox(box, func(ctx context.Context, rec pipeline.OutboxRecord) (*event.Envelope, error) {
		switch rec.Type {
		case "system.bad.input":
			return nil, bberrors.Validation("bus", "unknown_category", "no such category")
		case "system.flaky.emit":
			if calls.Add(1) == 1 {
				return nil, errors.New("store hiccup")
			}
		}
		return envelope(t, rec.Domain, "", 0), nil
	}))

	put := func(typ string) pipeline.OutboxRecord {
		rec, err := pipeline.NewOutboxRecord(pipeline.ReasonScheduled, event.Raw{Domain: "gate", Type: typ}, now, now)
		require.NoError(t, err)
		require.NoError(t, box.Put(ctx, rec))
		return rec
	}
	ok := put("system.good.emit")
	bad := put("system.bad.input")
	flaky := put("system.flaky.emit")

	n, err := e.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := box.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusEmitted, got.Status)
	assert.NotEmpty(t, got.EventID)

	got, err = box.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status, "validation failures are terminal")

	got, err = box.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, got.Status)
	assert.True(t, got.DueAt.After(now), "transient failures are rescheduled")

	now = now.Add(time.Second)
	n, err = e.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = box.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusEmitted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestAttachOutboxAfterStartFails(t *testing.T) {
	e := startEngine(t)
	err := e.AttachOutbox(pipeline.NewMemoryOutbox(), func(context.Context, pipeline.OutboxRecord) (*event.Envelope, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestMemoryJournalPendingOrder(t *testing.T) {
	ctx := context.Background()
	j := pipeline.NewMemoryJournal()
	a, b, c := envelope(t, "gate", "", 1), envelope(t, "gate", "", 2), envelope(t, "gate", "", 3)
	require.NoError(t, j.Append(ctx, []*event.Envelope{a, b}))
	require.NoError(t, j.Append(ctx, []*event.Envelope{c, a}))
	assert.Equal(t, 3, j.Len())

	require.NoError(t, j.MarkDelivered(ctx, b.ID(), time.Now()))
	pending, err := j.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID(), pending[0].ID())
	assert.Equal(t, c.ID(), pending[1].ID())

	limited, err := j.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
