package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

// MetaReplayOriginalVersion keeps the dead-lettered event's version when a
// replay had to move to the current one.
const MetaReplayOriginalVersion = "replay.original_version"

// Replay republishes a dead-lettered event and marks the entry replayed.
//
// The replay is a new event: it gets a new id, its causation id is the
// original event's id, and it keeps the original correlation id. The entry
// is claimed for that id before publishing, so of several concurrent
// replays only one publishes; the others fail with ErrAlreadyReplayed. A
// failed publish releases the claim.
func (b *Bus) Replay(ctx context.Context, deadLetterID string) (*event.Envelope, error) {
	entry, err := b.deadletters.Get(ctx, deadLetterID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", deadLetterID, err)
	}
	if entry.Replayed() {
		return nil, fmt.Errorf("replay %s: %w", deadLetterID, deadletter.ErrAlreadyReplayed)
	}

	raw := b.replayRaw(entry)
	if err := b.claimReplay(ctx, deadLetterID, raw.ID); err != nil {
		return nil, fmt.Errorf("replay %s: %w", deadLetterID, err)
	}
	env, err := b.Publish(ctx, raw)
	if err != nil {
		b.releaseReplay(ctx, deadLetterID, raw.ID)
		return nil, err
	}
	b.logReplayed(deadLetterID, env)
	return env, nil
}

// ScheduleReplay queues a dead-letter replay in the outbox. The producer
// pipeline's poller publishes it once it is due.
func (b *Bus) ScheduleReplay(ctx context.Context, deadLetterID string, at time.Time) (pipeline.OutboxRecord, error) {
	entry, err := b.deadletters.Get(ctx, deadLetterID)
	if err != nil {
		return pipeline.OutboxRecord{}, fmt.Errorf("schedule replay %s: %w", deadLetterID, err)
	}
	if entry.Replayed() {
		return pipeline.OutboxRecord{}, fmt.Errorf("schedule replay %s: %w", deadLetterID, deadletter.ErrAlreadyReplayed)
	}

	rec, err := pipeline.NewOutboxRecord(pipeline.ReasonReplay, entry.ReplayRaw(), at, b.now())
	if err != nil {
		return pipeline.OutboxRecord{}, err
	}
	rec.DeadLetterID = deadLetterID
	if err := b.outbox.Put(ctx, rec); err != nil {
		return pipeline.OutboxRecord{}, fmt.Errorf("schedule replay %s: %w", deadLetterID, err)
	}
	return rec, nil
}

// Schedule stores raw in the outbox to be published at dueAt. Validation
// happens at emission, through the same path as Publish.
func (b *Bus) Schedule(ctx context.Context, raw event.Raw, dueAt time.Time) (pipeline.OutboxRecord, error) {
	rec, err := pipeline.NewOutboxRecord(pipeline.ReasonScheduled, raw, dueAt, b.now())
	if err != nil {
		return pipeline.OutboxRecord{}, bberrors.Validation(origin, "payload_not_encodable", err.Error())
	}
	if err := b.outbox.Put(ctx, rec); err != nil {
		return pipeline.OutboxRecord{}, fmt.Errorf("schedule: %w", err)
	}
	b.logger.Debug("publish scheduled",
		slog.String("outbox_id", rec.ID),
		slog.String("domain", string(rec.Domain)),
		slog.String("type", rec.Type),
		slog.Time("due_at", rec.DueAt),
	)
	return rec, nil
}

// emit is the producer pipeline's Emitter.
func (b *Bus) emit(ctx context.Context, rec pipeline.OutboxRecord) (*event.Envelope, error) {
	if rec.Reason != pipeline.ReasonReplay {
		return b.publish(ctx, rec.Raw(), true)
	}

	entry, err := b.deadletters.Get(ctx, rec.DeadLetterID)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		return nil, replaySourceMissing(rec.DeadLetterID)
	case err != nil:
		return nil, bberrors.Dependency(origin, "deadletter_unavailable", err)
	case entry.Replayed():
		return nil, alreadyReplayed(rec.DeadLetterID)
	}

	raw := b.replayRaw(entry)
	err = b.claimReplay(ctx, rec.DeadLetterID, raw.ID)
	switch {
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		return nil, alreadyReplayed(rec.DeadLetterID)
	case errors.Is(err, deadletter.ErrNotFound):
		return nil, replaySourceMissing(rec.DeadLetterID)
	case err != nil:
		return nil, bberrors.Dependency(origin, "deadletter_unavailable", err)
	}
	env, err := b.publish(ctx, raw, true)
	if err != nil {
		b.releaseReplay(ctx, rec.DeadLetterID, raw.ID)
		return nil, err
	}
	b.logReplayed(rec.DeadLetterID, env)
	return env, nil
}

func alreadyReplayed(id string) *bberrors.ErrorClass {
	return bberrors.Validation(origin, "already_replayed", "dead-letter entry "+id+" was already replayed")
}

func replaySourceMissing(id string) *bberrors.ErrorClass {
	return bberrors.Validation(origin, "replay_source_missing", "dead-letter entry "+id+" not found")
}

// replayRaw builds the replay input with a fresh id. A replay keeps the
// original version unless newer versions were seen since; then it moves to
// the current one so observed versions never go backwards.
func (b *Bus) replayRaw(entry deadletter.Entry) event.Raw {
	raw := entry.ReplayRaw()
	raw.ID = event.NewID()
	last := b.validator.Versions().Last(raw.Domain, raw.Type)
	if raw.Version < last {
		raw.Meta[MetaReplayOriginalVersion] = strconv.Itoa(raw.Version)
		raw.Version = 0
	}
	return raw
}

// claimReplay marks the entry replayed by eventID before the replay is
// published.
func (b *Bus) claimReplay(ctx context.Context, id, eventID string) error {
	return b.deadletters.MarkReplayed(ctx, id, eventID, b.now())
}

// releaseReplay clears a claim whose replay was not published, so the entry
// can be replayed again.
func (b *Bus) releaseReplay(ctx context.Context, id, eventID string) {
	cleared, err := b.deadletters.ClearReplayed(context.WithoutCancel(ctx), id, eventID)
	if err == nil && cleared {
		return
	}
	attrs := []any{
		slog.String("dead_letter_id", id),
		slog.String("event_id", eventID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	b.logger.Warn("dead letter replay claim not released", attrs...)
}

func (b *Bus) logReplayed(id string, env *event.Envelope) {
	b.logger.Info("dead letter replayed",
		slog.String("dead_letter_id", id),
		slog.String("event_id", env.ID()),
		slog.String("correlation_id", env.CorrelationID()),
	)
}
