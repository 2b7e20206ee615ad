// Package deadletter holds events that exhausted their retry budget or failed
// with a non-retryable class. Entries are keyed by event id and enqueueing
// the same event again updates the existing entry instead of duplicating it.
package deadletter

import (
	"context"
	"errors"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

var (
	// ErrNotFound is returned when no entry exists for an id.
	ErrNotFound = errors.New("dead-letter entry not found")

	// ErrAlreadyReplayed is returned when replaying an entry a second time.
	ErrAlreadyReplayed = errors.New("dead-letter entry already replayed")
)

// Entry is one dead-lettered event.
type Entry struct {
	Envelope      *event.Envelope      `json:"envelope"`
	Class         *bberrors.ErrorClass `json:"error_class"`
	Attempts      int                  `json:"attempts"`
	FirstSeenAt   time.Time            `json:"first_seen_at"`
	LastSeenAt    time.Time            `json:"last_seen_at"`
	QueueName     string               `json:"queue_name"`
	ReplayedAt    time.Time            `json:"replayed_at,omitzero"`
	ReplayEventID string               `json:"replay_event_id,omitempty"`
}

// ID returns the entry id, which is the dead-lettered event's id.
func (e Entry) ID() string {
	return e.Envelope.ID()
}

// Replayed reports whether the entry has been replayed.
func (e Entry) Replayed() bool {
	return !e.ReplayedAt.IsZero()
}

// Merge folds a repeated enqueue of the same event into e. The first-seen
// time is kept, attempts and last-seen only move forward, and the latest
// error class wins.
func (e Entry) Merge(next Entry) Entry {
	if next.Attempts > e.Attempts {
		e.Attempts = next.Attempts
	}
	if next.LastSeenAt.After(e.LastSeenAt) {
		e.LastSeenAt = next.LastSeenAt
	}
	if next.Class != nil {
		e.Class = next.Class
	}
	if next.QueueName != "" {
		e.QueueName = next.QueueName
	}
	return e
}

// ReplayRaw builds the publish input for replaying e. The replay is a new
// event whose causation id is the original event's id.
func (e Entry) ReplayRaw() event.Raw {
	env := e.Envelope
	meta := env.MetaMap()
	if meta == nil {
		meta = make(map[string]string)
	}
	delete(meta, event.MetaViolations)
	delete(meta, event.MetaUnresolvedCausation)
	meta[event.MetaReplayOf] = env.ID()

	return event.Raw{
		Domain:      env.Domain(),
		Type:        env.Type(),
		Version:     env.Version(),
		CausationID: env.ID(),
		Source:      env.Source(),
		Payload:     env.Payload(),
		Meta:        meta,
	}
}

// Filter narrows List results.
type Filter struct {
	// QueueName matches one queue. Empty matches all.
	QueueName string

	// Class matches one error class. Empty matches all.
	Class bberrors.Class

	// IncludeReplayed includes entries that were already replayed.
	IncludeReplayed bool

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Entry) bool {
	if f.QueueName != "" && e.QueueName != f.QueueName {
		return false
	}
	if f.Class != "" && (e.Class == nil || e.Class.Class != f.Class) {
		return false
	}
	if !f.IncludeReplayed && e.Replayed() {
		return false
	}
	return true
}

// Stats summarizes the unreplayed backlog.
type Stats struct {
	Depth     int                    `json:"depth"`
	Total     int                    `json:"total"`
	OldestAt  time.Time              `json:"oldest_at,omitzero"`
	OldestAge time.Duration          `json:"oldest_age"`
	ByClass   map[bberrors.Class]int `json:"by_class"`
}

// Store is durable storage for dead-letter entries.
type Store interface {
	// Enqueue inserts e, or merges it into the existing entry for the same
	// event id. created reports whether a new entry was made.
	Enqueue(ctx context.Context, e Entry) (created bool, err error)

	// Get returns the entry for an event id.
	Get(ctx context.Context, id string) (Entry, error)

	// List returns entries matching f, oldest first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	// OlderThan returns unreplayed entries first seen before cutoff, oldest first.
	OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)

	// Stats summarizes the backlog as of now.
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// MarkReplayed records a replay. It fails with ErrAlreadyReplayed if the
	// entry was replayed before.
	MarkReplayed(ctx context.Context, id, replayEventID string, at time.Time) error

	// ClearReplayed undoes a MarkReplayed whose replay was never published.
	// It only clears the mark made for replayEventID and reports whether it
	// did.
	ClearReplayed(ctx context.Context, id, replayEventID string) (bool, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error
}
