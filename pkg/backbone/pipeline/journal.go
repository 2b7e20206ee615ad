package pipeline

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

// Journal is durable storage for ingest envelopes. An envelope stays pending
// until every consumer it was dispatched to has finished with it.
type Journal interface {
	// Append records envelopes as pending. Appending an id twice is a no-op.
	Append(ctx context.Context, envs []*event.Envelope) error

	// MarkDelivered moves an envelope out of the pending set.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// Pending returns undelivered envelopes in append order. A limit of 0
	// means no limit.
	Pending(ctx context.Context, limit int) ([]*event.Envelope, error)
}

// MemoryJournal is an in-memory Journal.
// It does not survive restarts; use the SQL store for durability.
type MemoryJournal struct {
	mu        sync.Mutex
	seq       int64
	entries   map[string]*journalEntry
	delivered int
}

type journalEntry struct {
	seq         int64
	env         *event.Envelope
	deliveredAt time.Time
}

// Compile-time interface check.
var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]*journalEntry)}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, envs []*event.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, env := range envs {
		if _, ok := j.entries[env.ID()]; ok {
			continue
		}
		j.seq++
		j.entries[env.ID()] = &journalEntry{seq: j.seq, env: env}
	}
	return nil
}

// MarkDelivered implements Journal. Unknown ids are ignored.
func (j *MemoryJournal) MarkDelivered(_ context.Context, id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e, ok := j.entries[id]; ok && e.deliveredAt.IsZero() {
		e.deliveredAt = at
		j.delivered++
	}
	return nil
}

// Pending implements Journal.
func (j *MemoryJournal) Pending(_ context.Context, limit int) ([]*event.Envelope, error) {
	j.mu.Lock()
	pending := make([]*journalEntry, 0, len(j.entries)-j.delivered)
	for _, e := range j.entries {
		if e.deliveredAt.IsZero() {
			pending = append(pending, e)
		}
	}
	j.mu.Unlock()

	sortBySeq(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*event.Envelope, len(pending))
	for i, e := range pending {
		out[i] = e.env
	}
	return out, nil
}

// Len returns the number of journaled envelopes, delivered or not.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func sortBySeq(entries []*journalEntry) {
	slices.SortFunc(entries, func(a, b *journalEntry) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
