package deadletter

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
)

// MemoryStore is an in-memory Store.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.ID()
	if existing, ok := s.entries[id]; ok {
		s.entries[id] = existing.Merge(e)
		return false, nil
	}
	s.entries[id] = e
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// OlderThan implements Store.
func (s *MemoryStore) OlderThan(_ context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	s.mu.RLock()
	var out []Entry
	for _, e := range s.entries {
		if !e.Replayed() && e.FirstSeenAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.entries), ByClass: make(map[bberrors.Class]int)}
	for _, e := range s.entries {
		if e.Replayed() {
			continue
		}
		st.Depth++
		if e.Class != nil {
			st.ByClass[e.Class.Class]++
		}
		if st.OldestAt.IsZero() || e.FirstSeenAt.Before(st.OldestAt) {
			st.OldestAt = e.FirstSeenAt
		}
	}
	if !st.OldestAt.IsZero() {
		st.OldestAge = now.Sub(st.OldestAt)
	}
	return st, nil
}

// MarkReplayed implements Store.
func (s *MemoryStore) MarkReplayed(_ context.Context, id, replayEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Replayed() {
		return ErrAlreadyReplayed
	}
	e.ReplayedAt = at
	e.ReplayEventID = replayEventID
	s.entries[id] = e
	return nil
}

// ClearReplayed implements Store.
func (s *MemoryStore) ClearReplayed(_ context.Context, id, replayEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if !e.Replayed() || e.ReplayEventID != replayEventID {
		return false, nil
	}
	e.ReplayedAt = time.Time{}
	e.ReplayEventID = ""
	s.entries[id] = e
	return true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func sortOldestFirst(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.FirstSeenAt.Compare(b.FirstSeenAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}
