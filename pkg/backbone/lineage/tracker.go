package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

// Tracker assigns and propagates correlation ids.
//
// Cause resolution goes cache first, then the edge store. A cause found only
// in the edge store re-warms the cache. A cause found nowhere turns the event
// into a new root and records the unresolved id in meta.
type Tracker struct {
	cache  Cache
	edges  EdgeStore
	logger *slog.Logger
	now    func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock overrides the time source for edge timestamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. Nil arguments fall back to in-memory
// implementations with a ten minute cache TTL.
func NewTracker(cache Cache, edges EdgeStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{cache: cache, edges: edges}
	for _, opt := range opts {
		opt(t)
	}
	if t.cache == nil {
		t.cache = NewMemoryCache(10*time.Minute, time.Minute)
	}
	if t.edges == nil {
		t.edges = NewMemoryEdgeStore()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	return t
}

// Edges returns the underlying edge store.
func (t *Tracker) Edges() EdgeStore { return t.edges }

// Stamp returns env with lineage applied and the edge that records it.
// Nothing is persisted until Commit.
func (t *Tracker) Stamp(ctx context.Context, env *event.Envelope, causationID string) (*event.Envelope, Edge, error) {
	if causationID == "" {
		stamped := env.WithLineage(env.ID(), "", nil)
		return stamped, t.edge("", stamped, RelationRoot), nil
	}

	correlationID, ok, err := t.resolve(ctx, causationID)
	if err != nil {
		return nil, Edge{}, err
	}
	if !ok {
		t.logger.Warn("causing event not found, treating as root",
			slog.String("event_id", env.ID()),
			slog.String("causation_id", causationID),
		)
		stamped := env.WithLineage(env.ID(), "", map[string]string{
			event.MetaUnresolvedCausation: causationID,
		})
		return stamped, t.edge(causationID, stamped, RelationUnresolved), nil
	}

	relation := RelationCaused
	if replayOf, ok := env.Meta(event.MetaReplayOf); ok && replayOf == causationID {
		relation = RelationReplay
	}
	stamped := env.WithLineage(correlationID, causationID, nil)
	return stamped, t.edge(causationID, stamped, relation), nil
}

// Commit persists an edge and caches its child's correlation id.
func (t *Tracker) Commit(ctx context.Context, e Edge) error {
	if err := t.edges.AppendEdge(ctx, e); err != nil {
		return fmt.Errorf("append lineage edge: %w", err)
	}
	if err := t.cache.Set(ctx, e.ChildID, e.CorrelationID); err != nil {
		// The edge store still resolves the event; the cache is an accelerator.
		t.logger.Warn("lineage cache write failed",
			slog.String("event_id", e.ChildID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Known reports whether eventID already has a lineage edge, checking the
// cache before the edge store.
func (t *Tracker) Known(ctx context.Context, eventID string) (bool, error) {
	if _, ok, err := t.cache.Get(ctx, eventID); err == nil && ok {
		return true, nil
	}
	_, ok, err := t.edges.LookupEdge(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("lookup lineage edge %s: %w", eventID, err)
	}
	return ok, nil
}

// Revoke removes a committed edge whose publish was not accepted.
func (t *Tracker) Revoke(ctx context.Context, e Edge) error {
	_ = t.cache.Delete(ctx, e.ChildID)
	if err := t.edges.DeleteEdge(ctx, e.ChildID); err != nil {
		return fmt.Errorf("delete lineage edge: %w", err)
	}
	return nil
}

// Lookup returns the edge recorded for eventID.
func (t *Tracker) Lookup(ctx context.Context, eventID string) (Edge, bool, error) {
	return t.edges.LookupEdge(ctx, eventID)
}

// Chain returns all edges of a correlation chain.
func (t *Tracker) Chain(ctx context.Context, correlationID string) ([]Edge, error) {
	return t.edges.Chain(ctx, correlationID)
}

func (t *Tracker) resolve(ctx context.Context, eventID string) (string, bool, error) {
	correlationID, ok, err := t.cache.Get(ctx, eventID)
	if err != nil {
		t.logger.Warn("lineage cache read failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		return correlationID, true, nil
	}

	e, ok, err := t.edges.LookupEdge(ctx, eventID)
	if err != nil {
		return "", false, fmt.Errorf("lookup lineage edge %s: %w", eventID, err)
	}
	if !ok {
		return "", false, nil
	}
	_ = t.cache.Set(ctx, eventID, e.CorrelationID)
	return e.CorrelationID, true, nil
}

func (t *Tracker) edge(parentID string, child *event.Envelope, relation Relation) Edge {
	return Edge{
		ParentID:      parentID,
		ChildID:       child.ID(),
		CorrelationID: child.CorrelationID(),
		Relation:      relation,
		CreatedAt:     t.now(),
	}
}
