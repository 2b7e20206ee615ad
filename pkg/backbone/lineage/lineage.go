// Package lineage tracks the correlation and causation graph of published
// events. Every accepted publish produces exactly one Edge. Edges are used for
// audit and replay, never for delivery decisions.
package lineage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEdge means an edge for the same child event already exists,
// so the event id was accepted before.
var ErrDuplicateEdge = errors.New("lineage edge already exists")

// Relation describes how a child event relates to its parent.
type Relation string

const (
	// RelationRoot marks an event that starts a causal chain. ParentID is empty.
	RelationRoot Relation = "root"

	// RelationCaused marks an event derived from ParentID.
	RelationCaused Relation = "caused"

	// RelationReplay marks a dead-letter replay of ParentID.
	RelationReplay Relation = "replay"

	// RelationUnresolved marks an event whose cause could not be found. The
	// event was made a root; ParentID keeps the unresolved causation id.
	RelationUnresolved Relation = "unresolved"
)

// Edge is one link of the lineage graph.
type Edge struct {
	ParentID      string    `json:"parent_event_id,omitempty"`
	ChildID       string    `json:"child_event_id"`
	CorrelationID string    `json:"correlation_id"`
	Relation      Relation  `json:"relation"`
	CreatedAt     time.Time `json:"created_at"`
}

// EdgeStore persists lineage edges.
type EdgeStore interface {
	// AppendEdge stores an edge. Appending a child that already has an edge
	// fails with ErrDuplicateEdge and leaves the stored edge unchanged.
	AppendEdge(ctx context.Context, e Edge) error

	// LookupEdge finds the edge whose child is eventID.
	LookupEdge(ctx context.Context, eventID string) (Edge, bool, error)

	// DeleteEdge removes the edge of a publish that was not accepted.
	DeleteEdge(ctx context.Context, eventID string) error

	// Chain returns every edge of a correlation chain, oldest first.
	Chain(ctx context.Context, correlationID string) ([]Edge, error)
}

// Cache maps event ids to correlation ids for O(1) cause resolution.
type Cache interface {
	// Get returns the correlation id of eventID. A miss is ("", false, nil).
	Get(ctx context.Context, eventID string) (string, bool, error)

	// Set stores the correlation id of eventID.
	Set(ctx context.Context, eventID, correlationID string) error

	// Delete removes eventID.
	Delete(ctx context.Context, eventID string) error
}
