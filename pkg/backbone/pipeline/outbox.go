package pipeline

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

// ErrOutboxNotFound is returned when no outbox record exists for an id.
var ErrOutboxNotFound = errors.New("outbox record not found")

// OutboxReason says why a record was written.
type OutboxReason string

// Outbox reasons.
const (
	ReasonScheduled OutboxReason = "scheduled"
	ReasonReplay    OutboxReason = "replay"
)

// OutboxStatus is the lifecycle state of a record.
type OutboxStatus string

// Outbox statuses.
const (
	StatusPending OutboxStatus = "pending"
	StatusEmitted OutboxStatus = "emitted"
	StatusFailed  OutboxStatus = "failed"
)

// OutboxRecord is a publish request waiting in the durable outbox.
type OutboxRecord struct {
	ID     string       `json:"id"`
	Reason OutboxReason `json:"reason"`
	Status OutboxStatus `json:"status"`
	DueAt  time.Time    `json:"due_at"`

	Domain      event.Domain      `json:"domain"`
	Type        string            `json:"type"`
	Version     int               `json:"version,omitempty"`
	CausationID string            `json:"causation_id,omitempty"`
	Source      string            `json:"source,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
	Meta        map[string]string `json:"meta,omitempty"`

	// DeadLetterID is the replayed dead-letter entry, for replay records.
	DeadLetterID string `json:"dead_letter_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	EmittedAt time.Time `json:"emitted_at,omitzero"`
	EventID   string    `json:"event_id,omitempty"`
}

// NewOutboxRecord builds a pending record from publish input. The payload
// is encoded now so the record can be stored.
func NewOutboxRecord(reason OutboxReason, raw event.Raw, dueAt, now time.Time) (OutboxRecord, error) {
	var payload json.RawMessage
	switch p := raw.Payload.(type) {
	case json.RawMessage:
		payload = append(json.RawMessage(nil), p...)
	case nil:
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return OutboxRecord{}, fmt.Errorf("encode outbox payload: %w", err)
		}
		payload = b
	}
	if dueAt.IsZero() {
		dueAt = now
	}
	return OutboxRecord{
		ID:          event.NewID(),
		Reason:      reason,
		Status:      StatusPending,
		DueAt:       dueAt,
		Domain:      raw.Domain,
		Type:        raw.Type,
		Version:     raw.Version,
		CausationID: raw.CausationID,
		Source:      raw.Source,
		Payload:     payload,
		Meta:        maps.Clone(raw.Meta),
		CreatedAt:   now,
	}, nil
}

// Raw converts the record back into publish input.
func (r OutboxRecord) Raw() event.Raw {
	raw := event.Raw{
		Domain:      r.Domain,
		Type:        r.Type,
		Version:     r.Version,
		CausationID: r.CausationID,
		Source:      r.Source,
		Meta:        maps.Clone(r.Meta),
	}
	if len(r.Payload) > 0 {
		raw.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return raw
}

// Outbox is durable storage for the producer pipeline.
type Outbox interface {
	// Put stores a record. Putting an existing id replaces it.
	Put(ctx context.Context, rec OutboxRecord) error

	// Get returns a record by id.
	Get(ctx context.Context, id string) (OutboxRecord, error)

	// Due returns pending records with DueAt at or before now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)

	// MarkEmitted records a successful publish.
	MarkEmitted(ctx context.Context, id, eventID string, at time.Time) error

	// MarkFailed records a failed publish. A zero retryAt fails the record
	// for good; otherwise it stays pending and becomes due at retryAt.
	MarkFailed(ctx context.Context, id, reason string, retryAt time.Time) error
}

// Emitter publishes an outbox record and returns the accepted envelope.
type Emitter func(ctx context.Context, rec OutboxRecord) (*event.Envelope, error)

// MemoryOutbox is an in-memory Outbox.
type MemoryOutbox struct {
	mu      sync.RWMutex
	records map[string]OutboxRecord
}

// Compile-time interface check.
var _ Outbox = (*MemoryOutbox)(nil)

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]OutboxRecord)}
}

// Put implements Outbox.
func (o *MemoryOutbox) Put(_ context.Context, rec OutboxRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("outbox record has no id")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	o.mu.Lock()
	o.records[rec.ID] = rec
	o.mu.Unlock()
	return nil
}

// Get implements Outbox.
func (o *MemoryOutbox) Get(_ context.Context, id string) (OutboxRecord, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[id]
	if !ok {
		return OutboxRecord{}, ErrOutboxNotFound
	}
	return rec, nil
}

// Due implements Outbox.
func (o *MemoryOutbox) Due(_ context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	o.mu.RLock()
	var out []OutboxRecord
	for _, rec := range o.records {
		if rec.Status == StatusPending && !rec.DueAt.After(now) {
			out = append(out, rec)
		}
	}
	o.mu.RUnlock()

	slices.SortFunc(out, func(a, b OutboxRecord) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkEmitted implements Outbox.
func (o *MemoryOutbox) MarkEmitted(_ context.Context, id, eventID string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return ErrOutboxNotFound
	}
	rec.Status = StatusEmitted
	rec.Attempts++
	rec.EventID = eventID
	rec.EmittedAt = at
	rec.LastError = ""
	o.records[id] = rec
	return nil
}

// MarkFailed implements Outbox.
func (o *MemoryOutbox) MarkFailed(_ context.Context, id, reason string, retryAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return ErrOutboxNotFound
	}
	rec.Attempts++
	rec.LastError = reason
	if retryAt.IsZero() {
		rec.Status = StatusFailed
	} else {
		rec.DueAt = retryAt
	}
	o.records[id] = rec
	return nil
}
