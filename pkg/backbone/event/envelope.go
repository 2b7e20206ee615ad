package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain is the symbolic owner of an event.
type Domain string

// String returns the domain name.
func (d Domain) String() string {
	return string(d)
}

// Meta keys written by the backbone itself.
const (
	MetaViolations          = "validation.violations"
	MetaUnresolvedCausation = "lineage.unresolved_causation_id"
	MetaReplayOf            = "replay_of"
	MetaLegacyEntryPoint    = "legacy.entry_point"
)

// Envelope is the immutable unit published and consumed.
type Envelope struct {
	id            string
	domain        Domain
	typ           string
	version       int
	occurredAt    time.Time
	causationID   string
	correlationID string
	source        string
	payload       json.RawMessage
	meta          map[string]string
}

// ID returns the unique, time-sortable event identifier.
func (e *Envelope) ID() string { return e.id }

// Domain returns the owning domain.
func (e *Envelope) Domain() Domain { return e.domain }

// Type returns the dotted event type.
func (e *Envelope) Type() string { return e.typ }

// Category returns the first segment of the type.
func (e *Envelope) Category() string { return CategoryOf(e.typ) }

// Version returns the payload shape version.
func (e *Envelope) Version() int { return e.version }

// OccurredAt returns when the event was created.
func (e *Envelope) OccurredAt() time.Time { return e.occurredAt }

// CausationID returns the id of the event that directly caused this one.
// It is empty for causal roots.
func (e *Envelope) CausationID() string { return e.causationID }

// CorrelationID returns the id shared by the whole causal chain.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// Source returns the free-text origin identifier.
func (e *Envelope) Source() string { return e.source }

// IsRoot reports whether the event starts a causal chain.
func (e *Envelope) IsRoot() bool { return e.causationID == "" }

// Payload returns a copy of the JSON-encoded payload.
func (e *Envelope) Payload() json.RawMessage {
	out := make(json.RawMessage, len(e.payload))
	copy(out, e.payload)
	return out
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", e.id, err)
	}
	return nil
}

// Meta returns one meta value.
func (e *Envelope) Meta(key string) (string, bool) {
	v, ok := e.meta[key]
	return v, ok
}

// MetaMap returns a copy of all meta values.
func (e *Envelope) MetaMap() map[string]string {
	return maps.Clone(e.meta)
}

// WithLineage returns a copy with the given lineage and extra meta merged in.
// The lineage tracker uses it to stamp an envelope before acceptance.
func (e *Envelope) WithLineage(correlationID, causationID string, meta map[string]string) *Envelope {
	cp := *e
	cp.correlationID = correlationID
	cp.causationID = causationID
	cp.meta = maps.Clone(e.meta)
	if len(meta) > 0 {
		if cp.meta == nil {
			cp.meta = make(map[string]string, len(meta))
		}
		maps.Copy(cp.meta, meta)
	}
	return &cp
}

// String returns a short description for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s/%s@%d(%s)", e.domain, e.typ, e.version, e.id)
}

// Fields is the wire and storage form of an Envelope.
type Fields struct {
	ID            string            `json:"id"`
	Domain        Domain            `json:"domain"`
	Type          string            `json:"type"`
	Version       int               `json:"version"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CausationID   string            `json:"causation_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Source        string            `json:"source,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Fields returns the wire form of the envelope.
func (e *Envelope) Fields() Fields {
	return Fields{
		ID:            e.id,
		Domain:        e.domain,
		Type:          e.typ,
		Version:       e.version,
		OccurredAt:    e.occurredAt,
		CausationID:   e.causationID,
		CorrelationID: e.correlationID,
		Source:        e.source,
		Payload:       e.Payload(),
		Meta:          e.MetaMap(),
	}
}

// FromFields rehydrates a previously accepted envelope. It checks structure
// only; taxonomy and version rules were applied when the event was accepted.
func FromFields(f Fields) (*Envelope, error) {
	switch {
	case f.ID == "":
		return nil, fmt.Errorf("rehydrate envelope: missing id")
	case f.Domain == "":
		return nil, fmt.Errorf("rehydrate envelope %s: missing domain", f.ID)
	case f.Type == "":
		return nil, fmt.Errorf("rehydrate envelope %s: missing type", f.ID)
	case f.CorrelationID == "":
		return nil, fmt.Errorf("rehydrate envelope %s: missing correlation id", f.ID)
	case f.Version <= 0:
		return nil, fmt.Errorf("rehydrate envelope %s: invalid version %d", f.ID, f.Version)
	}
	if _, err := uuid.Parse(f.ID); err != nil {
		return nil, fmt.Errorf("rehydrate envelope: malformed id %q: %w", f.ID, err)
	}

	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("rehydrate envelope %s: payload is not valid JSON", f.ID)
	}

	return &Envelope{
		id:            f.ID,
		domain:        f.Domain,
		typ:           f.Type,
		version:       f.Version,
		occurredAt:    f.OccurredAt,
		causationID:   f.CausationID,
		correlationID: f.CorrelationID,
		source:        f.Source,
		payload:       append(json.RawMessage(nil), payload...),
		meta:          maps.Clone(f.Meta),
	}, nil
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

// UnmarshalJSON implements json.Unmarshaler. It applies FromFields checks.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	env, err := FromFields(f)
	if err != nil {
		return err
	}
	*e = *env
	return nil
}

// NewID returns a new UUIDv7 event id. UUIDv7 ids sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CategoryOf returns the first dotted segment of an event type.
func CategoryOf(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}
