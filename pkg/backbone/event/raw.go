package event

import (
	"fmt"
	"math"
	"time"
)

// Raw is a producer's publish input before validation.
type Raw struct {
	// ID is optional. The backbone assigns a UUIDv7 when empty.
	ID string

	// Domain must be a registered domain.
	Domain Domain

	// Type is the dotted event type; its first segment is the category.
	Type string

	// Version is optional. 0 means absent and resolves to the last known
	// version for (Domain, Type), or 1. Negative values are invalid.
	Version int

	// OccurredAt defaults to the validator's clock.
	OccurredAt time.Time

	// CausationID names the triggering event. Empty for root events.
	CausationID string

	// Source is a free-text origin identifier.
	Source string

	// Payload is domain-opaque data. It must be JSON-encodable.
	Payload any

	// Meta is side-channel data that never affects routing.
	Meta map[string]string
}

// RawFromMap converts a decoded JSON object into a Raw.
//
// Type mismatches on optional fields are reported as errors. A version that
// is present but not a positive integer becomes -1 so the validator rejects it
// in its usual order.
func RawFromMap(m map[string]any) (Raw, error) {
	var r Raw
	var err error

	if r.ID, err = optString(m, "id"); err != nil {
		return Raw{}, err
	}
	var domain string
	if domain, err = optString(m, "domain"); err != nil {
		return Raw{}, err
	}
	r.Domain = Domain(domain)
	if r.Type, err = optString(m, "type"); err != nil {
		return Raw{}, err
	}
	if r.CausationID, err = optString(m, "causation_id"); err != nil {
		return Raw{}, err
	}
	if r.Source, err = optString(m, "source"); err != nil {
		return Raw{}, err
	}

	if v, ok := m["version"]; ok && v != nil {
		r.Version = toVersion(v)
	}

	if v, ok := m["occurred_at"]; ok && v != nil {
		switch ts := v.(type) {
		case string:
			t, perr := time.Parse(time.RFC3339Nano, ts)
			if perr != nil {
				return Raw{}, fmt.Errorf("field occurred_at: %w", perr)
			}
			r.OccurredAt = t
		case time.Time:
			r.OccurredAt = ts
		default:
			return Raw{}, fmt.Errorf("field occurred_at: expected RFC 3339 string, got %T", v)
		}
	}

	r.Payload = m["payload"]

	if v, ok := m["meta"]; ok && v != nil {
		meta, merr := toStringMap(v)
		if merr != nil {
			return Raw{}, fmt.Errorf("field meta: %w", merr)
		}
		r.Meta = meta
	}

	return r, nil
}

func optString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, v)
	}
	return s, nil
}

func toVersion(v any) int {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n
		}
	case int64:
		if n > 0 && n <= math.MaxInt32 {
			return int(n)
		}
	case float64:
		if n > 0 && n == math.Trunc(n) && n <= math.MaxInt32 {
			return int(n)
		}
	}
	return -1
}

func toStringMap(v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("key %s: expected string, got %T", k, val)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", v)
	}
}
