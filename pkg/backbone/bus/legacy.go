package bus

import (
	"context"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// Legacy entry points.
const (
	EntryEmit      = "emit"
	EntryEmitMap   = "emit_map"
	EntryBroadcast = "broadcast"
)

// LegacySource is the source recorded on events published through the
// adapter when the caller gives none.
const LegacySource = "legacy-adapter"

// LegacyAdapter translates deprecated publish calls into Publish.
//
// Each call is counted per entry point, logged at warn and recorded as a
// metric so remaining callers can be found and migrated. Errors from Publish
// come back unchanged.
//
// Deprecated: publish through Bus.Publish.
type LegacyAdapter struct {
	bus *Bus

	mu    sync.Mutex
	calls map[string]*atomic.Int64
}

// NewLegacyAdapter wraps b.
func NewLegacyAdapter(b *Bus) *LegacyAdapter {
	return &LegacyAdapter{bus: b, calls: make(map[string]*atomic.Int64)}
}

// Emit publishes payload under the event name. The domain is the owner of
// the name's category.
func (a *LegacyAdapter) Emit(ctx context.Context, name string, payload any) (*event.Envelope, error) {
	a.count(ctx, EntryEmit, name)
	return a.bus.Publish(ctx, event.Raw{
		Domain:  a.ownerOf(name),
		Type:    name,
		Source:  LegacySource,
		Payload: payload,
		Meta:    map[string]string{event.MetaLegacyEntryPoint: EntryEmit},
	})
}

// EmitMap publishes an old-style event map. It accepts "event" or "name" for
// the type and "data" or "payload" for the payload. Other keys of the new
// shape pass through.
func (a *LegacyAdapter) EmitMap(ctx context.Context, m map[string]any) (*event.Envelope, error) {
	next := maps.Clone(m)
	if next == nil {
		next = make(map[string]any)
	}
	for _, key := range []string{"event", "name"} {
		if v, ok := next[key]; ok {
			if _, has := next["type"]; !has {
				next["type"] = v
			}
			delete(next, key)
		}
	}
	if v, ok := next["data"]; ok {
		if _, has := next["payload"]; !has {
			next["payload"] = v
		}
		delete(next, "data")
	}

	name, _ := next["type"].(string)
	a.count(ctx, EntryEmitMap, name)

	if _, has := next["domain"]; !has && name != "" {
		next["domain"] = string(a.ownerOf(name))
	}
	if _, has := next["source"]; !has {
		next["source"] = LegacySource
	}
	switch meta := next["meta"].(type) {
	case nil:
		next["meta"] = map[string]string{event.MetaLegacyEntryPoint: EntryEmitMap}
	case map[string]string:
		meta = maps.Clone(meta)
		meta[event.MetaLegacyEntryPoint] = EntryEmitMap
		next["meta"] = meta
	case map[string]any:
		meta = maps.Clone(meta)
		meta[event.MetaLegacyEntryPoint] = EntryEmitMap
		next["meta"] = meta
	}

	return a.bus.PublishMap(ctx, next)
}

// Broadcast publishes a real-time UI event. The topic becomes the type
// suffix: "task:updated" is published as "ui.task.updated".
func (a *LegacyAdapter) Broadcast(ctx context.Context, topic string, payload any) (*event.Envelope, error) {
	name := BroadcastType(topic)
	a.count(ctx, EntryBroadcast, name)
	return a.bus.Publish(ctx, event.Raw{
		Domain:  event.CategoryUI.Owner,
		Type:    name,
		Source:  LegacySource,
		Payload: payload,
		Meta:    map[string]string{event.MetaLegacyEntryPoint: EntryBroadcast},
	})
}

// BroadcastType maps a legacy broadcast topic onto a ui event type.
func BroadcastType(topic string) string {
	t := strings.ToLower(strings.TrimSpace(topic))
	t = strings.NewReplacer(":", ".", "/", ".", "-", "_", " ", "_").Replace(t)
	t = strings.Trim(t, ".")
	if strings.HasPrefix(t, event.CategoryUI.Name+".") {
		return t
	}
	return event.CategoryUI.Name + "." + t
}

// Calls returns the number of calls per entry point.
func (a *LegacyAdapter) Calls() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.calls))
	for k, v := range a.calls {
		out[k] = v.Load()
	}
	return out
}

func (a *LegacyAdapter) count(ctx context.Context, entry, name string) {
	a.mu.Lock()
	c, ok := a.calls[entry]
	if !ok {
		c = new(atomic.Int64)
		a.calls[entry] = c
	}
	a.mu.Unlock()
	c.Add(1)

	a.bus.metrics.RecordLegacyCall(ctx, entry)
	observability.LogLegacyCall(a.bus.logger, entry, name)
}

// ownerOf infers the domain from the category of name. An unknown category
// yields its own name, which the validator then reports.
func (a *LegacyAdapter) ownerOf(name string) event.Domain {
	if cat, ok := a.bus.registry.Current().CategoryFor(name); ok {
		return cat.Owner
	}
	return event.Domain(event.CategoryOf(name))
}
