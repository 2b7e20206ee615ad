package pipeline

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// FanoutConfig governs cross-domain routing.
type FanoutConfig struct {
	// ThresholdPerMinute flags an edge carrying more events per minute than
	// this for the whole Sustain window.
	// Default: 5
	ThresholdPerMinute float64

	// Sustain is how long an edge must stay above the threshold.
	// Rounded up to whole minutes. Default: 5 minutes
	Sustain time.Duration

	// MaxConsumersPerDomain caps cross-domain consumers per source domain.
	// Default: 0 (unlimited)
	MaxConsumersPerDomain int
}

// DefaultFanoutConfig provides reasonable defaults.
var DefaultFanoutConfig = FanoutConfig{
	ThresholdPerMinute: 5,
	Sustain:            5 * time.Minute,
}

// FanoutEdge is the observed traffic on one source -> target domain edge.
type FanoutEdge struct {
	Source event.Domain `json:"source"`
	Target event.Domain `json:"target"`

	// PerMinute is the event count of the last complete minute.
	PerMinute float64 `json:"per_minute"`

	// Total counts every event observed on the edge.
	Total int64 `json:"total"`

	// Flagged is set while the edge stays above the threshold for the
	// sustain window. Flagged edges are candidates for a dedicated pipeline.
	Flagged   bool      `json:"flagged"`
	FlaggedAt time.Time `json:"flagged_at,omitzero"`
}

type edgeKey struct {
	source, target event.Domain
}

type edgeState struct {
	buckets   map[int64]int
	total     int64
	flagged   bool
	flaggedAt time.Time
}

// FanoutMeter counts cross-domain deliveries per edge in one-minute buckets.
// Flagging is advisory; the meter never changes routing.
type FanoutMeter struct {
	cfg     FanoutConfig
	window  int64
	now     func() time.Time
	metrics observability.MetricsRecorder
	logger  *slog.Logger

	mu    sync.Mutex
	edges map[edgeKey]*edgeState
}

// NewFanoutMeter creates a meter. Nil metrics, logger or clock use defaults.
func NewFanoutMeter(cfg FanoutConfig, metrics observability.MetricsRecorder, logger *slog.Logger, now func() time.Time) *FanoutMeter {
	if cfg.ThresholdPerMinute <= 0 {
		cfg.ThresholdPerMinute = DefaultFanoutConfig.ThresholdPerMinute
	}
	if cfg.Sustain <= 0 {
		cfg.Sustain = DefaultFanoutConfig.Sustain
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	window := int64((cfg.Sustain + time.Minute - 1) / time.Minute)
	return &FanoutMeter{
		cfg:     cfg,
		window:  max(window, 1),
		now:     now,
		metrics: metrics,
		logger:  observability.ResolveLogger(logger),
		edges:   make(map[edgeKey]*edgeState),
	}
}

// Config returns the meter's configuration.
func (m *FanoutMeter) Config() FanoutConfig { return m.cfg }

// Observe counts one delivery from source to target.
func (m *FanoutMeter) Observe(ctx context.Context, source, target event.Domain) {
	minute := m.now().Unix() / 60
	key := edgeKey{source, target}

	m.mu.Lock()
	st, ok := m.edges[key]
	if !ok {
		st = &edgeState{buckets: make(map[int64]int)}
		m.edges[key] = st
	}
	st.buckets[minute]++
	st.total++
	edge := m.evaluate(key, st, minute)
	m.mu.Unlock()

	m.metrics.RecordFanoutRate(ctx, string(source), string(target), edge.PerMinute)
}

// Edges returns every observed edge, evaluated at the current time.
func (m *FanoutMeter) Edges() []FanoutEdge {
	minute := m.now().Unix() / 60

	m.mu.Lock()
	out := make([]FanoutEdge, 0, len(m.edges))
	for key, st := range m.edges {
		out = append(out, m.evaluate(key, st, minute))
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b FanoutEdge) int {
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	return out
}

// Flagged returns the edges currently above the threshold for the whole
// sustain window.
func (m *FanoutMeter) Flagged() []FanoutEdge {
	var out []FanoutEdge
	for _, e := range m.Edges() {
		if e.Flagged {
			out = append(out, e)
		}
	}
	return out
}

// evaluate must be called with m.mu held.
func (m *FanoutMeter) evaluate(key edgeKey, st *edgeState, minute int64) FanoutEdge {
	for b := range st.buckets {
		if b < minute-m.window {
			delete(st.buckets, b)
		}
	}

	sustained := true
	for b := minute - m.window; b < minute; b++ {
		if float64(st.buckets[b]) <= m.cfg.ThresholdPerMinute {
			sustained = false
			break
		}
	}

	switch {
	case sustained && !st.flagged:
		st.flagged = true
		st.flaggedAt = m.now()
		observability.LogFanoutFlagged(m.logger, string(key.source), string(key.target), float64(st.buckets[minute-1]))
	case !sustained && st.flagged:
		st.flagged = false
		st.flaggedAt = time.Time{}
	}

	return FanoutEdge{
		Source:    key.source,
		Target:    key.target,
		PerMinute: float64(st.buckets[minute-1]),
		Total:     st.total,
		Flagged:   st.flagged,
		FlaggedAt: st.flaggedAt,
	}
}
