package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// MonitorConfig configures backlog alerting.
type MonitorConfig struct {
	// AlertDepth raises an alert when the unreplayed backlog reaches this size.
	// Default: 100. Negative disables depth alerts.
	AlertDepth int

	// AlertAge raises an alert when the oldest unreplayed entry is this old.
	// Default: 1 hour. Negative disables age alerts.
	AlertAge time.Duration

	// CheckInterval is how often the store is inspected.
	// Default: 30 seconds
	CheckInterval time.Duration
}

// DefaultMonitorConfig provides reasonable defaults.
var DefaultMonitorConfig = MonitorConfig{
	AlertDepth:    100,
	AlertAge:      time.Hour,
	CheckInterval: 30 * time.Second,
}

// Monitor publishes backlog depth/age metrics and alerts when thresholds are
// crossed. An alert fires once per crossing; it re-arms after the backlog
// drops back under the threshold.
type Monitor struct {
	store   Store
	cfg     MonitorConfig
	metrics observability.MetricsRecorder
	alerter audit.Alerter
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	depthHigh bool
	ageHigh   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMetrics sets the metrics recorder. Default: NoopMetrics.
func WithMetrics(m observability.MetricsRecorder) MonitorOption {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithAlerter sets where alerts go. Default: a LogSink alerter.
func WithAlerter(a audit.Alerter) MonitorOption {
	return func(mon *Monitor) { mon.alerter = a }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(mon *Monitor) { mon.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(mon *Monitor) { mon.now = now }
}

// NewMonitor creates a Monitor over store.
func NewMonitor(store Store, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	if cfg.AlertDepth == 0 {
		cfg.AlertDepth = DefaultMonitorConfig.AlertDepth
	}
	if cfg.AlertAge == 0 {
		cfg.AlertAge = DefaultMonitorConfig.AlertAge
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultMonitorConfig.CheckInterval
	}

	m := &Monitor{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observability.NoopMetrics{}
	}
	if m.alerter == nil {
		m.alerter = audit.SinkAlerter{Sink: audit.NewLogSink(m.logger)}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// Start begins periodic checks until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the monitor and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("dead-letter check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Check inspects the store once, records metrics and raises alerts.
func (m *Monitor) Check(ctx context.Context) (Stats, error) {
	st, err := m.store.Stats(ctx, m.now())
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter stats: %w", err)
	}
	m.metrics.RecordDeadLetterBacklog(ctx, int64(st.Depth), st.OldestAge)

	depthHigh := m.cfg.AlertDepth > 0 && st.Depth >= m.cfg.AlertDepth
	ageHigh := m.cfg.AlertAge > 0 && st.Depth > 0 && st.OldestAge >= m.cfg.AlertAge

	m.mu.Lock()
	raiseDepth := depthHigh && !m.depthHigh
	raiseAge := ageHigh && !m.ageHigh
	m.depthHigh = depthHigh
	m.ageHigh = ageHigh
	m.mu.Unlock()

	if raiseDepth {
		m.alert(ctx, "depth", st, fmt.Sprintf("%d entries (threshold %d)", st.Depth, m.cfg.AlertDepth))
	}
	if raiseAge {
		m.alert(ctx, "age", st, fmt.Sprintf("oldest entry %s old (threshold %s)", st.OldestAge.Truncate(time.Second), m.cfg.AlertAge))
	}
	return st, nil
}

func (m *Monitor) alert(ctx context.Context, trigger string, st Stats, msg string) {
	err := m.alerter.Alert(ctx, audit.Record{
		Kind:   audit.KindDeadLetterBacklog,
		At:     m.now(),
		Origin: "deadletter",
		Detail: map[string]string{
			"trigger":    trigger,
			"depth":      fmt.Sprint(st.Depth),
			"oldest_age": st.OldestAge.String(),
			"message":    msg,
		},
	})
	if err != nil {
		m.logger.Warn("dead-letter alert failed", slog.String("error", err.Error()))
	}
}
