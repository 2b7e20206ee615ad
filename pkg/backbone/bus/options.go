package bus

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

type options struct {
	registry *event.TaxonomyRegistry
	mode     event.Mode
	versions *event.VersionTracker

	cache    lineage.Cache
	cacheTTL time.Duration
	edges    lineage.EdgeStore

	deadletters deadletter.Store
	monitorCfg  deadletter.MonitorConfig
	journal     pipeline.Journal
	outbox      pipeline.Outbox
	policies    *bberrors.PolicyTable
	pipelines   map[pipeline.Kind]pipeline.Config
	fanout      pipeline.FanoutConfig
	observer    pipeline.Observer

	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	logger    *slog.Logger
	auditSink audit.Sink
	alerter   audit.Alerter
	now       func() time.Time
}

func (o *options) applyDefaults() {
	if o.registry == nil {
		o.registry = event.NewTaxonomyRegistry(event.DefaultTaxonomy())
	}
	if o.versions == nil {
		o.versions = event.NewVersionTracker()
	}
	if o.edges == nil {
		o.edges = lineage.NewMemoryEdgeStore()
	}
	if o.deadletters == nil {
		o.deadletters = deadletter.NewMemoryStore()
	}
	if o.outbox == nil {
		o.outbox = pipeline.NewMemoryOutbox()
	}
	if o.metrics == nil {
		o.metrics = observability.NoopMetrics{}
	}
	if o.spans == nil {
		o.spans = observability.NoopSpanManager{}
	}
	o.logger = observability.ResolveLogger(o.logger)
	if o.auditSink == nil {
		o.auditSink = audit.NewLogSink(o.logger)
	}
	if o.alerter == nil {
		o.alerter = audit.SinkAlerter{Sink: o.auditSink}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
}

// Option configures a Bus.
type Option func(*options)

// WithTaxonomy sets the initial taxonomy. Default: event.DefaultTaxonomy().
func WithTaxonomy(t *event.Taxonomy) Option {
	return func(o *options) { o.registry = event.NewTaxonomyRegistry(t) }
}

// WithRegistry shares an existing taxonomy registry.
func WithRegistry(r *event.TaxonomyRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithMode sets the validation mode. Default: strict.
func WithMode(m event.Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithVersionTracker shares a version tracker between buses.
func WithVersionTracker(t *event.VersionTracker) Option {
	return func(o *options) { o.versions = t }
}

// WithLineageCache sets the correlation cache, e.g. a lineage.RedisCache.
// Default: an in-memory cache owned and stopped by the bus.
func WithLineageCache(c lineage.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithLineageCacheTTL sets the TTL of the default in-memory cache.
func WithLineageCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithEdgeStore sets the lineage edge store.
func WithEdgeStore(s lineage.EdgeStore) Option {
	return func(o *options) { o.edges = s }
}

// WithDeadLetters sets the dead-letter store.
func WithDeadLetters(s deadletter.Store) Option {
	return func(o *options) { o.deadletters = s }
}

// WithMonitor configures the dead-letter monitor.
func WithMonitor(cfg deadletter.MonitorConfig) Option {
	return func(o *options) { o.monitorCfg = cfg }
}

// WithJournal sets the ingest journal.
func WithJournal(j pipeline.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithOutbox sets the producer pipeline's outbox.
func WithOutbox(ob pipeline.Outbox) Option {
	return func(o *options) { o.outbox = ob }
}

// WithPolicies sets the retry policy table.
func WithPolicies(t *bberrors.PolicyTable) Option {
	return func(o *options) { o.policies = t }
}

// WithPipelineConfig overrides one pipeline's configuration.
func WithPipelineConfig(kind pipeline.Kind, cfg pipeline.Config) Option {
	return func(o *options) { o.pipelines[kind] = cfg }
}

// WithFanout configures cross-domain fan-out tracking.
func WithFanout(cfg pipeline.FanoutConfig) Option {
	return func(o *options) { o.fanout = cfg }
}

// WithObserver receives a report for every finished delivery.
func WithObserver(fn pipeline.Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithSpans sets the span manager. Default: no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) { o.spans = s }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAuditSink sets where validation rejections and security failures
// are recorded. Default: a sink that logs records.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSink = s }
}

// WithAlerter sets where fatal and backlog alerts go. Default: the audit sink.
func WithAlerter(a audit.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
