package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

const origin = "bus"

// Bus is the single publish entry point of the backbone.
//
// Publish validates the input, stamps lineage, and hands the envelope to the
// pipeline its category's delivery tier selects. Every failure comes back as
// an *errors.ErrorClass.
type Bus struct {
	registry  *event.TaxonomyRegistry
	validator *event.Validator
	tracker   *lineage.Tracker
	engine    *pipeline.Engine
	monitor   *deadletter.Monitor

	deadletters deadletter.Store
	outbox      pipeline.Outbox

	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	logger  *slog.Logger
	now     func() time.Time

	// ownedCache is the lineage cache the bus created and must stop.
	ownedCache *lineage.MemoryCache
}

// New builds a Bus from its options. Every dependency has an in-memory
// default, so New() alone gives a working strict-mode bus.
func New(opts ...Option) (*Bus, error) {
	o := options{
		mode:       event.ModeStrict,
		cacheTTL:   10 * time.Minute,
		pipelines:  make(map[pipeline.Kind]pipeline.Config),
		monitorCfg: deadletter.DefaultMonitorConfig,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()

	b := &Bus{
		registry:    o.registry,
		deadletters: o.deadletters,
		outbox:      o.outbox,
		metrics:     o.metrics,
		spans:       o.spans,
		logger:      o.logger,
		now:         o.now,
	}

	cache := o.cache
	if cache == nil {
		b.ownedCache = lineage.NewMemoryCache(o.cacheTTL, time.Minute)
		cache = b.ownedCache
	}
	b.tracker = lineage.NewTracker(cache, o.edges,
		lineage.WithLogger(o.logger),
		lineage.WithClock(o.now),
	)

	b.validator = event.NewValidator(o.registry,
		event.WithMode(o.mode),
		event.WithLogger(o.logger),
		event.WithAuditSink(o.auditSink),
		event.WithVersionTracker(o.versions),
		event.WithClock(o.now),
		event.WithIDIndex(b.tracker),
	)

	engineOpts := []pipeline.Option{
		pipeline.WithDeadLetters(o.deadletters),
		pipeline.WithMetrics(o.metrics),
		pipeline.WithSpans(o.spans),
		pipeline.WithLogger(o.logger),
		pipeline.WithAuditSink(o.auditSink),
		pipeline.WithAlerter(o.alerter),
		pipeline.WithClock(o.now),
		pipeline.WithFanout(o.fanout),
	}
	for kind, cfg := range o.pipelines {
		engineOpts = append(engineOpts, pipeline.WithConfig(kind, cfg))
	}
	if o.policies != nil {
		engineOpts = append(engineOpts, pipeline.WithPolicies(o.policies))
	}
	if o.journal != nil {
		engineOpts = append(engineOpts, pipeline.WithJournal(o.journal))
	}
	if o.observer != nil {
		engineOpts = append(engineOpts, pipeline.WithObserver(o.observer))
	}
	b.engine = pipeline.NewEngine(engineOpts...)
	if err := b.engine.AttachOutbox(o.outbox, b.emit); err != nil {
		return nil, fmt.Errorf("attach outbox: %w", err)
	}

	b.monitor = deadletter.NewMonitor(o.deadletters, o.monitorCfg,
		deadletter.WithMetrics(o.metrics),
		deadletter.WithAlerter(o.alerter),
		deadletter.WithLogger(o.logger),
		deadletter.WithClock(o.now),
	)
	return b, nil
}

// Start starts the pipelines and the dead-letter monitor.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.engine.Start(ctx); err != nil {
		return err
	}
	b.monitor.Start(ctx)
	b.logger.Info("event backbone started",
		slog.String("mode", b.validator.Mode().String()),
		slog.Uint64("taxonomy_version", b.registry.Current().Version()),
	)
	return nil
}

// Close stops accepting publishes and drains the pipelines until ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.monitor.Stop()
	err := b.engine.Stop(ctx)
	if b.ownedCache != nil {
		b.ownedCache.Stop()
	}
	return err
}

// Publish validates raw, stamps its lineage and submits it.
//
// The returned envelope is the accepted event with id, version and
// correlation id assigned. On failure the error is always an
// *errors.ErrorClass and no lineage edge is left behind.
func (b *Bus) Publish(ctx context.Context, raw event.Raw) (*event.Envelope, error) {
	return b.publish(ctx, raw, false)
}

// PublishMap publishes a decoded JSON object. Malformed input is rejected
// through the validator so it is audited like any other rejection.
func (b *Bus) PublishMap(ctx context.Context, m map[string]any) (*event.Envelope, error) {
	raw, err := event.RawFromMap(m)
	if err != nil {
		ctx, span := b.spans.StartPublishSpan(ctx, fmt.Sprint(m["domain"]), fmt.Sprint(m["type"]))
		_, verr := b.validator.ValidateMap(ctx, m)
		ec := bberrors.Validation(origin, event.CodeMalformedInput, err.Error())
		if verr != nil {
			ec = classOf(verr)
		}
		b.metrics.RecordPublish(ctx, "", "", string(ec.Class))
		b.spans.EndSpanWithError(span, ec)
		return nil, ec
	}
	return b.Publish(ctx, raw)
}

func (b *Bus) publish(ctx context.Context, raw event.Raw, fromOutbox bool) (_ *event.Envelope, err error) {
	ctx, span := b.spans.StartPublishSpan(ctx, string(raw.Domain), raw.Type)
	defer func() { b.spans.EndSpanWithError(span, err) }()

	// The version is committed only once the engine has admitted the event.
	env, err := b.validator.Check(ctx, raw)
	if err != nil {
		// The validator has already logged and audited the rejection.
		ec := classOf(err)
		b.metrics.RecordPublish(ctx, string(raw.Domain), event.CategoryOf(raw.Type), string(ec.Class))
		return nil, ec
	}

	stamped, edge, err := b.tracker.Stamp(ctx, env, raw.CausationID)
	if err != nil {
		ec := bberrors.Dependency("lineage", "stamp_failed", err)
		b.rejected(ctx, raw, ec)
		return nil, ec
	}
	if err := b.tracker.Commit(ctx, edge); err != nil {
		if errors.Is(err, lineage.ErrDuplicateEdge) {
			// A concurrent publish took the id after validation looked it up.
			ec := event.DuplicateID(stamped.ID())
			ec.Err = err
			b.metrics.RecordPublish(ctx, string(raw.Domain), event.CategoryOf(raw.Type), string(ec.Class))
			return nil, classOf(b.validator.Reject(ctx, raw, ec))
		}
		ec := bberrors.Dependency("lineage", "edge_write_failed", err)
		b.rejected(ctx, raw, ec)
		return nil, ec
	}

	kind, durable := b.route(stamped)
	err = b.engine.Submit(ctx, pipeline.Submission{
		Envelope:   stamped,
		Pipeline:   kind,
		Durable:    durable,
		FromOutbox: fromOutbox,
	})
	if err != nil {
		if rerr := b.tracker.Revoke(context.WithoutCancel(ctx), edge); rerr != nil {
			b.logger.Warn("lineage edge revoke failed",
				slog.String("event_id", stamped.ID()),
				slog.String("error", rerr.Error()),
			)
		}
		ec := submitError(err)
		b.rejected(ctx, raw, ec)
		return nil, ec
	}

	if !b.validator.CommitVersion(stamped) {
		b.logger.Debug("event version already superseded",
			slog.String("event_id", stamped.ID()),
			slog.Int("version", stamped.Version()),
		)
	}
	b.metrics.RecordPublish(ctx, string(stamped.Domain()), stamped.Category(), "")
	observability.LogPublishAccepted(b.logger, stamped.ID(), string(stamped.Domain()),
		stamped.Type(), stamped.CorrelationID(), string(kind))
	return stamped, nil
}

// route picks the primary pipeline from the category's delivery tier.
// Permissive mode can accept an unregistered category; it goes to ingest.
func (b *Bus) route(env *event.Envelope) (pipeline.Kind, bool) {
	cat, ok := b.registry.Current().CategoryFor(env.Type())
	if !ok {
		return pipeline.KindIngest, false
	}
	return pipeline.ForDelivery(cat.Delivery), cat.Delivery == event.DeliveryDurable
}

func (b *Bus) rejected(ctx context.Context, raw event.Raw, ec *bberrors.ErrorClass) {
	b.metrics.RecordPublish(ctx, string(raw.Domain), event.CategoryOf(raw.Type), string(ec.Class))
	observability.LogPublishRejected(b.logger, string(raw.Domain), raw.Type, ec)
}

// submitError maps engine admission failures onto error classes.
func submitError(err error) *bberrors.ErrorClass {
	switch {
	case errors.Is(err, pipeline.ErrBackpressure):
		return bberrors.Transient(origin, "backpressure", err)
	case errors.Is(err, pipeline.ErrStopped):
		return bberrors.Dependency(origin, "stopped", err)
	case errors.Is(err, pipeline.ErrNotStarted):
		return bberrors.Dependency(origin, "not_started", err)
	}
	return classOf(err)
}

func classOf(err error) *bberrors.ErrorClass {
	if ec, ok := bberrors.AsClass(err); ok {
		return ec
	}
	return bberrors.Classify(err)
}

// RegisterConsumer registers a consumer on a pipeline.
func (b *Bus) RegisterConsumer(kind pipeline.Kind, c pipeline.Consumer) error {
	return b.engine.Register(kind, c)
}

// RemoveConsumer unregisters a consumer. Its in-flight deliveries are
// dead-lettered with the dependency class.
func (b *Bus) RemoveConsumer(name string) error {
	return b.engine.Remove(name)
}

// RegisterCategory adds a category, and its owner domain, to the taxonomy.
func (b *Bus) RegisterCategory(c event.Category) error {
	return b.registry.RegisterCategory(c)
}

// RegisterDomain adds a domain to the taxonomy.
func (b *Bus) RegisterDomain(d event.Domain) error {
	return b.registry.RegisterDomain(d)
}

// ReloadTaxonomy swaps in a new taxonomy. Publishes already past validation
// keep the taxonomy they were validated against.
func (b *Bus) ReloadTaxonomy(t *event.Taxonomy) error {
	if err := b.registry.Reload(t); err != nil {
		return err
	}
	b.logger.Info("taxonomy reloaded", slog.Uint64("taxonomy_version", b.registry.Current().Version()))
	return nil
}

// Taxonomy returns the current taxonomy snapshot.
func (b *Bus) Taxonomy() *event.Taxonomy { return b.registry.Current() }

// Mode returns the validation mode.
func (b *Bus) Mode() event.Mode { return b.validator.Mode() }

// Engine returns the pipeline engine.
func (b *Bus) Engine() *pipeline.Engine { return b.engine }

// DeadLetters returns the dead-letter store.
func (b *Bus) DeadLetters() deadletter.Store { return b.deadletters }

// Outbox returns the producer pipeline's outbox.
func (b *Bus) Outbox() pipeline.Outbox { return b.outbox }

// Lineage returns every edge of a correlation chain, oldest first.
func (b *Bus) Lineage(ctx context.Context, correlationID string) ([]lineage.Edge, error) {
	return b.tracker.Chain(ctx, correlationID)
}

// Edge returns the lineage edge of one event.
func (b *Bus) Edge(ctx context.Context, eventID string) (lineage.Edge, bool, error) {
	return b.tracker.Lookup(ctx, eventID)
}

// Stats is a point-in-time summary of the backbone.
type Stats struct {
	Mode            string                  `json:"mode"`
	TaxonomyVersion uint64                  `json:"taxonomy_version"`
	DeadLetters     deadletter.Stats        `json:"dead_letters"`
	Consumers       []pipeline.ConsumerInfo `json:"consumers"`
	Fanout          []pipeline.FanoutEdge   `json:"fanout"`
	Restarts        map[pipeline.Kind]int64 `json:"restarts"`
}

// Stats collects the current backbone summary.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	dl, err := b.deadletters.Stats(ctx, b.now())
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter stats: %w", err)
	}
	restarts := make(map[pipeline.Kind]int64, len(pipeline.Kinds()))
	for _, k := range pipeline.Kinds() {
		restarts[k] = b.engine.Restarts(k)
	}
	return Stats{
		Mode:            b.validator.Mode().String(),
		TaxonomyVersion: b.registry.Current().Version(),
		DeadLetters:     dl,
		Consumers:       b.engine.Consumers(),
		Fanout:          b.engine.Fanout().Edges(),
		Restarts:        restarts,
	}, nil
}
