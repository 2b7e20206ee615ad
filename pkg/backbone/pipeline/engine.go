package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// ErrNotStarted is returned when submitting before Start.
var ErrNotStarted = errors.New("pipeline engine not started")

// Config configures one pipeline.
type Config struct {
	// Partitions is the number of partition workers.
	// Default: 4
	Partitions int

	// QueueSize bounds each partition queue, and the ingest intake.
	// Default: 256
	QueueSize int

	// EnqueueTimeout is how long Submit waits for queue space before failing
	// with ErrBackpressure. Ignored by the realtime pipeline, which drops.
	// Default: 100ms
	EnqueueTimeout time.Duration

	// DeliveryTimeout bounds a delivery's first attempt. Later attempts use
	// the policy timeout of the class that failed the previous attempt.
	// Default: 30 seconds
	DeliveryTimeout time.Duration

	// BatchSize is the ingest journal batch size, and the outbox poll size.
	// Default: 64
	BatchSize int

	// FlushInterval flushes a partial ingest batch.
	// Default: 20ms
	FlushInterval time.Duration

	// PollInterval is how often the producer pipeline polls the outbox.
	// Default: 1 second
	PollInterval time.Duration

	// RestartBackoff is the first supervisor restart delay.
	// Default: 50ms
	RestartBackoff time.Duration

	// MaxRestartBackoff caps the supervisor restart delay.
	// Default: 5 seconds
	MaxRestartBackoff time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Partitions:        4,
	QueueSize:         256,
	EnqueueTimeout:    100 * time.Millisecond,
	DeliveryTimeout:   30 * time.Second,
	BatchSize:         64,
	FlushInterval:     20 * time.Millisecond,
	PollInterval:      time.Second,
	RestartBackoff:    50 * time.Millisecond,
	MaxRestartBackoff: 5 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Partitions <= 0 {
		c.Partitions = d.Partitions
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = d.RestartBackoff
	}
	if c.MaxRestartBackoff < c.RestartBackoff {
		c.MaxRestartBackoff = max(d.MaxRestartBackoff, c.RestartBackoff)
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration of one pipeline.
func WithConfig(kind Kind, cfg Config) Option {
	return func(e *Engine) { e.configs[kind] = cfg }
}

// WithPolicies sets the retry policies. Default: DefaultPolicies.
func WithPolicies(t *bberrors.PolicyTable) Option {
	return func(e *Engine) { e.policies = t }
}

// WithDeadLetters sets the dead-letter store. Default: an in-memory store.
func WithDeadLetters(s deadletter.Store) Option {
	return func(e *Engine) { e.deadletters = s }
}

// WithJournal sets the ingest journal. Default: an in-memory journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithFanout sets cross-domain governance.
func WithFanout(cfg FanoutConfig) Option {
	return func(e *Engine) { e.fanoutCfg = cfg }
}

// WithMetrics sets the metrics recorder. Default: NoopMetrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSpans sets the span manager. Default: NoopSpanManager.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) { e.spans = s }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithAuditSink sets where security failures are recorded.
// Default: a LogSink.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.audit = s }
}

// WithAlerter sets where fatal failures are raised.
// Default: the audit sink.
func WithAlerter(a audit.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithObserver receives a Report for every finished delivery.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	stateStopped
)

// Engine runs the four pipelines.
type Engine struct {
	configs     map[Kind]Config
	policies    *bberrors.PolicyTable
	deadletters deadletter.Store
	journal     Journal
	fanoutCfg   FanoutConfig
	fanout      *FanoutMeter
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	logger      *slog.Logger
	audit       audit.Sink
	alerter     audit.Alerter
	observer    Observer
	now         func() time.Time

	outbox Outbox
	emit   Emitter

	pipes map[Kind]*pipe

	mu        sync.RWMutex
	consumers map[string]*consumerState
	byKind    map[Kind][]*consumerState

	// stateMu is held shared by Submit while it hands off an envelope, and
	// exclusively by Start and Stop.
	stateMu    sync.RWMutex
	state      engineState
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
}

// NewEngine creates an engine. Call Start before submitting.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		configs:   make(map[Kind]Config),
		consumers: make(map[string]*consumerState),
		byKind:    make(map[Kind][]*consumerState),
		fanoutCfg: DefaultFanoutConfig,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = observability.ResolveLogger(e.logger)
	if e.policies == nil {
		e.policies = bberrors.NewPolicyTable(nil)
	}
	if e.deadletters == nil {
		e.deadletters = deadletter.NewMemoryStore()
	}
	if e.journal == nil {
		e.journal = NewMemoryJournal()
	}
	if e.metrics == nil {
		e.metrics = observability.NoopMetrics{}
	}
	if e.spans == nil {
		e.spans = observability.NoopSpanManager{}
	}
	if e.audit == nil {
		e.audit = audit.NewLogSink(e.logger)
	}
	if e.alerter == nil {
		e.alerter = audit.SinkAlerter{Sink: e.audit}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	e.fanout = NewFanoutMeter(e.fanoutCfg, e.metrics, e.logger, e.now)

	e.pipes = make(map[Kind]*pipe, len(Kinds()))
	for _, kind := range Kinds() {
		cfg := e.configs[kind].withDefaults()
		e.configs[kind] = cfg
		e.pipes[kind] = newPipe(e, kind, cfg)
	}
	return e
}

// Config returns the resolved configuration of a pipeline.
func (e *Engine) Config(kind Kind) Config { return e.configs[kind] }

// Policies returns the retry policy table.
func (e *Engine) Policies() *bberrors.PolicyTable { return e.policies }

// DeadLetters returns the dead-letter store.
func (e *Engine) DeadLetters() deadletter.Store { return e.deadletters }

// Journal returns the ingest journal.
func (e *Engine) Journal() Journal { return e.journal }

// Fanout returns the cross-domain meter.
func (e *Engine) Fanout() *FanoutMeter { return e.fanout }

// Restarts returns how many supervised goroutines of a pipeline restarted.
func (e *Engine) Restarts(kind Kind) int64 {
	if p, ok := e.pipes[kind]; ok {
		return p.sup.Restarts()
	}
	return 0
}

// AttachOutbox enables the producer pipeline. The engine polls outbox and
// hands due records to emit, which must publish them through the normal
// validated path. It must be called before Start.
func (e *Engine) AttachOutbox(outbox Outbox, emit Emitter) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != stateIdle {
		return fmt.Errorf("attach outbox: engine already started")
	}
	if outbox == nil || emit == nil {
		return fmt.Errorf("attach outbox: outbox and emitter are required")
	}
	e.outbox = outbox
	e.emit = emit
	return nil
}

// Outbox returns the attached outbox, or nil.
func (e *Engine) Outbox() Outbox { return e.outbox }

type consumerState struct {
	Consumer
	kind    Kind
	credits credits
	ctx     context.Context
	cancel  context.CancelFunc
}

// ConsumerInfo describes a registered consumer.
type ConsumerInfo struct {
	Name        string         `json:"name"`
	Pipeline    Kind           `json:"pipeline"`
	Domains     []event.Domain `json:"domains,omitempty"`
	HomeDomain  event.Domain   `json:"home_domain,omitempty"`
	MaxInFlight int            `json:"max_in_flight"`
	InFlight    int            `json:"in_flight"`
}

// Register adds a consumer to a pipeline.
func (e *Engine) Register(kind Kind, c Consumer) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown pipeline %q", ErrInvalidConsumer, kind)
	}
	if err := c.validate(kind); err != nil {
		return err
	}
	if kind == KindProducer && e.outbox == nil {
		return fmt.Errorf("register %s: %w", c.Name, ErrProducerConsumer)
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 1
	}
	c.Domains = slices.Clone(c.Domains)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.consumers[c.Name]; exists {
		return fmt.Errorf("%w: consumer %s already registered", ErrInvalidConsumer, c.Name)
	}
	if kind == KindCrossDomain && e.fanoutCfg.MaxConsumersPerDomain > 0 {
		for _, d := range c.Domains {
			n := 0
			for _, other := range e.byKind[KindCrossDomain] {
				if slices.Contains(other.Domains, d) {
					n++
				}
			}
			if n >= e.fanoutCfg.MaxConsumersPerDomain {
				return fmt.Errorf("register %s: %w: domain %s already has %d", c.Name, ErrFanoutCap, d, n)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs := &consumerState{
		Consumer: c,
		kind:     kind,
		credits:  newCredits(c.MaxInFlight),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.consumers[c.Name] = cs
	e.byKind[kind] = append(e.byKind[kind], cs)

	e.logger.Info("consumer registered",
		slog.String("consumer", c.Name),
		slog.String("pipeline", string(kind)),
		slog.Int("max_in_flight", c.MaxInFlight),
	)
	return nil
}

// Remove unregisters a consumer. Its in-flight deliveries are cancelled and
// dead-lettered as dependency failures.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	cs, ok := e.consumers[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("remove %s: %w", name, ErrUnknownConsumer)
	}
	delete(e.consumers, name)
	e.byKind[cs.kind] = slices.DeleteFunc(e.byKind[cs.kind], func(other *consumerState) bool {
		return other == cs
	})
	e.mu.Unlock()

	cs.cancel()
	e.logger.Info("consumer removed",
		slog.String("consumer", name),
		slog.String("pipeline", string(cs.kind)),
	)
	return nil
}

// Consumers lists registered consumers, sorted by name.
func (e *Engine) Consumers() []ConsumerInfo {
	e.mu.RLock()
	out := make([]ConsumerInfo, 0, len(e.consumers))
	for _, cs := range e.consumers {
		out = append(out, ConsumerInfo{
			Name:        cs.Name,
			Pipeline:    cs.kind,
			Domains:     slices.Clone(cs.Domains),
			HomeDomain:  cs.HomeDomain,
			MaxInFlight: cs.credits.capacity(),
			InFlight:    cs.credits.inFlight(),
		})
	}
	e.mu.RUnlock()

	slices.SortFunc(out, func(a, b ConsumerInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// targets returns the consumers of a pipeline that want env.
func (e *Engine) targets(kind Kind, env *event.Envelope) []*consumerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*consumerState
	for _, cs := range e.byKind[kind] {
		if cs.matches(kind, env) {
			out = append(out, cs)
		}
	}
	return out
}

// Submission is an accepted envelope handed to the engine.
type Submission struct {
	Envelope *event.Envelope

	// Pipeline is the primary pipeline: ingest or realtime.
	Pipeline Kind

	// Durable makes an ingest Submit wait until the envelope is journaled.
	Durable bool

	// FromOutbox marks envelopes emitted by the producer pipeline's poller.
	// They are also delivered to producer pipeline consumers.
	FromOutbox bool
}

// Submit hands an envelope to its primary pipeline, then to the cross-domain
// and producer pipelines when they have matching consumers.
//
// A full ingest queue blocks up to EnqueueTimeout and then fails with
// ErrBackpressure. A full realtime queue drops the envelope and Submit
// succeeds. Admission failures on the secondary pipelines dead-letter the
// envelope for that pipeline instead of failing the call.
func (e *Engine) Submit(ctx context.Context, s Submission) error {
	if s.Envelope == nil {
		return fmt.Errorf("submit: nil envelope")
	}
	if s.Pipeline != KindIngest && s.Pipeline != KindRealtime {
		return fmt.Errorf("submit: %q is not a primary pipeline", s.Pipeline)
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	switch e.state {
	case stateIdle:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}

	env := s.Envelope
	err := e.pipes[s.Pipeline].submit(ctx, env, s.Durable)
	switch {
	case errors.Is(err, errDropped):
		e.dropped(ctx, s.Pipeline, env, "queue_full")
	case err != nil:
		return err
	}

	if len(e.targets(KindCrossDomain, env)) > 0 {
		e.submitSecondary(ctx, KindCrossDomain, env)
	}
	if s.FromOutbox && len(e.targets(KindProducer, env)) > 0 {
		e.submitSecondary(ctx, KindProducer, env)
	}
	return nil
}

func (e *Engine) submitSecondary(ctx context.Context, kind Kind, env *event.Envelope) {
	err := e.pipes[kind].submit(ctx, env, false)
	if err == nil {
		return
	}
	code := "backpressure"
	if !errors.Is(err, ErrBackpressure) {
		code = "admission_failed"
	}
	e.deadLetter(ctx, string(kind), kind, "", env, bberrors.Transient(string(kind), code, err), 0)
}

func (e *Engine) dropped(ctx context.Context, kind Kind, env *event.Envelope, reason string) {
	e.metrics.RecordDrop(ctx, string(kind), reason)
	e.logger.Warn("envelope dropped",
		slog.String("event_id", env.ID()),
		slog.String("type", env.Type()),
		slog.String("pipeline", string(kind)),
		slog.String("reason", reason),
	)
	e.report(Report{EventID: env.ID(), Pipeline: kind, Outcome: ReportDropped})
}

// Start launches every pipeline and re-dispatches journal entries left
// pending by a previous process.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != stateIdle {
		return fmt.Errorf("start pipeline engine: already started")
	}

	pending, err := e.journal.Pending(ctx, 0)
	if err != nil {
		return fmt.Errorf("start pipeline engine: load pending journal: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for _, kind := range Kinds() {
		e.pipes[kind].start(runCtx)
	}
	e.pipes[KindIngest].redispatch(runCtx, pending)

	if e.outbox != nil {
		pollCtx, pollCancel := context.WithCancel(runCtx)
		e.pollCancel = pollCancel
		e.pipes[KindProducer].sup.Go(pollCtx, "outbox-poller", e.runPoller)
	}

	e.state = stateRunning
	e.logger.Info("pipeline engine started", slog.Int("journal_pending", len(pending)))
	return nil
}

// Stop stops intake, then drains queued envelopes until ctx ends. Envelopes
// still queued after that are dead-lettered as transient shutdown failures,
// except journaled ingest envelopes, which stay pending for the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != stateRunning {
		e.state = stateStopped
		e.stateMu.Unlock()
		return nil
	}
	e.state = stateStopped
	e.stateMu.Unlock()

	if e.pollCancel != nil {
		e.pollCancel()
	}
	for _, kind := range Kinds() {
		e.pipes[kind].closeIntake()
	}

	done := make(chan struct{})
	go func() {
		for _, kind := range Kinds() {
			e.pipes[kind].sup.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
		err = fmt.Errorf("stop pipeline engine: %w", ctx.Err())
	}
	e.cancel()

	leftover := context.WithoutCancel(ctx)
	abandoned := 0
	for _, kind := range Kinds() {
		abandoned += e.pipes[kind].abandonQueued(leftover)
	}
	e.logger.Info("pipeline engine stopped", slog.Int("abandoned", abandoned))
	return err
}

// deadLetter stores a failed delivery and raises the audit record or alert
// its class requires.
func (e *Engine) deadLetter(ctx context.Context, queue string, kind Kind, consumer string, env *event.Envelope, ec *bberrors.ErrorClass, attempts int) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	entry := deadletter.Entry{
		Envelope:    env,
		Class:       ec,
		Attempts:    attempts,
		FirstSeenAt: now,
		LastSeenAt:  now,
		QueueName:   queue,
	}
	if _, err := e.deadletters.Enqueue(ctx, entry); err != nil {
		e.logger.Error("dead-letter enqueue failed",
			slog.String("event_id", env.ID()),
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
	}
	e.metrics.RecordDeadLetter(ctx, queue, string(ec.Class))
	observability.LogDeadLetter(e.logger, env.ID(), queue, attempts, ec)

	rec := audit.Record{
		At:            now,
		EventID:       env.ID(),
		Domain:        string(env.Domain()),
		Type:          env.Type(),
		CorrelationID: env.CorrelationID(),
		Origin:        consumer,
		Class:         ec,
		Detail: map[string]string{
			"pipeline": string(kind),
			"queue":    queue,
			"attempts": fmt.Sprint(attempts),
		},
	}
	switch ec.Class {
	case bberrors.ClassSecurity:
		rec.Kind = audit.KindSecurityFailure
		if err := e.audit.Write(ctx, rec); err != nil {
			e.logger.Error("security audit write failed", slog.String("event_id", env.ID()), slog.String("error", err.Error()))
		}
	case bberrors.ClassFatal:
		rec.Kind = audit.KindFatalAlert
		if err := e.alerter.Alert(ctx, rec); err != nil {
			e.logger.Error("fatal alert failed", slog.String("event_id", env.ID()), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) report(r Report) {
	if e.observer != nil {
		e.observer(r)
	}
}

func (e *Engine) runPoller(ctx context.Context) {
	ticker := time.NewTicker(e.configs[KindProducer].PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PollOnce(ctx); err != nil {
				e.logger.Warn("outbox poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce emits every due outbox record once and returns how many were
// published. Retryable failures are rescheduled under the retry policy of
// their class; other failures fail the record for good.
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	if e.outbox == nil {
		return 0, nil
	}
	now := e.now()
	due, err := e.outbox.Due(ctx, now, e.configs[KindProducer].BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due outbox records: %w", err)
	}

	emitted := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		env, err := e.emit(ctx, rec)
		if err == nil {
			if err := e.outbox.MarkEmitted(ctx, rec.ID, env.ID(), e.now()); err != nil {
				e.logger.Error("outbox mark emitted failed", slog.String("outbox_id", rec.ID), slog.String("error", err.Error()))
			}
			emitted++
			continue
		}

		ec := bberrors.Classify(err)
		var retryAt time.Time
		if ec.Retryable() {
			policy := e.policies.For(ec.Class)
			if attempt := rec.Attempts + 1; attempt < policy.MaxAttempts {
				retryAt = e.now().Add(policy.Backoff(attempt))
			}
		}
		e.logger.Warn("outbox emit failed",
			slog.String("outbox_id", rec.ID),
			slog.String("type", rec.Type),
			slog.String("error_class", string(ec.Class)),
			slog.Bool("rescheduled", !retryAt.IsZero()),
			slog.String("error", ec.Error()),
		)
		if err := e.outbox.MarkFailed(ctx, rec.ID, ec.Error(), retryAt); err != nil {
			e.logger.Error("outbox mark failed failed", slog.String("outbox_id", rec.ID), slog.String("error", err.Error()))
		}
	}
	return emitted, nil
}
