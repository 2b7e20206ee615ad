package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

var errDropped = errors.New("dropped")

type attemptKey struct{}

// AttemptFromContext returns the delivery attempt number, starting at 1, of
// the context passed to a Handler. It returns 0 outside a delivery.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// delivery is one envelope travelling through a pipeline. Attempt counters
// live in the per-consumer retry loop, never on the envelope.
type delivery struct {
	env       *event.Envelope
	journaled bool

	mu          sync.Mutex
	finished    map[string]bool
	interrupted bool
}

func newDelivery(env *event.Envelope) *delivery {
	return &delivery{env: env, finished: make(map[string]bool)}
}

func (d *delivery) finish(consumer string) {
	d.mu.Lock()
	d.finished[consumer] = true
	d.mu.Unlock()
}

func (d *delivery) isFinished(consumer string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished[consumer]
}

func (d *delivery) interrupt() {
	d.mu.Lock()
	d.interrupted = true
	d.mu.Unlock()
}

func (d *delivery) wasInterrupted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupted
}

type intakeItem struct {
	d   *delivery
	ack chan error
}

// pipe is one pipeline: partition queues, their workers and a supervisor.
type pipe struct {
	e      *Engine
	kind   Kind
	cfg    Config
	sup    *supervisor
	queues []chan *delivery

	// ingest only
	intake     chan *intakeItem
	batch      []*intakeItem
	replay     []*event.Envelope
	replayed   int
	replayDone chan struct{}
	replayOnce sync.Once

	closeOnce sync.Once
}

func newPipe(e *Engine, kind Kind, cfg Config) *pipe {
	p := &pipe{
		e:      e,
		kind:   kind,
		cfg:    cfg,
		sup:    newSupervisor(kind, e.logger, cfg.RestartBackoff, cfg.MaxRestartBackoff),
		queues: make([]chan *delivery, cfg.Partitions),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *delivery, cfg.QueueSize)
	}
	if kind == KindIngest {
		p.intake = make(chan *intakeItem, cfg.QueueSize)
		p.replayDone = make(chan struct{})
	}
	return p
}

// partition maps (domain, correlation_id) onto a partition index.
func partition(env *event.Envelope, n int) int {
	h := fnv.New32a()
	h.Write([]byte(env.Domain()))
	h.Write([]byte{0})
	h.Write([]byte(env.CorrelationID()))
	return int(h.Sum32() % uint32(n))
}

func (p *pipe) queueFor(env *event.Envelope) chan *delivery {
	return p.queues[partition(env, len(p.queues))]
}

func (p *pipe) start(ctx context.Context) {
	for i, q := range p.queues {
		w := &worker{p: p, queue: q}
		p.sup.Go(ctx, fmt.Sprintf("partition-%d", i), w.run)
	}
	if p.kind == KindIngest {
		p.sup.Go(ctx, "batcher", p.runBatcher)
	}
}

// submit admits one envelope.
func (p *pipe) submit(ctx context.Context, env *event.Envelope, durable bool) error {
	d := newDelivery(env)

	if p.kind == KindIngest {
		item := &intakeItem{d: d}
		if durable {
			item.ack = make(chan error, 1)
		}
		if err := offer(ctx, p.intake, item, p.cfg.EnqueueTimeout); err != nil {
			return err
		}
		if item.ack == nil {
			return nil
		}
		select {
		case err := <-item.ack:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q := p.queueFor(env)
	if p.kind == KindRealtime {
		select {
		case q <- d:
			return nil
		default:
			return errDropped
		}
	}
	return offer(ctx, q, d, p.cfg.EnqueueTimeout)
}

func offer[T any](ctx context.Context, ch chan T, v T, timeout time.Duration) error {
	select {
	case ch <- v:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- v:
		return nil
	case <-timer.C:
		return ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeIntake stops admission. Ingest closes its intake and lets the batcher
// close the partition queues once everything admitted has been dispatched.
func (p *pipe) closeIntake() {
	p.closeOnce.Do(func() {
		if p.kind == KindIngest {
			close(p.intake)
			return
		}
		for _, q := range p.queues {
			close(q)
		}
	})
}

// redispatch feeds journal entries from a previous process back into the
// partition queues.
func (p *pipe) redispatch(ctx context.Context, pending []*event.Envelope) {
	p.replay = pending
	p.sup.Go(ctx, "journal-replay", func(ctx context.Context) {
		for p.replayed < len(p.replay) {
			d := newDelivery(p.replay[p.replayed])
			d.journaled = true
			if !p.dispatch(ctx, d) {
				break
			}
			p.replayed++
		}
		p.replayOnce.Do(func() { close(p.replayDone) })
	})
}

// dispatch blocks until d is queued. It reports false when ctx ended first;
// d has then been abandoned.
func (p *pipe) dispatch(ctx context.Context, d *delivery) bool {
	select {
	case p.queueFor(d.env) <- d:
		return true
	case <-ctx.Done():
		p.abandon(ctx, d)
		return false
	}
}

// runBatcher journals ingest envelopes in batches, acknowledges durable
// submitters, then dispatches.
func (p *pipe) runBatcher(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.intake:
			if !ok {
				if !p.flush(ctx) {
					return
				}
				select {
				case <-p.replayDone:
				case <-ctx.Done():
					return
				}
				for _, q := range p.queues {
					close(q)
				}
				return
			}
			p.batch = append(p.batch, item)
			if len(p.batch) >= p.cfg.BatchSize {
				if !p.flush(ctx) {
					return
				}
			}
		case <-ticker.C:
			if !p.flush(ctx) {
				return
			}
		}
	}
}

// flush journals and dispatches the current batch. It reports false when
// ctx ended during dispatch.
func (p *pipe) flush(ctx context.Context) bool {
	if len(p.batch) == 0 {
		return true
	}
	batch := p.batch
	p.batch = nil

	envs := make([]*event.Envelope, len(batch))
	for i, item := range batch {
		envs[i] = item.d.env
	}
	err := p.e.journal.Append(ctx, envs)
	if err != nil {
		p.e.logger.Error("ingest journal append failed",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()),
		)
	}

	for i, item := range batch {
		item.d.journaled = err == nil
		if item.ack != nil {
			if err != nil {
				item.ack <- bberrors.Dependency(string(KindIngest), "journal_unavailable", err)
				continue
			}
			item.ack <- nil
		}
		if !p.dispatch(ctx, item.d) {
			for _, rest := range batch[i+1:] {
				p.abandon(ctx, rest.d)
			}
			return false
		}
	}
	return true
}

// abandon handles an envelope that will not be dispatched. Journaled
// envelopes stay pending; anything else is dead-lettered.
func (p *pipe) abandon(ctx context.Context, d *delivery) {
	if d.journaled {
		return
	}
	p.e.deadLetter(ctx, string(p.kind), p.kind, "", d.env,
		bberrors.Transient(string(p.kind), "shutdown", ErrStopped), 0)
}

// abandonQueued drains what is left after every goroutine has exited.
func (p *pipe) abandonQueued(ctx context.Context) int {
	n := 0
	if p.kind == KindIngest {
		for _, item := range p.batch {
			p.abandonItem(ctx, item)
			n++
		}
		p.batch = nil
		for item := range p.intake {
			p.abandonItem(ctx, item)
			n++
		}
	}
	for _, q := range p.queues {
	drain:
		for {
			select {
			case d, ok := <-q:
				if !ok {
					break drain
				}
				p.abandon(ctx, d)
				n++
			default:
				break drain
			}
		}
	}
	return n
}

func (p *pipe) abandonItem(ctx context.Context, item *intakeItem) {
	if item.ack != nil {
		item.ack <- bberrors.Transient(string(KindIngest), "shutdown", ErrStopped)
		return
	}
	p.abandon(ctx, item.d)
}

// worker drains one partition queue. current survives a supervisor restart
// so an envelope in flight when the worker crashed is processed again.
type worker struct {
	p       *pipe
	queue   chan *delivery
	current *delivery
}

func (w *worker) run(ctx context.Context) {
	if w.current != nil {
		w.p.process(ctx, w.current)
		w.current = nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.queue:
			if !ok {
				return
			}
			w.current = d
			w.p.process(ctx, d)
			w.current = nil
		}
	}
}

// process delivers d to every matching consumer and waits for all of them.
// Consumers that already finished d are skipped.
func (p *pipe) process(ctx context.Context, d *delivery) {
	targets := p.e.targets(p.kind, d.env)

	var (
		wg       sync.WaitGroup
		panicMu  sync.Mutex
		panicked any
	)
	for _, cs := range targets {
		if d.isFinished(cs.Name) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicMu.Lock()
					if panicked == nil {
						panicked = r
					}
					panicMu.Unlock()
				}
			}()
			p.deliver(ctx, d, cs)
		}()
	}
	wg.Wait()

	if panicked != nil {
		panic(panicked)
	}
	if d.journaled && !d.wasInterrupted() {
		if err := p.e.journal.MarkDelivered(context.WithoutCancel(ctx), d.env.ID(), p.e.now()); err != nil {
			p.e.logger.Error("journal mark delivered failed",
				slog.String("event_id", d.env.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver runs the retry loop for one consumer. It always ends in an ack, a
// dead-letter, or (journaled envelopes at shutdown) an interrupted delivery
// that stays pending in the journal.
func (p *pipe) deliver(ctx context.Context, d *delivery, cs *consumerState) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(cs.ctx, cancel)
	defer stop()

	queue := string(p.kind) + "/" + cs.Name
	if err := cs.credits.acquire(dctx); err != nil {
		p.interrupted(ctx, d, cs, queue, 0, 0)
		return
	}
	defer cs.credits.release()

	if p.kind == KindCrossDomain {
		p.e.fanout.Observe(dctx, d.env.Domain(), cs.HomeDomain)
	}

	logger := observability.EnrichLogger(p.e.logger, d.env.ID(), d.env.CorrelationID(), string(p.kind))
	attempt := 0
	res := bberrors.WithRetryContext(dctx, p.e.policies,
		func(actx context.Context) (struct{}, error) {
			attempt++
			return struct{}{}, p.invoke(actx, cs, d.env, attempt)
		},
		bberrors.WithFirstTimeout(p.cfg.DeliveryTimeout),
		bberrors.OnFailure(func(n int, ec *bberrors.ErrorClass) {
			observability.LogDeliveryFailed(logger, cs.Name, n, ec)
		}),
		bberrors.OnRetry(func(_ int, ec *bberrors.ErrorClass, _ time.Duration) {
			p.e.metrics.RecordRetry(ctx, string(p.kind), cs.Name, string(ec.Class))
		}),
	)

	if res.Err == nil {
		d.finish(cs.Name)
		p.e.metrics.RecordDelivery(ctx, string(p.kind), cs.Name, ReportAcked, res.Attempts, res.Duration)
		p.e.report(Report{
			EventID:  d.env.ID(),
			Pipeline: p.kind,
			Consumer: cs.Name,
			Outcome:  ReportAcked,
			Attempts: res.Attempts,
			Duration: res.Duration,
		})
		return
	}

	if dctx.Err() != nil {
		p.interrupted(ctx, d, cs, queue, res.Attempts, res.Duration)
		return
	}
	p.failed(ctx, d, cs, queue, res.Err, res.Attempts, res.Duration)
}

// interrupted handles a delivery cancelled from outside: consumer removal
// or engine shutdown.
func (p *pipe) interrupted(ctx context.Context, d *delivery, cs *consumerState, queue string, attempts int, elapsed time.Duration) {
	if cs.ctx.Err() != nil {
		ec := bberrors.Dependency(cs.Name, "consumer_removed", fmt.Errorf("consumer %s removed during delivery", cs.Name))
		p.failed(ctx, d, cs, queue, ec, attempts, elapsed)
		return
	}
	if d.journaled {
		d.interrupt()
		return
	}
	p.failed(ctx, d, cs, queue, bberrors.Transient(string(p.kind), "shutdown", ErrStopped), attempts, elapsed)
}

func (p *pipe) failed(ctx context.Context, d *delivery, cs *consumerState, queue string, ec *bberrors.ErrorClass, attempts int, elapsed time.Duration) {
	p.e.deadLetter(ctx, queue, p.kind, cs.Name, d.env, ec, attempts)
	d.finish(cs.Name)
	p.e.metrics.RecordDelivery(ctx, string(p.kind), cs.Name, ReportDeadLettered, attempts, elapsed)
	p.e.report(Report{
		EventID:  d.env.ID(),
		Pipeline: p.kind,
		Consumer: cs.Name,
		Outcome:  ReportDeadLettered,
		Attempts: attempts,
		Class:    ec,
		Duration: elapsed,
	})
}

// invoke makes one attempt. The handler runs on its own goroutine so the
// attempt deadline holds even for a handler that ignores its context.
// Handler panics become fatal failures.
func (p *pipe) invoke(ctx context.Context, cs *consumerState, env *event.Envelope, attempt int) error {
	ctx, span := p.e.spans.StartDeliverySpan(ctx, string(p.kind), cs.Name, env.ID(), attempt)
	ctx = context.WithValue(ctx, attemptKey{}, attempt)

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fatal(&bberrors.PanicError{Value: r, Stack: debug.Stack()})
			}
		}()
		done <- cs.Handler.Handle(ctx, env)
	}()

	var err error
	select {
	case res := <-done:
		if ec := res.classify(cs.Name); ec != nil {
			err = ec
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.e.spans.EndSpanWithError(span, err)
	return err
}
