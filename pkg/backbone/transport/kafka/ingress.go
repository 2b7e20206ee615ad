package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/randalmurphal/backbone/pkg/backbone/bus"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// MessageReader is the part of *kafkago.Reader the Ingress uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Publisher accepts decoded events. *bus.Bus implements it.
type Publisher interface {
	PublishMap(ctx context.Context, m map[string]any) (*event.Envelope, error)
}

// Compile-time interface checks.
var (
	_ MessageReader = (*kafkago.Reader)(nil)
	_ Publisher     = (*bus.Bus)(nil)
)

// Ingress consumes raw events from a topic and publishes them.
//
// A message is committed once its publish is accepted or fails
// terminally (validation, security or fatal). Retryable failures such as
// backpressure are retried with the class backoff and never committed, so
// a crash redelivers them.
type Ingress struct {
	reader     MessageReader
	publisher  Publisher
	policies   *bberrors.PolicyTable
	logger     *slog.Logger
	retryDelay time.Duration
	source     string
}

// IngressOption configures an Ingress.
type IngressOption func(*Ingress)

// WithIngressPolicies sets the retry backoff table.
func WithIngressPolicies(t *bberrors.PolicyTable) IngressOption {
	return func(in *Ingress) { in.policies = t }
}

// WithIngressLogger sets the logger.
func WithIngressLogger(logger *slog.Logger) IngressOption {
	return func(in *Ingress) { in.logger = logger }
}

// WithRetryDelay sets the minimum wait between retries, and after a failed
// fetch. Default: 100ms.
func WithRetryDelay(d time.Duration) IngressOption {
	return func(in *Ingress) { in.retryDelay = d }
}

// WithSource sets the source given to events that carry none.
// Default: "kafka:<topic>".
func WithSource(source string) IngressOption {
	return func(in *Ingress) { in.source = source }
}

// NewIngress creates an Ingress reading from r and publishing to p.
func NewIngress(r MessageReader, p Publisher, opts ...IngressOption) *Ingress {
	in := &Ingress{
		reader:     r,
		publisher:  p,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.policies == nil {
		in.policies = bberrors.NewPolicyTable(nil)
	}
	in.logger = observability.ResolveLogger(in.logger)
	return in
}

// Run consumes until ctx is cancelled.
func (in *Ingress) Run(ctx context.Context) error {
	in.logger.Info("kafka ingress started")
	defer in.logger.Info("kafka ingress stopped")

	for {
		msg, err := in.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.logger.Error("kafka fetch failed", slog.String("error", err.Error()))
			if !sleep(ctx, in.retryDelay) {
				return nil
			}
			continue
		}
		if !in.process(ctx, msg) {
			return nil
		}
	}
}

// process publishes msg until it is accepted or fails terminally, then
// commits it. It returns false when ctx ended first.
func (in *Ingress) process(ctx context.Context, msg kafkago.Message) bool {
	for attempt := 1; ; attempt++ {
		_, err := in.Deliver(ctx, msg)
		if err == nil {
			break
		}
		ec := bberrors.Classify(err)
		if !ec.Retryable() {
			in.logger.Warn("kafka message rejected",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error_class", string(ec.Class)),
				slog.String("code", ec.Code),
			)
			break
		}
		wait := max(in.policies.For(ec.Class).Backoff(attempt), in.retryDelay)
		in.logger.Debug("kafka message publish retry",
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.String("code", ec.Code),
			slog.Duration("backoff", wait),
		)
		if !sleep(ctx, wait) {
			return false
		}
	}

	if err := in.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		in.logger.Error("kafka commit failed",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// Deliver decodes and publishes a single message without committing it.
func (in *Ingress) Deliver(ctx context.Context, msg kafkago.Message) (*event.Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return nil, bberrors.Wrap(bberrors.ClassValidation, origin, event.CodeMalformedInput, err)
	}
	if m == nil {
		return nil, bberrors.Validation(origin, event.CodeMalformedInput, "message is not a JSON object")
	}
	if _, ok := m["source"]; !ok {
		source := in.source
		if source == "" {
			source = "kafka:" + msg.Topic
		}
		m["source"] = source
	}
	return in.publisher.PublishMap(ctx, m)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
