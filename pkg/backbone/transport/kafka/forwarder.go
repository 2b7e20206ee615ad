// Package kafka bridges the backbone to Kafka topics with segmentio/kafka-go.
//
// A Forwarder is a pipeline consumer that relays accepted envelopes to a
// topic. An Ingress reads raw events from a topic and publishes them through
// the bus, so external producers get the same validation as in-process ones.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

// Message headers set on forwarded envelopes.
const (
	HeaderEventID       = "backbone-event-id"
	HeaderEventType     = "backbone-event-type"
	HeaderDomain        = "backbone-domain"
	HeaderCorrelationID = "backbone-correlation-id"
	HeaderVersion       = "backbone-version"
)

const origin = "kafka"

// MessageWriter is the part of *kafkago.Writer the Forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Compile-time interface checks.
var (
	_ MessageWriter    = (*kafkago.Writer)(nil)
	_ pipeline.Handler = (*Forwarder)(nil)
)

// Forwarder relays envelopes to Kafka. Messages are keyed by correlation id
// so a causal chain lands on one partition and stays ordered.
type Forwarder struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithTopic sets the topic on every message. Use it with a writer that has
// no Topic of its own.
func WithTopic(topic string) ForwarderOption {
	return func(f *Forwarder) { f.topic = topic }
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = logger }
}

// NewForwarder creates a Forwarder writing through w.
func NewForwarder(w MessageWriter, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{writer: w}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = observability.ResolveLogger(f.logger)
	return f
}

// Message builds the Kafka message for env.
func (f *Forwarder) Message(env *event.Envelope) (kafkago.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Topic: f.topic,
		Key:   []byte(env.CorrelationID()),
		Value: value,
		Headers: []kafkago.Header{
			{Key: HeaderEventID, Value: []byte(env.ID())},
			{Key: HeaderEventType, Value: []byte(env.Type())},
			{Key: HeaderDomain, Value: []byte(env.Domain())},
			{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID())},
			{Key: HeaderVersion, Value: []byte(strconv.Itoa(env.Version()))},
		},
		Time: env.OccurredAt(),
	}, nil
}

// Handle implements pipeline.Handler.
func (f *Forwarder) Handle(ctx context.Context, env *event.Envelope) pipeline.Result {
	msg, err := f.Message(env)
	if err != nil {
		return pipeline.Fatal(bberrors.Wrap(bberrors.ClassFatal, origin, "encode_failed", err))
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		ec := ClassifyWriteError(err)
		f.logger.Warn("kafka forward failed",
			slog.String("event_id", env.ID()),
			slog.String("topic", f.topic),
			slog.String("error_class", string(ec.Class)),
			slog.String("error", err.Error()),
		)
		return pipeline.Retry(ec)
	}
	f.logger.Debug("event forwarded",
		slog.String("event_id", env.ID()),
		slog.String("correlation_id", env.CorrelationID()),
		slog.String("topic", f.topic),
	)
	return pipeline.Ack()
}

// ClassifyWriteError maps a kafka-go write failure to an ErrorClass.
// Deadlines are timeout, broker errors marked temporary are transient, and
// everything else is a dependency failure.
func ClassifyWriteError(err error) *bberrors.ErrorClass {
	var writeErrs kafkago.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return ClassifyWriteError(e)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bberrors.Timeout(origin, "write_timeout", err)
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return bberrors.Transient(origin, "write_temporary", err)
	}
	return bberrors.Dependency(origin, "write_failed", err)
}
