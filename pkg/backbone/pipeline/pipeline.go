package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

// Sentinel errors.
var (
	// ErrBackpressure is returned when a partition queue stays full for the
	// whole enqueue timeout.
	ErrBackpressure = errors.New("pipeline backpressure")

	// ErrStopped is returned when submitting to a stopped engine.
	ErrStopped = errors.New("pipeline engine stopped")

	// ErrUnknownConsumer is returned when removing a consumer that is not registered.
	ErrUnknownConsumer = errors.New("unknown consumer")

	// ErrFanoutCap is returned when a cross-domain registration would exceed
	// the per-domain consumer cap.
	ErrFanoutCap = errors.New("cross-domain fan-out cap reached")

	// ErrProducerConsumer is returned when registering on the producer
	// pipeline of an engine with no outbox attached.
	ErrProducerConsumer = errors.New("producer pipeline has no outbox")

	// ErrInvalidConsumer is returned for a malformed consumer registration.
	ErrInvalidConsumer = errors.New("invalid consumer")
)

// Kind names a pipeline variant.
type Kind string

// Pipeline kinds.
const (
	KindIngest      Kind = "ingest"
	KindCrossDomain Kind = "cross_domain"
	KindRealtime    Kind = "realtime"
	KindProducer    Kind = "producer"
)

// Kinds returns every pipeline kind in start order.
func Kinds() []Kind {
	return []Kind{KindIngest, KindCrossDomain, KindRealtime, KindProducer}
}

// ParseKind parses a pipeline kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown pipeline %q", s)
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIngest, KindCrossDomain, KindRealtime, KindProducer:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ForDelivery maps a category delivery tier to its primary pipeline.
func ForDelivery(d event.Delivery) Kind {
	if d == event.DeliveryRealtime {
		return KindRealtime
	}
	return KindIngest
}

// Outcome is a handler's verdict on one delivery.
type Outcome int

// Outcomes.
const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by a Handler.
type Result struct {
	Outcome Outcome
	Err     error
}

// Ack acknowledges the delivery.
func Ack() Result { return Result{Outcome: OutcomeAck} }

// Retry asks for another attempt. err is classified to pick the retry
// policy; a nil err is treated as a transient failure.
func Retry(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }

// Retryf is Retry with a formatted reason.
func Retryf(format string, args ...any) Result {
	return Retry(fmt.Errorf(format, args...))
}

// Fatal fails the delivery without retrying.
func Fatal(err error) Result { return Result{Outcome: OutcomeFatal, Err: err} }

// classify turns a failed result into an ErrorClass. It returns nil for Ack.
func (r Result) classify(consumer string) *bberrors.ErrorClass {
	switch r.Outcome {
	case OutcomeAck:
		return nil
	case OutcomeFatal:
		if r.Err == nil {
			return bberrors.New(bberrors.ClassFatal, consumer, "handler_fatal", "handler reported a fatal failure")
		}
		ec := bberrors.Classify(r.Err)
		if ec.Retryable() {
			return bberrors.Fatal(consumer, "handler_fatal", r.Err)
		}
		return withOrigin(ec, consumer)
	default:
		if r.Err == nil {
			return bberrors.New(bberrors.ClassTransient, consumer, "retry_requested", "handler requested a retry")
		}
		return withOrigin(bberrors.Classify(r.Err), consumer)
	}
}

func withOrigin(ec *bberrors.ErrorClass, origin string) *bberrors.ErrorClass {
	if ec.Origin == "" {
		return ec.WithOrigin(origin)
	}
	return ec
}

// Handler processes delivered envelopes.
type Handler interface {
	Handle(ctx context.Context, env *event.Envelope) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *event.Envelope) Result

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *event.Envelope) Result {
	return f(ctx, env)
}

// Consumer is a registered delivery target.
type Consumer struct {
	// Name is unique within an engine.
	Name string

	// Domains limits delivery to envelopes from these domains. Empty matches
	// every domain, except on the cross-domain pipeline where it is required.
	Domains []event.Domain

	// HomeDomain is the domain the consumer lives in. Required on the
	// cross-domain pipeline, which never delivers a consumer its own domain's
	// events.
	HomeDomain event.Domain

	// Filter optionally narrows delivery further.
	Filter func(env *event.Envelope) bool

	// Handler receives matching envelopes.
	Handler Handler

	// MaxInFlight bounds concurrent deliveries to this consumer.
	// Default: 1
	MaxInFlight int
}

func (c Consumer) validate(kind Kind) error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidConsumer)
	case c.Handler == nil:
		return fmt.Errorf("%w: consumer %s has no handler", ErrInvalidConsumer, c.Name)
	case c.MaxInFlight < 0:
		return fmt.Errorf("%w: consumer %s has negative max in-flight", ErrInvalidConsumer, c.Name)
	}
	if kind == KindCrossDomain {
		if c.HomeDomain == "" {
			return fmt.Errorf("%w: cross-domain consumer %s needs a home domain", ErrInvalidConsumer, c.Name)
		}
		if len(c.Domains) == 0 {
			return fmt.Errorf("%w: cross-domain consumer %s needs source domains", ErrInvalidConsumer, c.Name)
		}
	}
	return nil
}

// matches reports whether the consumer on pipeline kind wants env.
func (c Consumer) matches(kind Kind, env *event.Envelope) bool {
	if kind == KindCrossDomain && env.Domain() == c.HomeDomain {
		return false
	}
	if len(c.Domains) > 0 {
		found := false
		for _, d := range c.Domains {
			if d == env.Domain() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return c.Filter == nil || c.Filter(env)
}

// Delivery outcomes reported to observers.
const (
	ReportAcked        = "acked"
	ReportDeadLettered = "dead_lettered"
	ReportDropped      = "dropped"
)

// Report describes how one delivery ended.
type Report struct {
	EventID  string
	Pipeline Kind
	Consumer string
	Outcome  string
	Attempts int
	Class    *bberrors.ErrorClass
	Duration time.Duration
}

// Observer receives a Report for every finished delivery. It is called from
// worker goroutines and must not block.
type Observer func(Report)
