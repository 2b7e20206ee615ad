package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/backbone/pkg/backbone/bus"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
	"github.com/randalmurphal/backbone/pkg/backbone/transport/kafka"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.msgs...)
}

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []int64
	fetchErrs int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafkago.Message{}, errors.New("broker unavailable")
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// scriptedPublisher fails with the queued errors before accepting.
type scriptedPublisher struct {
	mu       sync.Mutex
	failures []error
	got      []map[string]any
}

func (p *scriptedPublisher) PublishMap(_ context.Context, m map[string]any) (*event.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, m)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	return nil, nil
}

func (p *scriptedPublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func startBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(
		bus.WithPolicies(bberrors.NewPolicyTable(map[bberrors.Class]bberrors.Policy{
			bberrors.ClassTransient: {MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1},
		})),
		bus.WithPipelineConfig(pipeline.KindIngest, pipeline.Config{FlushInterval: time.Millisecond}),
		bus.WithPipelineConfig(pipeline.KindProducer, pipeline.Config{PollInterval: time.Hour}),
	)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func message(offset int64, body string) kafkago.Message {
	return kafkago.Message{Topic: "backbone.ingress", Offset: offset, Value: []byte(body)}
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestForwarderRelaysEnvelopes(t *testing.T) {
	b := startBus(t)
	w := &fakeWriter{}
	fwd := kafka.NewForwarder(w, kafka.WithTopic("backbone.events"))
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "kafka", Handler: fwd}))

	env, err := b.Publish(context.Background(), event.Raw{
		Domain:  "system",
		Type:    "system.policy.evaluated",
		Payload: map[string]any{"policy": "retention"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := w.written()[0]
	assert.Equal(t, "backbone.events", msg.Topic)
	assert.Equal(t, env.CorrelationID(), string(msg.Key))
	assert.Equal(t, env.ID(), header(msg, kafka.HeaderEventID))
	assert.Equal(t, "system.policy.evaluated", header(msg, kafka.HeaderEventType))
	assert.Equal(t, "system", header(msg, kafka.HeaderDomain))
	assert.Equal(t, "1", header(msg, kafka.HeaderVersion))

	var decoded event.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, env.ID(), decoded.ID())
	assert.JSONEq(t, `{"policy":"retention"}`, string(decoded.Payload()))
}

func TestForwarderClassifiesFailures(t *testing.T) {
	env, err := event.FromFields(event.Fields{
		ID:            event.NewID(),
		Domain:        "system",
		Type:          "system.policy.evaluated",
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: event.NewID(),
		Payload:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		err   error
		class bberrors.Class
		code  string
	}{
		{"deadline", context.DeadlineExceeded, bberrors.ClassTimeout, "write_timeout"},
		{"temporary broker error", kafkago.LeaderNotAvailable, bberrors.ClassTransient, "write_temporary"},
		{"permanent broker error", kafkago.TopicAuthorizationFailed, bberrors.ClassDependency, "write_failed"},
		{"batch errors", kafkago.WriteErrors{nil, kafkago.NotEnoughReplicas}, bberrors.ClassTransient, "write_temporary"},
		{"unknown", errors.New("boom"), bberrors.ClassDependency, "write_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := kafka.NewForwarder(&fakeWriter{err: fmt.Errorf("write: %w", tt.err)})
			res := fwd.Handle(context.Background(), env)
			assert.Equal(t, pipeline.OutcomeRetry, res.Outcome)
			ec, ok := bberrors.AsClass(res.Err)
			require.True(t, ok)
			assert.Equal(t, tt.class, ec.Class)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, "kafka", ec.Origin)
		})
	}
}

func TestIngressPublishesAndCommits(t *testing.T) {
	b := startBus(t)
	delivered := make(chan *event.Envelope, 4)
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{
		Name: "sink",
		Handler: pipeline.HandlerFunc(func(_ context.Context, env *event.Envelope) pipeline.Result {
			delivered <- env
			return pipeline.Ack()
		}),
	}))

	r := &fakeReader{
		fetchErrs: 1,
		queue: []kafkago.Message{
			message(10, `{"domain":"system","type":"system.policy.evaluated","payload":{"n":1}}`),
			message(11, `{"domain":"nowhere","type":"bogus.nonsense","payload":{}}`),
			message(12, `not json`),
			message(13, `{"domain":"system","type":"system.policy.evaluated","source":"upstream","payload":{"n":2}}`),
		},
	}
	in := kafka.NewIngress(r, b, kafka.WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11, 12, 13}, r.commits(), "rejections are terminal and committed")

	sources := map[string]bool{}
	for range 2 {
		select {
		case env := <-delivered:
			sources[env.Source()] = true
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery")
		}
	}
	assert.Equal(t, map[string]bool{"kafka:backbone.ingress": true, "upstream": true}, sources)
}

func TestIngressRetriesRetryableFailures(t *testing.T) {
	pub := &scriptedPublisher{failures: []error{
		bberrors.Transient("bus", "backpressure", errors.New("queue full")),
		bberrors.Dependency("bus", "stopped", errors.New("engine stopped")),
	}}
	r := &fakeReader{queue: []kafkago.Message{message(7, `{"domain":"system","type":"system.x.y"}`)}}
	in := kafka.NewIngress(r, pub,
		kafka.WithRetryDelay(time.Millisecond),
		kafka.WithSource("ingest-topic"),
		kafka.WithIngressPolicies(bberrors.NewPolicyTable(map[bberrors.Class]bberrors.Policy{
			bberrors.ClassTransient:  {MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1},
			bberrors.ClassDependency: {MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1},
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 3, pub.calls(), "retried until accepted")
	assert.Equal(t, "ingest-topic", pub.got[0]["source"])
}

func TestIngressStopsWhileRetrying(t *testing.T) {
	pub := &scriptedPublisher{}
	for range 1000 {
		pub.failures = append(pub.failures, bberrors.Transient("bus", "backpressure", nil))
	}
	r := &fakeReader{queue: []kafkago.Message{message(1, `{"domain":"system","type":"system.x.y"}`)}}
	in := kafka.NewIngress(r, pub, kafka.WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.calls() > 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits(), "retryable failures are never committed")
}

func TestDeliverRejectsNonObjects(t *testing.T) {
	in := kafka.NewIngress(&fakeReader{}, &scriptedPublisher{})
	for _, body := range []string{`null`, `[1,2]`, `{"domain":`} {
		_, err := in.Deliver(context.Background(), message(0, body))
		ec, ok := bberrors.AsClass(err)
		require.True(t, ok, body)
		assert.Equal(t, bberrors.ClassValidation, ec.Class, body)
		assert.Equal(t, event.CodeMalformedInput, ec.Code, body)
	}
}

// TestKafkaRoundTrip runs against a real broker when BACKBONE_TEST_KAFKA_BROKERS is set.
func TestKafkaRoundTrip(t *testing.T) {
	brokers := os.Getenv("BACKBONE_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("BACKBONE_TEST_KAFKA_BROKERS not set")
	}
	topic := "backbone-test-" + event.NewID()
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafkago.RequireAll,
	}
	defer w.Close()

	b := startBus(t)
	fwd := kafka.NewForwarder(w)
	require.NoError(t, b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "kafka", Handler: fwd}))
	env, err := b.Publish(context.Background(), event.Raw{Domain: "system", Type: "system.roundtrip.sent", Payload: map[string]any{}})
	require.NoError(t, err)

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   topic,
		GroupID: topic,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	msg, err := r.FetchMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.ID(), header(msg, kafka.HeaderEventID))
}
