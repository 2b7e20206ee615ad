package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

func fastPolicies() *bberrors.PolicyTable {
	fast := func(n int) bberrors.Policy {
		return bberrors.Policy{
			MaxAttempts:    n,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			BackoffFactor:  2,
		}
	}
	return bberrors.NewPolicyTable(map[bberrors.Class]bberrors.Policy{
		bberrors.ClassTransient:  fast(5),
		bberrors.ClassTimeout:    fast(3),
		bberrors.ClassDependency: fast(7),
	})
}

func envelope(t *testing.T, domain event.Domain, correlationID string, seq int) *event.Envelope {
	t.Helper()
	if correlationID == "" {
		correlationID = event.NewID()
	}
	env, err := event.FromFields(event.Fields{
		ID:            event.NewID(),
		Domain:        domain,
		Type:          "system.job.progressed",
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
	})
	require.NoError(t, err)
	return env
}

// seqOf is called from handler goroutines, so it reports rather than aborts.
func seqOf(t *testing.T, env *event.Envelope) int {
	var p struct {
		Seq int `json:"seq"`
	}
	if err := env.DecodePayload(&p); err != nil {
		t.Errorf("decode payload: %v", err)
		return -1
	}
	return p.Seq
}

type reports struct {
	mu   sync.Mutex
	list []pipeline.Report
}

func (r *reports) observe(rep pipeline.Report) {
	r.mu.Lock()
	r.list = append(r.list, rep)
	r.mu.Unlock()
}

func (r *reports) outcome(o string) []pipeline.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pipeline.Report
	for _, rep := range r.list {
		if rep.Outcome == o {
			out = append(out, rep)
		}
	}
	return out
}

func (r *reports) count(o string) int { return len(r.outcome(o)) }

func startEngine(t *testing.T, opts ...pipeline.Option) *pipeline.Engine {
	t.Helper()
	e := pipeline.NewEngine(opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func submit(t *testing.T, e *pipeline.Engine, kind pipeline.Kind, env *event.Envelope) {
	t.Helper()
	require.NoError(t, e.Submit(context.Background(), pipeline.Submission{Envelope: env, Pipeline: kind}))
}
