package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/observability"
)

// supervisor runs a pipeline's goroutines and restarts any that panic.
// One supervisor exists per pipeline, so a crash loop in one pipeline never
// stalls another.
type supervisor struct {
	pipeline   Kind
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration

	restarts atomic.Int64
	wg       sync.WaitGroup
}

func newSupervisor(kind Kind, logger *slog.Logger, backoff, maxBackoff time.Duration) *supervisor {
	return &supervisor{
		pipeline:   kind,
		logger:     logger,
		backoff:    backoff,
		maxBackoff: maxBackoff,
	}
}

// Go runs fn until it returns normally or ctx is done. A panic restarts fn
// after a backoff that doubles up to maxBackoff.
func (s *supervisor) Go(ctx context.Context, worker string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := s.backoff
		for n := 1; ; n++ {
			cause, panicked := runRecovered(ctx, fn)
			if !panicked || ctx.Err() != nil {
				return
			}

			s.restarts.Add(1)
			observability.LogSupervisorRestart(s.logger, string(s.pipeline), worker, n, cause)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff = min(backoff*2, s.maxBackoff)
		}
	}()
}

// Wait blocks until every supervised goroutine has exited.
func (s *supervisor) Wait() { s.wg.Wait() }

// Restarts returns how many times a goroutine was restarted.
func (s *supervisor) Restarts() int64 { return s.restarts.Load() }

func runRecovered(ctx context.Context, fn func(ctx context.Context)) (cause any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			cause = panicCause{value: r, stack: string(debug.Stack())}
			panicked = true
		}
	}()
	fn(ctx)
	return nil, false
}

type panicCause struct {
	value any
	stack string
}

func (p panicCause) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("value", p.value),
		slog.String("stack", p.stack),
	)
}
