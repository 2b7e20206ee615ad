package errors

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy configures retry behavior for one error class.
type Policy struct {
	// MaxAttempts is the total number of delivery attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each failure.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0). Zero means plain exponential.
	Jitter float64

	// Timeout is the deadline for attempts that follow a failure of this class.
	// Zero leaves the caller's deadline in place.
	Timeout time.Duration
}

// Backoff returns the delay before the next attempt, given how many attempts
// have already failed (1 after the first failure).
func (p Policy) Backoff(failed int) time.Duration {
	if p.InitialBackoff <= 0 || failed <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	backoff := float64(p.InitialBackoff)
	for i := 1; i < failed; i++ {
		backoff *= factor
		if p.MaxBackoff > 0 && backoff >= float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}
	return calculateBackoff(time.Duration(backoff), p.Jitter)
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// single is the only policy non-retryable classes may have.
var single = Policy{MaxAttempts: 1}

// DefaultPolicies returns the standard per-class retry table.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassTransient: {
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.2,
			Timeout:        30 * time.Second,
		},
		ClassTimeout: {
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2.0,
			Timeout:        30 * time.Second,
		},
		ClassDependency: {
			MaxAttempts:    7,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.2,
			Timeout:        30 * time.Second,
		},
		ClassValidation: single,
		ClassSecurity:   single,
		ClassFatal:      single,
	}
}

// PolicyTable maps classes to retry policies. It is safe for concurrent use.
type PolicyTable struct {
	mu       sync.RWMutex
	policies map[Class]Policy
}

// NewPolicyTable creates a table from the defaults, applying overrides on top.
func NewPolicyTable(overrides map[Class]Policy) *PolicyTable {
	t := &PolicyTable{policies: DefaultPolicies()}
	for c, p := range overrides {
		t.Set(c, p)
	}
	return t
}

// Set replaces the policy for c. Validation, security and fatal classes keep
// a single attempt whatever MaxAttempts says.
func (t *PolicyTable) Set(c Class, p Policy) {
	if !c.Valid() {
		return
	}
	if !c.Retryable() {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	t.mu.Lock()
	t.policies[c] = p
	t.mu.Unlock()
}

// For returns the policy for c.
func (t *PolicyTable) For(c Class) Policy {
	if t == nil {
		if p, ok := DefaultPolicies()[c]; ok {
			return p
		}
		return single
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[c]; ok {
		return p
	}
	return single
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final classified error if all attempts failed.
	Err *ErrorClass

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// RetryOption configures WithRetryContext.
type RetryOption func(*retryConfig)

type retryConfig struct {
	firstTimeout time.Duration
	onFailure    func(attempt int, ec *ErrorClass)
	onRetry      func(attempt int, ec *ErrorClass, wait time.Duration)
}

// WithFirstTimeout bounds the first attempt. Later attempts use the policy
// timeout of the class that failed the previous attempt.
func WithFirstTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.firstTimeout = d }
}

// OnFailure is called after every failed attempt, including the last one.
func OnFailure(fn func(attempt int, ec *ErrorClass)) RetryOption {
	return func(c *retryConfig) { c.onFailure = fn }
}

// OnRetry is called before waiting for the next attempt.
func OnRetry(fn func(attempt int, ec *ErrorClass, wait time.Duration)) RetryOption {
	return func(c *retryConfig) { c.onRetry = fn }
}

// WithRetryContext runs fn, classifying each failure and retrying under the
// policy for its class. A nil table uses the default policies.
func WithRetryContext[T any](
	ctx context.Context,
	table *PolicyTable,
	fn func(context.Context) (T, error),
	opts ...RetryOption,
) RetryResult[T] {
	var cfg retryConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()
	timeout := cfg.firstTimeout

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      Classify(err),
				Attempts: attempt - 1,
				Duration: time.Since(start),
			}
		}

		result, err := runAttempt(ctx, timeout, fn)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		ec := Classify(err)
		if cfg.onFailure != nil {
			cfg.onFailure(attempt, ec)
		}
		policy := table.For(ec.Class)
		if !ec.Retryable() || attempt >= policy.MaxAttempts {
			return RetryResult[T]{
				Err:      ec,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		wait := policy.Backoff(attempt)
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, ec, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult[T]{
				Err:      Classify(ctx.Err()),
				Attempts: attempt,
				Duration: time.Since(start),
			}
		case <-timer.C:
		}
		timeout = policy.Timeout
		if timeout <= 0 {
			timeout = cfg.firstTimeout
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
