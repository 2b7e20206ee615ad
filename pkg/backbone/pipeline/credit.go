package pipeline

import "context"

// credits bounds in-flight deliveries for one consumer.
type credits chan struct{}

func newCredits(n int) credits {
	if n <= 0 {
		n = 1
	}
	return make(credits, n)
}

// acquire blocks until a credit is free or ctx is done.
func (c credits) acquire(ctx context.Context) error {
	select {
	case c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c credits) release() { <-c }

func (c credits) inFlight() int { return len(c) }

func (c credits) capacity() int { return cap(c) }
