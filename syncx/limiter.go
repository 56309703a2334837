package syncx

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds how many operations run at once and how often they may
// start. Either dimension is disabled when configured with a value <= 0.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter allows at most concurrent operations in flight and perSecond
// starts per second with the given burst (burst < 1 is treated as 1).
func NewLimiter(concurrent int, perSecond float64, burst int) *Limiter {
	l := &Limiter{}
	if concurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(concurrent))
	}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Acquire waits for a concurrency slot, in FIFO order, and then for a rate
// token. The returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			if ctx.Err() == nil {
				// The token would only arrive after the deadline.
				return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return nil, err
		}
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if l.sem != nil {
			l.sem.Release(1)
		}
	}, nil
}

// Do runs fn under the limiter.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
