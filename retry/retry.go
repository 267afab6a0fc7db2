// Package retry runs an operation in the background with bounded, increasing
// backoff and hands back a handle that can cancel it.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrGaveUp is returned by Wait when every attempt failed.
var ErrGaveUp = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	Attempts   uint
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy is used for chat container discovery.
var DefaultPolicy = Policy{Attempts: 8, Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}

// Handle tracks one background retry loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do starts fn in a goroutine and retries it per p until it returns nil, a
// permanent error, the attempts run out or the handle is cancelled.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	go func() {
		defer close(h.done)
		defer cancel()
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			h.err = ctx.Err()
		default:
			h.err = errors.Join(ErrGaveUp, err)
		}
	}()
	return h
}

// Cancel stops further attempts. Safe to call more than once and on nil.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancel()
}

// Done is closed when the loop has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop finishes and returns its outcome.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}
