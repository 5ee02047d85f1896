package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Poster delivers a batch of events to the backend. A *PostError tells the
// queue whether the batch may be retried; any other error is treated as a
// transient failure.
type Poster interface {
	PostEvents(ctx context.Context, batch []Event) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, batch []Event) error

func (f PosterFunc) PostEvents(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// PostError is a failed delivery together with the backend's retry verdict.
type PostError struct {
	StatusCode int
	Err        error
	Retry      bool
}

func (e *PostError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("post events: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("post events: %v", e.Err)
}

func (e *PostError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed batch should be kept for a later attempt.
func IsRetryable(err error) bool {
	var pe *PostError
	if errors.As(err, &pe) {
		return pe.Retry
	}
	return true
}

// CallbackPostFunc is a callback-style delivery function. Implementations call
// exactly one of onSuccess or onError, though buggy platforms may call more.
type CallbackPostFunc func(ctx context.Context, batch []Event, onSuccess func(), onError func(err error, retry bool))

// DefaultCallbackTimeout bounds how long CallbackPoster waits for a callback.
// It matches the backend client's default request timeout.
const DefaultCallbackTimeout = 30 * time.Second

// CallbackOption configures CallbackPoster.
type CallbackOption func(*callbackPoster)

// WithCallbackTimeout sets how long to wait for fn to call back.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(p *callbackPoster) { p.timeout = d }
}

type callbackPoster struct {
	fn      CallbackPostFunc
	timeout time.Duration
}

// CallbackPoster adapts fn to Poster. Only the first callback is delivered;
// later ones are ignored. A fn that never calls back yields a retryable
// *PostError once the callback timeout passes.
func CallbackPoster(fn CallbackPostFunc, opts ...CallbackOption) Poster {
	p := &callbackPoster{fn: fn, timeout: DefaultCallbackTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *callbackPoster) PostEvents(ctx context.Context, batch []Event) error {
	var delivered atomic.Bool
	result := make(chan error, 1)

	onSuccess := func() {
		if delivered.CompareAndSwap(false, true) {
			result <- nil
		}
	}
	onError := func(err error, retry bool) {
		if delivered.CompareAndSwap(false, true) {
			result <- &PostError{Err: err, Retry: retry}
		}
	}

	cbCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.fn(cbCtx, batch, onSuccess, onError)

	select {
	case err := <-result:
		return err
	case <-cbCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &PostError{
			Err:   fmt.Errorf("no callback within %s: %w", p.timeout, context.DeadlineExceeded),
			Retry: true,
		}
	}
}
