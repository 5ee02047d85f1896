package events

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned once a queue has been closed.
var ErrQueueClosed = errors.New("events: queue is closed")

// lane runs submitted functions one at a time, in submission order, on a
// single goroutine. Every log and counter mutation for a queue goes through it.
type lane struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newLane() *lane {
	l := &lane{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

func (l *lane) loop() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			return
		}
	}
}

// submit hands fn to the lane and returns the channel closed when fn has run.
// The channel is nil when fn was not accepted.
func (l *lane) submit(ctx context.Context, fn func()) (<-chan struct{}, error) {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case l.tasks <- task:
		return done, nil
	case <-l.quit:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do runs fn on the lane and waits for it. ctx only bounds the wait for the
// lane to accept fn; once accepted, fn always runs to completion and do
// reports success.
func (l *lane) do(ctx context.Context, fn func()) error {
	done, err := l.submit(ctx, fn)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// close stops the lane after the running task, if any, returns.
func (l *lane) close() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}
