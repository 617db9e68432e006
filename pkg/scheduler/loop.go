// Package scheduler runs a single-threaded event loop. Inbound events, calls
// from other goroutines, and continuations posted from inside the loop all
// execute on the loop goroutine, one at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop consumes events of type E from an inbox.
type Loop[E any] struct {
	inbox  <-chan E
	handle func(E)
	calls  chan func()

	// pending is only touched on the loop goroutine.
	pending []func()

	stopped  chan struct{}
	stopOnce sync.Once
}

func New[E any](inbox <-chan E, handle func(E)) *Loop[E] {
	return &Loop[E]{
		inbox:   inbox,
		handle:  handle,
		calls:   make(chan func()),
		stopped: make(chan struct{}),
	}
}

// Run blocks until ctx is done. Inbound events and calls take priority over
// posted continuations, but one continuation runs after every event so a
// busy inbox cannot starve them.
func (l *Loop[E]) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	inbox := l.inbox
	for {
		if len(l.pending) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-inbox:
				if !ok {
					inbox = nil
				} else {
					l.handle(ev)
				}
			case fn := <-l.calls:
				fn()
			default:
			}
			l.runOne()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			l.handle(ev)
		case fn := <-l.calls:
			fn()
		}
	}
}

func (l *Loop[E]) runOne() {
	if len(l.pending) == 0 {
		return
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	fn()
}

// Post queues fn to run later on the loop. It must only be called from the
// loop goroutine (from a handler, a call, or another continuation).
func (l *Loop[E]) Post(fn func()) {
	l.pending = append(l.pending, fn)
}

// Pending reports how many continuations are queued. Loop goroutine only.
func (l *Loop[E]) Pending() int {
	return len(l.pending)
}

// Call runs fn on the loop and returns its error. It must not be called
// from the loop goroutine.
func (l *Loop[E]) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	wrapped := func() { result <- fn() }

	select {
	case l.calls <- wrapped:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-l.stopped:
		// fn may have completed just before the loop exited.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop[E]) Done() <-chan struct{} {
	return l.stopped
}
