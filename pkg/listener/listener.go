// Package listener runs a handler for every value received on a channel,
// in its own goroutine, until stopped or the channel closes.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
	errInputClosed     = errors.New("input channel closed")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Listener[T any] struct {
	name        string
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

var _ Job = (*Listener[struct{}])(nil)

// New creates a listener. Handler errors are logged and do not stop it;
// stopHandler runs once after the loop has exited.
func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case errors.Is(err, errInputClosed):
				slog.Debug("listener input closed", "listener", l.name)
				return
			case err != nil:
				slog.Error("listener failed to handle input", "listener", l.name, "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errInputClosed
		}
		return l.handler(ctx, inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the loop, waits for an in-flight handler and runs the stop
// handler.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.stopHandler()
}
