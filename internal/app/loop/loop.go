// Package loop runs the control-plane event loop. State owned by a Loop is
// only touched from closures submitted to it, so it needs no locks.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("event loop stopped")

type Loop struct {
	tasks chan func()
	done  chan struct{}
}

func New(buffer int) *Loop {
	if buffer < 0 {
		buffer = 0
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run drains tasks until ctx is done. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	log.Info().Str("module", "app.loop").Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.loop").Msg("event loop stopped")
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Do runs fn on the loop and waits for it. Must not be called from inside the loop.
// Once fn has been accepted Do waits for it regardless of ctx, so fn's
// captured variables are never read concurrently.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("module", "app.loop").Interface("panic", r).Msg("task panicked")
				ran <- fmt.Errorf("loop task panic: %v", r)
			}
		}()
		fn()
		ran <- nil
	}

	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ran:
		return err
	case <-l.done:
		select {
		case err := <-ran:
			return err
		default:
			return ErrStopped
		}
	}
}

// Post schedules fn without waiting. Used by timers.
func (l *Loop) Post(fn func()) {
	go func() {
		select {
		case l.tasks <- fn:
		case <-l.done:
		}
	}()
}
