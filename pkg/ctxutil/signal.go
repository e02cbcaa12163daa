package ctxutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is the default cause recorded when a Signal is set without one.
var ErrStopped = errors.New("run stopped")

// Signal is a one shot stop flag shared by everything taking part in a single
// run. Once set it stays set. Cancelling the parent context also sets it.
type Signal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

func NewSignal(parent context.Context) *Signal {
	ctx, cancel := context.WithCancelCause(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Set stops the run. It reports whether this call was the one that set it.
func (s *Signal) Set(cause error) (first bool) {
	if cause == nil {
		cause = ErrStopped
	}
	s.once.Do(func() {
		first = s.ctx.Err() == nil
		s.cancel(cause)
	})
	return first
}

func (s *Signal) IsSet() bool {
	return s.ctx.Err() != nil
}

func (s *Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled when the signal is set.
func (s *Signal) Context() context.Context {
	return s.ctx
}

// Cause returns why the signal was set, or nil if it is still clear.
func (s *Signal) Cause() error {
	return context.Cause(s.ctx)
}

// Wait blocks until the signal is set or d elapses. It returns true if the
// signal is set.
func (s *Signal) Wait(d time.Duration) bool {
	if d <= 0 {
		return s.IsSet()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return true
	case <-timer.C:
		return s.IsSet()
	}
}
