// Package watchdog arms per-execution deadlines.
//
// Each watched execution gets its own Token derived from the caller's context.
// Deadlines ride on the runtime timer heap through context.WithTimeout, and the
// kill callback is registered with context.AfterFunc, so no goroutine is parked
// per execution while it runs. Cancelling the caller's context fires the same
// callback with ReasonCancelled.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Reason tells why a token fired.
type Reason int32

const (
	ReasonNone Reason = iota
	// ReasonExpired means the execution exceeded its own timeout.
	ReasonExpired
	// ReasonCancelled means the enclosing request was cancelled.
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// KillFunc terminates the watched execution. It runs at most once, on its own goroutine.
type KillFunc func(reason Reason)

// Token is the cancellation handle of one watched execution.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	reason atomic.Int32
	killed chan struct{}

	releaseOnce sync.Once
	fired       bool
}

// Watch arms a deadline of timeout (zero means none) on a child of parent and
// calls kill when it expires or parent is cancelled, whichever comes first.
func Watch(parent context.Context, timeout time.Duration, kill KillFunc) *Token {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	t := &Token{ctx: ctx, cancel: cancel, killed: make(chan struct{})}
	t.stop = context.AfterFunc(ctx, func() {
		reason := ReasonExpired
		if parent.Err() != nil {
			reason = ReasonCancelled
		}
		t.reason.Store(int32(reason))
		if kill != nil {
			kill(reason)
		}
		close(t.killed)
	})
	return t
}

// Context is cancelled when the token fires or is released.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Killed is closed once the kill callback has returned.
func (t *Token) Killed() <-chan struct{} {
	return t.killed
}

// Reason reports why the token fired, or ReasonNone.
func (t *Token) Reason() Reason {
	return Reason(t.reason.Load())
}

// Release disarms the token. If the kill callback already started, Release
// waits for it to finish and reports true.
func (t *Token) Release() bool {
	t.releaseOnce.Do(func() {
		if t.stop() {
			t.cancel()
			return
		}
		t.cancel()
		<-t.killed
		t.fired = true
	})
	return t.fired
}
