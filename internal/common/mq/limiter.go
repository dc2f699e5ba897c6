package mq

import (
	"context"
	"time"
)

// TokenLimiter is a counting semaphore. It gates Kafka fetches and bounds
// concurrent submissions in the orchestrator.
type TokenLimiter struct {
	slots chan struct{}
	wait  time.Duration
}

// NewTokenLimiter creates a limiter with size slots; size < 1 means 1.
func NewTokenLimiter(size int) *TokenLimiter {
	if size <= 0 {
		size = 1
	}
	return &TokenLimiter{slots: make(chan struct{}, size)}
}

// WithWait returns a limiter over the same slots whose Acquire gives up with
// context.DeadlineExceeded after wait. Zero waits as long as ctx allows.
func (l *TokenLimiter) WithWait(wait time.Duration) *TokenLimiter {
	return &TokenLimiter{slots: l.slots, wait: wait}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
	}
	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free.
func (l *TokenLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing an idle limiter is a no-op.
func (l *TokenLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// InUse reports how many slots are held.
func (l *TokenLimiter) InUse() int {
	return len(l.slots)
}

// Available reports how many slots are free right now.
func (l *TokenLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}
