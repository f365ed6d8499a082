package blockuploader

import (
	"context"
	"fmt"
)

// Limiter bounds the number of block uploads running at the same time.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a Limiter with n slots. Values below 1 are treated as 1.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
// Every successful Acquire must be paired with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for upload slot: %s", ErrCanceled, ctx.Err())
	default:
	}

	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for upload slot: %s", ErrCanceled, ctx.Err())
	}
}

// Release returns a slot.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		panic("blockuploader: Release without Acquire")
	}
}

// Capacity returns the number of slots.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}

// InUse returns the number of held slots.
func (l *Limiter) InUse() int {
	return len(l.slots)
}
