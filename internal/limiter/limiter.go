package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of sandboxes alive at once. Acquire blocks in
// FIFO order until a slot is free; every successful Acquire or TryAcquire
// must be paired with exactly one Release.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	l.inUse.Add(1)
	return nil
}

func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.inUse.Add(1)
	return true
}

// Release returns a slot. Releasing more than was acquired panics.
func (l *Limiter) Release() {
	if l.inUse.Add(-1) < 0 {
		l.inUse.Add(1)
		panic("limiter: release without acquire")
	}
	l.sem.Release(1)
}

// Available is a snapshot of free slots. Only the goroutine that acquires may
// rely on it as a lower bound.
func (l *Limiter) Available() int {
	n := l.capacity - l.inUse.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (l *Limiter) InUse() int    { return int(l.inUse.Load()) }
func (l *Limiter) Capacity() int { return int(l.capacity) }
