package connpool

import (
	"context"
	"sync"
)

// Lease wraps a checked-out handle so it can be handed back exactly once.
// Closing a Lease returns the handle to the pool instead of destroying it.
type Lease[T comparable] struct {
	// Handle is the checked-out resource
	Handle T

	pool *Pool[T]
	once sync.Once
}

// AcquireLease is Acquire returning a Lease
func (p *Pool[T]) AcquireLease(ctx context.Context) (*Lease[T], error) {
	handle, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease[T]{Handle: handle, pool: p}, nil
}

// Release returns the handle to the pool. Later calls to Release or Fail are no-ops.
func (l *Lease[T]) Release() {
	l.once.Do(func() { l.pool.checkin(l.Handle, false) })
}

// Fail returns the handle and counts one failed operation against it.
// Later calls to Release or Fail are no-ops.
func (l *Lease[T]) Fail() {
	l.once.Do(func() { l.pool.checkin(l.Handle, true) })
}

// Close implements io.Closer by releasing the handle
func (l *Lease[T]) Close() error {
	l.Release()
	return nil
}
