// Package waitqueue provides the FIFO holding area for acquisition requests that
// arrive while a pool is saturated.
//
// Every Waiter is settled exactly once, either with a handle or with an error. The
// owner of a Queue must remove a waiter before settling it and must perform both
// steps while holding its own lock, so the queue never contains a settled entry.
// Neither Queue nor Waiter is safe for concurrent use on its own.
package waitqueue

import (
	"container/list"
	"time"
)

// Result is the value delivered to a waiting caller
type Result[T any] struct {
	Handle T
	Err    error
}

// Waiter is a pending acquisition request
type Waiter[T any] struct {
	// EnqueuedAt is when the request joined the queue
	EnqueuedAt time.Time

	done    chan Result[T]
	settled bool
	elem    *list.Element
	timer   *time.Timer
}

// Done returns the channel that receives exactly one Result once the waiter is settled
func (w *Waiter[T]) Done() <-chan Result[T] {
	return w.done
}

// Settled reports whether the waiter has already received its result
func (w *Waiter[T]) Settled() bool {
	return w.settled
}

// Queued reports whether the waiter is still in a queue
func (w *Waiter[T]) Queued() bool {
	return w.elem != nil
}

// ArmTimeout schedules onTimeout to run after d. onTimeout runs on its own goroutine
// and must take the owner's lock before touching the waiter.
func (w *Waiter[T]) ArmTimeout(d time.Duration, onTimeout func()) {
	if w.settled || d <= 0 {
		return
	}
	w.timer = time.AfterFunc(d, onTimeout)
}

// Succeed delivers a handle. Returns false if the waiter was already settled.
func (w *Waiter[T]) Succeed(handle T) bool {
	return w.settle(Result[T]{Handle: handle})
}

// Fail delivers an error. Returns false if the waiter was already settled.
func (w *Waiter[T]) Fail(err error) bool {
	return w.settle(Result[T]{Err: err})
}

func (w *Waiter[T]) settle(r Result[T]) bool {
	if w.settled {
		return false
	}
	w.settled = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.done <- r
	return true
}

// Queue is a FIFO of waiters with O(1) removal of arbitrary entries
type Queue[T any] struct {
	entries *list.List
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{entries: list.New()}
}

// Enqueue appends a new waiter at the tail
func (q *Queue[T]) Enqueue(now time.Time) *Waiter[T] {
	w := &Waiter[T]{
		EnqueuedAt: now,
		done:       make(chan Result[T], 1),
	}
	w.elem = q.entries.PushBack(w)
	return w
}

// Pop removes and returns the waiter that has waited longest, or nil if empty
func (q *Queue[T]) Pop() *Waiter[T] {
	front := q.entries.Front()
	if front == nil {
		return nil
	}
	w := q.entries.Remove(front).(*Waiter[T])
	w.elem = nil
	return w
}

// Peek returns the head waiter without removing it
func (q *Queue[T]) Peek() *Waiter[T] {
	front := q.entries.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Waiter[T])
}

// Remove takes w out of the queue. Returns false if w was not queued.
func (q *Queue[T]) Remove(w *Waiter[T]) bool {
	if w.elem == nil {
		return false
	}
	q.entries.Remove(w.elem)
	w.elem = nil
	return true
}

// Len returns the number of queued waiters
func (q *Queue[T]) Len() int {
	return q.entries.Len()
}

// Drain removes every waiter, oldest first
func (q *Queue[T]) Drain() []*Waiter[T] {
	drained := make([]*Waiter[T], 0, q.entries.Len())
	for w := q.Pop(); w != nil; w = q.Pop() {
		drained = append(drained, w)
	}
	return drained
}
