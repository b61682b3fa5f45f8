package store

import (
	"time"

	"github.com/go-i2p/go-connpool/internal"
)

// State is the lifecycle state of a pooled resource.
type State = internal.ResourceState

// Lifecycle states re-exported for callers outside the module.
const (
	StateCreated   = internal.StateCreated
	StateIdle      = internal.StateIdle
	StateActive    = internal.StateActive
	StateCondemned = internal.StateCondemned
)

// PooledResource represents a resource tracked by the store with its metadata
type PooledResource[T comparable] struct {
	ID         string
	Handle     T
	State      State
	CreatedAt  time.Time
	LastUsedAt time.Time
	ErrorCount int

	// Probing marks an idle resource reserved by the health monitor; it is not handed out.
	Probing bool
	// Retiring marks an active resource that outlived its lifetime; it is condemned on release.
	Retiring bool
}

// Available reports whether the resource can be checked out right now
func (r *PooledResource[T]) Available() bool {
	return r.State == StateIdle && !r.Probing
}

// MarkActive moves the resource to active and stamps its last use.
// Returns false if the transition is not legal from the current state.
func (r *PooledResource[T]) MarkActive(now time.Time) bool {
	if !r.State.CanTransition(StateActive) {
		return false
	}
	r.State = StateActive
	r.LastUsedAt = now
	return true
}

// MarkIdle moves the resource back to idle and stamps its last use.
// Returns false if the transition is not legal from the current state.
func (r *PooledResource[T]) MarkIdle(now time.Time) bool {
	if !r.State.CanTransition(StateIdle) {
		return false
	}
	r.State = StateIdle
	r.LastUsedAt = now
	return true
}

// RecordError increments the error count and reports whether it reached maxErrors
func (r *PooledResource[T]) RecordError(maxErrors int) bool {
	r.ErrorCount++
	return r.ErrorCount >= maxErrors
}

// Age returns how long the resource has existed at now
func (r *PooledResource[T]) Age(now time.Time) time.Duration {
	return internal.Elapsed(now, r.CreatedAt)
}

// IdleFor returns how long the resource has been unused at now
func (r *PooledResource[T]) IdleFor(now time.Time) time.Duration {
	return internal.Elapsed(now, r.LastUsedAt)
}
