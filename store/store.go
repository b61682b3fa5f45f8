// Package store holds the authoritative in-memory record of resources tracked by a pool.
//
// A Store is not safe for concurrent use. It is owned by a single pool and every call
// must be made while holding that pool's lock.
package store

import (
	"slices"
	"time"

	"github.com/go-i2p/go-connpool/internal"
	"github.com/samber/lo"
)

// Store indexes pooled resources by id and by handle
type Store[T comparable] struct {
	resources map[string]*PooledResource[T]
	byHandle  map[T]*PooledResource[T]
}

// New creates an empty store
func New[T comparable]() *Store[T] {
	return &Store[T]{
		resources: make(map[string]*PooledResource[T]),
		byHandle:  make(map[T]*PooledResource[T]),
	}
}

// Track records a freshly created handle in the given initial state (idle or active).
// Returns nil if the handle is already tracked or the state is not reachable from created.
func (s *Store[T]) Track(handle T, state State, now time.Time) *PooledResource[T] {
	if _, exists := s.byHandle[handle]; exists {
		return nil
	}
	if !StateCreated.CanTransition(state) {
		return nil
	}

	res := &PooledResource[T]{
		ID:         internal.NewResourceID(),
		Handle:     handle,
		State:      state,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	s.resources[res.ID] = res
	s.byHandle[handle] = res
	return res
}

// Get returns the resource with the given id
func (s *Store[T]) Get(id string) (*PooledResource[T], bool) {
	res, ok := s.resources[id]
	return res, ok
}

// Lookup returns the resource owning the given handle
func (s *Store[T]) Lookup(handle T) (*PooledResource[T], bool) {
	res, ok := s.byHandle[handle]
	return res, ok
}

// Condemn removes the resource from the store and marks it condemned.
// The caller is responsible for disposing of the handle.
func (s *Store[T]) Condemn(id string) (*PooledResource[T], bool) {
	res, ok := s.resources[id]
	if !ok {
		return nil, false
	}
	delete(s.resources, id)
	delete(s.byHandle, res.Handle)
	res.State = StateCondemned
	res.Probing = false
	return res, true
}

// Len returns the number of tracked resources
func (s *Store[T]) Len() int {
	return len(s.resources)
}

// Counts returns the number of active and idle resources
func (s *Store[T]) Counts() (active, idle int) {
	for _, res := range s.resources {
		switch res.State {
		case StateActive:
			active++
		case StateIdle:
			idle++
		}
	}
	return active, idle
}

// NextIdle returns the most recently used available idle resource, or nil
func (s *Store[T]) NextIdle() *PooledResource[T] {
	available := lo.Filter(lo.Values(s.resources), func(res *PooledResource[T], _ int) bool {
		return res.Available()
	})
	if len(available) == 0 {
		return nil
	}
	return lo.MaxBy(available, func(a, b *PooledResource[T]) bool {
		return a.LastUsedAt.After(b.LastUsedAt)
	})
}

// Snapshot returns all tracked resources ordered from oldest to newest
func (s *Store[T]) Snapshot() []*PooledResource[T] {
	all := lo.Values(s.resources)
	slices.SortFunc(all, func(a, b *PooledResource[T]) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return all
}

// Clear condemns every tracked resource and returns them, oldest first
func (s *Store[T]) Clear() []*PooledResource[T] {
	all := s.Snapshot()
	for _, res := range all {
		res.State = StateCondemned
		res.Probing = false
	}
	s.resources = make(map[string]*PooledResource[T])
	s.byHandle = make(map[T]*PooledResource[T])
	return all
}
