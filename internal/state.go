package internal

// ResourceState represents the lifecycle state of a pooled resource
type ResourceState int

const (
	// StateCreated represents a resource the factory has produced but the pool has not yet tracked
	StateCreated ResourceState = iota
	// StateIdle represents a resource owned by the pool and available for checkout
	StateIdle
	// StateActive represents a resource checked out by exactly one caller
	StateActive
	// StateCondemned represents a resource permanently removed from the pool
	StateCondemned
)

// String returns the string representation of the resource state
func (s ResourceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCondemned:
		return "condemned"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Created -> Idle/Active, Idle <-> Active, Idle/Active -> Condemned. Condemned is terminal.
func (s ResourceState) CanTransition(next ResourceState) bool {
	switch s {
	case StateCreated:
		return next == StateIdle || next == StateActive
	case StateIdle:
		return next == StateActive || next == StateCondemned
	case StateActive:
		return next == StateIdle || next == StateCondemned
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible
func (s ResourceState) IsTerminal() bool {
	return s == StateCondemned
}
