package store

import (
	"time"
)

// Policy holds the eviction limits applied by the health monitor
type Policy struct {
	MinConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	MaxErrors      int
}

// Verdict is the outcome of evaluating a resource against a Policy
type Verdict int

const (
	// VerdictKeep leaves the resource untouched
	VerdictKeep Verdict = iota
	// VerdictProbe asks for a liveness probe of an idle resource
	VerdictProbe
	// VerdictRetire flags an active resource past its lifetime for condemnation on release
	VerdictRetire
	// VerdictExpired condemns an idle resource past its lifetime
	VerdictExpired
	// VerdictIdle condemns surplus idle capacity
	VerdictIdle
	// VerdictErrored condemns a resource whose error count reached the limit
	VerdictErrored
)

// String returns a short reason suitable for log fields
func (v Verdict) String() string {
	switch v {
	case VerdictKeep:
		return "keep"
	case VerdictProbe:
		return "probe"
	case VerdictRetire:
		return "retire"
	case VerdictExpired:
		return "max_lifetime"
	case VerdictIdle:
		return "idle_timeout"
	case VerdictErrored:
		return "max_errors"
	default:
		return "unknown"
	}
}

// Condemns reports whether the verdict removes the resource immediately
func (v Verdict) Condemns() bool {
	return v == VerdictExpired || v == VerdictIdle || v == VerdictErrored
}

// Evaluate decides what the health monitor does with res, given the current total
// number of tracked resources. The first matching rule wins: lifetime, then error
// threshold, then surplus idle time, then probe.
func Evaluate[T comparable](p Policy, res *PooledResource[T], total int, now time.Time) Verdict {
	if p.MaxLifetime > 0 && res.Age(now) > p.MaxLifetime {
		if res.State == StateActive {
			return VerdictRetire
		}
		return VerdictExpired
	}

	if res.State != StateIdle || res.Probing {
		return VerdictKeep
	}

	if p.MaxErrors > 0 && res.ErrorCount >= p.MaxErrors {
		return VerdictErrored
	}

	if total > p.MinConnections && p.IdleTimeout > 0 && res.IdleFor(now) > p.IdleTimeout {
		return VerdictIdle
	}

	return VerdictProbe
}
