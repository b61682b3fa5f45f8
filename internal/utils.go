package internal

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewResourceID returns a new lexically sortable pool-scoped resource identifier
func NewResourceID() string {
	return ulid.Make().String()
}

// Elapsed returns how long ago t was relative to now, clamped at zero
func Elapsed(now, t time.Time) time.Duration {
	if d := now.Sub(t); d > 0 {
		return d
	}
	return 0
}
