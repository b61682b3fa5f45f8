package connpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/oops"
)

// Error codes attached to pool errors. Inspect them with oops.AsOops.
const (
	CodeAcquireTimeout     = "ACQUIRE_TIMEOUT"
	CodeConnectionCreation = "CONNECTION_CREATION_FAILED"
	CodePoolShuttingDown   = "POOL_SHUTTING_DOWN"
	CodeInvalidConfig      = "INVALID_CONFIG"
)

// Sentinel errors. Use errors.Is() to check for these conditions.
var (
	// ErrAcquireTimeout indicates a queued request waited longer than the acquire timeout.
	ErrAcquireTimeout = errors.New("connpool: acquire timeout")

	// ErrConnectionCreation indicates the factory failed to produce a handle.
	ErrConnectionCreation = errors.New("connpool: connection creation failed")

	// ErrPoolShuttingDown indicates the pool is shutting down or already shut down.
	ErrPoolShuttingDown = errors.New("connpool: pool is shutting down")

	// ErrInvalidConfig indicates the pool configuration failed validation.
	ErrInvalidConfig = errors.New("connpool: invalid config")
)

// IsPoolError reports whether err was raised by the pool itself rather than by
// an operation running inside WithResource.
func IsPoolError(err error) bool {
	return errors.Is(err, ErrAcquireTimeout) ||
		errors.Is(err, ErrConnectionCreation) ||
		errors.Is(err, ErrPoolShuttingDown)
}

func acquireTimeoutError(pool string, timeout, waited time.Duration) error {
	return oops.
		Code(CodeAcquireTimeout).
		In("connpool").
		With("pool", pool).
		With("timeout", timeout.String()).
		With("waited", waited.String()).
		Wrapf(ErrAcquireTimeout, "no connection became available within %s", timeout)
}

func creationError(pool string, cause error) error {
	return oops.
		Code(CodeConnectionCreation).
		In("connpool").
		With("pool", pool).
		Wrapf(fmt.Errorf("%w: %w", ErrConnectionCreation, cause), "factory failed to create connection")
}

func shuttingDownError(pool string) error {
	return oops.
		Code(CodePoolShuttingDown).
		In("connpool").
		With("pool", pool).
		Wrapf(ErrPoolShuttingDown, "pool is shutting down")
}

func invalidConfigError(field string, value any, reason string) error {
	return oops.
		Code(CodeInvalidConfig).
		In("config").
		With("field", field).
		With("value", value).
		Wrapf(ErrInvalidConfig, "%s %s", field, reason)
}
