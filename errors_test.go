package connpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolErrors(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		sentinel error
		code     string
		pool     bool
	}{
		{"acquire timeout", acquireTimeoutError("orders", time.Second, 1100*time.Millisecond), ErrAcquireTimeout, CodeAcquireTimeout, true},
		{"creation", creationError("orders", cause), ErrConnectionCreation, CodeConnectionCreation, true},
		{"shutting down", shuttingDownError("orders"), ErrPoolShuttingDown, CodePoolShuttingDown, true},
		{"invalid config", invalidConfigError("max_errors", 0, "must be at least 1"), ErrInvalidConfig, CodeInvalidConfig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.pool, IsPoolError(tt.err))

			oopsErr, ok := oops.AsOops(tt.err)
			require.True(t, ok)
			assert.Equal(t, tt.code, oopsErr.Code())
		})
	}
}

func TestCreationError_KeepsCause(t *testing.T) {
	err := creationError("orders", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrConnectionCreation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "orders", oopsErr.Context()["pool"])
}

func TestIsPoolError_OperationErrors(t *testing.T) {
	assert.False(t, IsPoolError(nil))
	assert.False(t, IsPoolError(errors.New("query failed")))
	assert.False(t, IsPoolError(context.Canceled))
}
