package simclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_Lifecycle(t *testing.T) {
	f := NewFactory(Config{})

	c, err := f.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, int64(1), f.Created())

	require.NoError(t, f.Probe(context.Background(), c))

	out, err := c.Query(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Equal(t, int64(1), c.Queries())

	require.NoError(t, f.Destroy(c))
	assert.True(t, c.Closed())
	assert.Equal(t, int64(1), f.Destroyed())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}

func TestClient_Break(t *testing.T) {
	f := NewFactory(Config{})
	c, err := f.Create(context.Background())
	require.NoError(t, err)

	c.Break()
	assert.ErrorIs(t, f.Probe(context.Background(), c), ErrUnhealthy)

	_, err = c.Query(context.Background(), "q")
	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestFactory_FailureRates(t *testing.T) {
	f := NewFactory(Config{DialFailRate: 1})
	_, err := f.Create(context.Background())
	assert.ErrorIs(t, err, ErrDialFailed)

	f = NewFactory(Config{QueryFailRate: 1, BreakAfterFail: true})
	c, err := f.Create(context.Background())
	require.NoError(t, err)

	_, err = c.Query(context.Background(), "q")
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrUnhealthy)
}

func TestFactory_CreateHonoursContext(t *testing.T) {
	f := NewFactory(Config{DialLatency: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Create(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), f.Created())
}
