package connpool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetrics_ExportsPoolState(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(2, 5), WithName("orders"), WithMetrics(reg))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	expected := `
# HELP connpool_connections Current number of tracked connections by state
# TYPE connpool_connections gauge
connpool_connections{pool="orders",state="active"} 1
connpool_connections{pool="orders",state="idle"} 1
# HELP connpool_connections_max Maximum number of connections in the pool
# TYPE connpool_connections_max gauge
connpool_connections_max{pool="orders"} 5
# HELP connpool_requests_total Total number of acquisition requests
# TYPE connpool_requests_total counter
connpool_requests_total{pool="orders"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"connpool_connections", "connpool_connections_max", "connpool_requests_total"))

	count, err := testutil.GatherAndCount(reg, "connpool_acquire_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p.Release(h)
}

func TestMetrics_UnregisteredOnShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &testFactory{}

	p := newTestPool(t, f, testConfig(1, 2), WithName("orders"), WithMetrics(reg))
	p.Shutdown()

	count, err := testutil.GatherAndCount(reg, "connpool_connections")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// a replacement pool with the same name can register again
	newTestPool(t, f, testConfig(1, 2), WithName("orders"), WithMetrics(reg))
}

func TestMetrics_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &testFactory{}
	newTestPool(t, f, testConfig(1, 2), WithName("orders"), WithMetrics(reg))

	_, err := New[*testHandle](context.Background(), f, testConfig(1, 2), WithName("orders"), WithMetrics(reg))
	require.Error(t, err)

	// the second pool's initial handle was disposed of
	assert.Equal(t, 2, f.createdCount())
	assert.Equal(t, 1, f.destroyedCount())
}

func TestTracing_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2), WithName("orders"), WithTracerProvider(tp))

	opErr := errors.New("query failed")
	err := p.WithResource(context.Background(), func(ctx context.Context, h *testHandle) error {
		return opErr
	})
	require.Equal(t, opErr, err)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		spans[s.Name()] = s
	}
	require.Contains(t, spans, "connpool.Acquire")
	require.Contains(t, spans, "connpool.WithResource")

	acquire := spans["connpool.Acquire"]
	assert.Equal(t, codes.Unset, acquire.Status().Code)
	assert.Contains(t, acquire.Attributes(), attribute.String("connpool.name", "orders"))
	assert.Contains(t, acquire.Attributes(), attribute.String("connpool.path", "idle"))
	assert.Equal(t, spans["connpool.WithResource"].SpanContext().SpanID(), acquire.Parent().SpanID())

	withResource := spans["connpool.WithResource"]
	assert.Equal(t, codes.Error, withResource.Status().Code)
	assert.Equal(t, opErr.Error(), withResource.Status().Description)
}

func TestTracing_AcquireTimeoutMarksSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(0, 1).WithAcquireTimeout(20*time.Millisecond), WithTracerProvider(tp))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAcquireTimeout)

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Contains(t, ended[1].Attributes(), attribute.String("connpool.path", "queue"))
}
