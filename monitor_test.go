package connpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck_ShedsIdleSurplus(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(2, 5).WithIdleTimeout(50*time.Millisecond))
	ctx := context.Background()

	handles := make([]*testHandle, 4)
	for i := range handles {
		h, err := p.Acquire(ctx)
		require.NoError(t, err)
		handles[i] = h
	}
	for _, h := range handles {
		p.Release(h)
	}
	require.Equal(t, 4, p.Stats().TotalConnections)

	time.Sleep(80 * time.Millisecond)
	p.runHealthCheck()

	s := p.Stats()
	assert.Equal(t, 2, s.TotalConnections)
	assert.Equal(t, 2, s.IdleConnections)
	assert.Equal(t, 2, f.destroyedCount())
}

func TestHealthCheck_KeepsMinimumWhenIdle(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(2, 5).WithIdleTimeout(10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	p.runHealthCheck()

	assert.Equal(t, 2, p.Stats().TotalConnections)
	assert.Equal(t, 0, f.destroyedCount())
}

func TestHealthCheck_RetiresExpiredIdle(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(2, 3).WithMaxLifetime(50*time.Millisecond))

	time.Sleep(80 * time.Millisecond)
	p.runHealthCheck()

	s := p.Stats()
	assert.Equal(t, 2, s.TotalConnections)
	assert.Equal(t, 4, f.createdCount())
	assert.Equal(t, 2, f.destroyedCount())
}

func TestHealthCheck_RetiresExpiredActiveOnRelease(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 3).WithMaxLifetime(50*time.Millisecond))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	p.runHealthCheck()

	// the active handle is never evicted mid-use
	assert.False(t, h.closed.Load())
	assert.Equal(t, 1, p.Stats().ActiveConnections)

	p.Release(h)
	assert.True(t, h.closed.Load())
	assert.Equal(t, 0, p.Stats().TotalConnections)

	p.runHealthCheck()
	assert.Equal(t, 1, p.Stats().TotalConnections)
}

func TestHealthCheck_ProbeFailuresCondemn(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2).WithMaxErrors(2))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)
	h.broken.Store(true)

	p.runHealthCheck()
	assert.False(t, h.closed.Load())
	assert.Equal(t, uint64(1), p.Stats().Errors)

	p.runHealthCheck()
	assert.True(t, h.closed.Load())

	s := p.Stats()
	assert.Equal(t, 1, s.TotalConnections)
	assert.Equal(t, uint64(2), s.Errors)
	assert.Equal(t, 2, f.createdCount())
}

func TestHealthCheck_OverrunProbeNeverSharesHandle(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2).WithProbeTimeout(50*time.Millisecond))

	f.mu.Lock()
	stuck := f.created[0]
	f.mu.Unlock()

	var running, closedUnderProbe atomic.Bool
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		running.Store(true)
		defer running.Store(false)
		// ignores ctx, so only the pool's own deadline ends the wait
		time.Sleep(300 * time.Millisecond)
		if h.closed.Load() {
			closedUnderProbe.Store(true)
		}
		return nil
	}
	f.mu.Unlock()

	start := time.Now()
	p.runHealthCheck()
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// the overrun counts as a failure and the handle leaves service at once
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, stuck, h)
	assert.True(t, running.Load())
	assert.Equal(t, uint64(1), p.Stats().Errors)
	assert.Equal(t, 1, p.Stats().TotalConnections)
	p.Release(h)

	// it is destroyed only after the probe call returns
	assert.False(t, stuck.closed.Load())
	require.Eventually(t, stuck.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, closedUnderProbe.Load())
	assert.Equal(t, 1, f.destroyedCount())
}

func TestHealthCheck_ShutdownWaitsForRunningProbe(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2))

	probing := make(chan struct{})
	resume := make(chan struct{})
	var closedUnderProbe atomic.Bool
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		close(probing)
		<-resume
		if h.closed.Load() {
			closedUnderProbe.Store(true)
		}
		return nil
	}
	stuck := f.created[0]
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runHealthCheck()
		close(done)
	}()
	<-probing

	p.Shutdown()
	<-done
	assert.False(t, stuck.closed.Load())

	close(resume)
	require.Eventually(t, stuck.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, closedUnderProbe.Load())
}

func TestHealthCheck_QueuedRequestPreemptsProbe(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 1).WithAcquireTimeout(100*time.Millisecond))

	probing := make(chan struct{})
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		close(probing)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return nil
		}
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runHealthCheck()
		close(done)
	}()
	<-probing

	start := time.Now()
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, h.id)
	<-done

	// a cancelled probe is not a failure
	assert.Equal(t, uint64(0), p.Stats().Errors)
	assert.Equal(t, 0, f.destroyedCount())
	p.Release(h)
}

func TestHealthCheck_StuckProbeDoesNotBlockAcquire(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 1).WithAcquireTimeout(100*time.Millisecond))

	probing := make(chan struct{})
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		close(probing)
		time.Sleep(300 * time.Millisecond)
		return nil
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runHealthCheck()
		close(done)
	}()
	<-probing

	s := p.Stats()
	require.Equal(t, 1, s.IdleConnections)
	require.Equal(t, 0, s.ActiveConnections)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)
	<-done
	p.Release(h)
}

func TestHealthCheck_ReservesOnlyRunningProbes(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(10, 10))

	var started atomic.Int32
	resume := make(chan struct{})
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		started.Add(1)
		<-resume
		return nil
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runHealthCheck()
		close(done)
	}()
	require.Eventually(t, func() bool {
		return started.Load() == maxParallelProbes
	}, time.Second, time.Millisecond)

	// resources still waiting for a probe slot are handed out immediately
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	close(resume)
	<-done

	// checked-out resources are skipped when their probe slot frees up
	assert.Equal(t, int32(maxParallelProbes), started.Load())
	p.Release(a)
	p.Release(b)

	s := p.Stats()
	assert.Equal(t, 10, s.IdleConnections)
	assert.Equal(t, uint64(0), s.Errors)
}

func TestHealthCheck_ProbePanicCountsAsFailure(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2).WithMaxErrors(1))

	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error { panic("probe exploded") }
	f.mu.Unlock()

	assert.NotPanics(t, p.runHealthCheck)
	assert.Equal(t, 1, f.destroyedCount())
}

func TestHealthCheck_ProbingHandleNotHandedOut(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2))

	probing := make(chan struct{})
	resume := make(chan struct{})
	f.mu.Lock()
	f.probe = func(ctx context.Context, h *testHandle) error {
		close(probing)
		<-resume
		return nil
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runHealthCheck()
		close(done)
	}()
	<-probing

	// the only idle handle is being probed, so a new one is created
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.id)

	close(resume)
	<-done
	p.Release(h)
	assert.Equal(t, 2, p.Stats().IdleConnections)
}

func TestHealthCheck_ReplenishFailureIsRetried(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2).WithMaxErrors(1))

	lease, err := p.AcquireLease(context.Background())
	require.NoError(t, err)
	lease.Fail()
	require.Equal(t, 0, p.Stats().TotalConnections)

	f.setCreateErr(errDialFailed)
	assert.NotPanics(t, p.runHealthCheck)
	assert.Equal(t, 0, p.Stats().TotalConnections)

	f.setCreateErr(nil)
	p.runHealthCheck()
	assert.Equal(t, 1, p.Stats().TotalConnections)
}

func TestHealthCheck_RunsOnInterval(t *testing.T) {
	f := &testFactory{}
	p := newTestPool(t, f, testConfig(1, 2).
		WithMaxErrors(1).
		WithHealthCheckInterval(20*time.Millisecond).
		WithStatsInterval(10*time.Millisecond))

	lease, err := p.AcquireLease(context.Background())
	require.NoError(t, err)
	lease.Fail()
	require.Equal(t, 0, p.Stats().TotalConnections)

	assert.Eventually(t, func() bool {
		return p.Stats().TotalConnections == 1
	}, time.Second, 5*time.Millisecond)
}
