package connpool

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-i2p/go-connpool/stats"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DefaultDrainTimeout is how long a ShutdownManager waits for checked-out handles
// to come back when no timeout is given
const DefaultDrainTimeout = 30 * time.Second

// Managed is a pool the ShutdownManager can drain and stop. *Pool satisfies it.
type Managed interface {
	Name() string
	Stats() stats.Snapshot
	Shutdown()
}

// ShutdownManager coordinates graceful shutdown of one or more pools.
// It waits for checked-out handles to drain, up to a timeout, before shutting
// every registered pool down.
type ShutdownManager struct {
	// ctx is cancelled when shutdown starts
	ctx    context.Context
	cancel context.CancelFunc

	// pools tracks registered pools
	pools map[Managed]struct{}

	// mu protects pools
	mu sync.RWMutex

	// drainTimeout is the maximum time to wait for active handles to be released
	drainTimeout time.Duration

	logger *logger.Logger

	// done signals when shutdown is complete
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// NewShutdownManager creates a shutdown manager with the given drain timeout.
// If timeout is 0, DefaultDrainTimeout is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		ctx:          ctx,
		cancel:       cancel,
		pools:        make(map[Managed]struct{}),
		drainTimeout: timeout,
		logger:       logger.GetGoI2PLogger(),
		done:         make(chan struct{}),
	}
}

// Register adds a pool to be drained and shut down
func (sm *ShutdownManager) Register(pool Managed) {
	if pool == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.pools[pool] = struct{}{}
	sm.logger.WithFields(logrus.Fields{
		"pool":        pool.Name(),
		"total_pools": len(sm.pools),
	}).Debug("registered pool for shutdown management")
}

// Unregister removes a pool from shutdown management
func (sm *ShutdownManager) Unregister(pool Managed) {
	if pool == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.pools, pool)
	sm.logger.WithFields(logrus.Fields{
		"pool":        pool.Name(),
		"total_pools": len(sm.pools),
	}).Debug("unregistered pool from shutdown management")
}

// Context returns a context that is cancelled once shutdown starts.
// Workers can use it to stop taking new work.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// HandleSignals shuts down when one of sigs arrives. With no signals given it
// listens for SIGINT and SIGTERM.
func (sm *ShutdownManager) HandleSignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			sm.logger.WithField("signal", sig.String()).Info("received shutdown signal")
			_ = sm.Shutdown()
		case <-sm.ctx.Done():
		}
	}()
}

// Shutdown drains and stops every registered pool. It returns a SHUTDOWN_TIMEOUT
// error if handles were still checked out when the drain timeout elapsed; the
// pools are shut down either way. Later calls return nil.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		pools := sm.registered()
		sm.logger.WithFields(logrus.Fields{
			"timeout": sm.drainTimeout.String(),
			"pools":   len(pools),
		}).Info("initiating graceful shutdown")
		sm.cancel()

		if err := sm.waitForDrain(pools); err != nil {
			sm.logger.WithError(err).Warn("timeout waiting for connections to drain, forcing shutdown")
			shutdownErr = err
		}

		for _, p := range pools {
			p.Shutdown()
		}
		sm.logger.Info("graceful shutdown complete")
	})

	return shutdownErr
}

// Wait blocks until shutdown is complete
func (sm *ShutdownManager) Wait() {
	<-sm.done
}

func (sm *ShutdownManager) registered() []Managed {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	pools := make([]Managed, 0, len(sm.pools))
	for p := range sm.pools {
		pools = append(pools, p)
	}
	return pools
}

// waitForDrain polls until no registered pool has a checked-out handle
func (sm *ShutdownManager) waitForDrain(pools []Managed) error {
	if activeConnections(pools) == 0 {
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.NewTimer(sm.drainTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-timeout.C:
			return oops.
				Code("SHUTDOWN_TIMEOUT").
				In("shutdown").
				With("remaining_connections", activeConnections(pools)).
				With("timeout", sm.drainTimeout.String()).
				Errorf("timeout waiting for connections to drain")

		case <-ticker.C:
			remaining := activeConnections(pools)
			if remaining == 0 {
				return nil
			}
			sm.logger.WithField("remaining_connections", remaining).
				Debug("waiting for connections to drain")
		}
	}
}

func activeConnections(pools []Managed) int {
	total := 0
	for _, p := range pools {
		total += p.Stats().ActiveConnections
	}
	return total
}
