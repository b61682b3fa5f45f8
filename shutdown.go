package connpool

import (
	"github.com/go-i2p/go-connpool/store"
	"github.com/sirupsen/logrus"
)

// Shutdown stops the pool. It is idempotent.
//
// Queued requests fail with a PoolShuttingDownError, the health monitor is
// stopped and joined, and idle handles are disposed of. Handles still checked
// out are forgotten by the pool and disposed of when they are released.
func (p *Pool[T]) Shutdown() {
	p.shutdownOnce.Do(p.shutdown)
}

// Close implements io.Closer by shutting the pool down
func (p *Pool[T]) Close() error {
	p.Shutdown()
	return nil
}

func (p *Pool[T]) shutdown() {
	p.mu.Lock()
	p.closed = true

	waiters := p.waiters.Drain()
	for _, w := range waiters {
		w.Fail(shuttingDownError(p.name))
	}

	// resources under probe are disposed of by the monitor once their probe returns
	var idle []*store.PooledResource[T]
	for _, res := range p.store.Snapshot() {
		switch {
		case res.State == store.StateActive:
			p.orphans[res.Handle] = struct{}{}
		case !res.Probing:
			idle = append(idle, res)
		}
	}
	p.store.Clear()
	orphaned := len(p.orphans)
	p.mu.Unlock()

	// cancel in-flight probes and creations, then join the monitor and workers
	p.cancel()
	close(p.stopMaintenance)
	<-p.maintenanceDone
	p.workers.Wait()

	p.disposeAll(idle, "shutdown")

	if p.registerer != nil {
		p.registerer.Unregister(p.exporter)
	}

	log.WithFields(logrus.Fields{
		"pool":             p.name,
		"failed_waiters":   len(waiters),
		"disposed":         len(idle),
		"orphaned_handles": orphaned,
	}).Info("connection pool shut down")
}
