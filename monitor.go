package connpool

import (
	"context"
	"errors"
	"time"

	"github.com/go-i2p/go-connpool/stats"
	"github.com/go-i2p/go-connpool/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxParallelProbes bounds concurrent liveness probes within one health check
const maxParallelProbes = 8

// abandonGrace is how long a probe may overrun its deadline before the monitor
// stops waiting for it
const abandonGrace = 10 * time.Millisecond

// probeRun is an in-flight probe a queued request may cancel
type probeRun struct {
	cancel    context.CancelFunc
	preempted bool
}

// maintain runs the health monitor until shutdown
func (p *Pool[T]) maintain() {
	defer close(p.maintenanceDone)

	health := time.NewTicker(p.config.HealthCheckInterval)
	defer health.Stop()

	var statsC <-chan time.Time
	if p.config.StatsInterval > 0 {
		statsTicker := time.NewTicker(p.config.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-health.C:
			p.runHealthCheck()
		case <-statsC:
			p.logStats()
		}
	}
}

// runHealthCheck performs one pass of the health monitor: evict, probe, replenish.
// Failures are logged and never stop the loop.
func (p *Pool[T]) runHealthCheck() {
	condemned, candidates := p.sweep()
	for _, c := range condemned {
		p.logCondemned(c.res, c.verdict.String())
		p.dispose(c.res.Handle, c.verdict.String())
	}

	if len(candidates) > 0 {
		p.probe(candidates)
	}

	p.replenish()
}

type condemnation[T comparable] struct {
	res     *store.PooledResource[T]
	verdict store.Verdict
}

// sweep applies the eviction policy to every tracked resource and returns the
// idle survivors that are due a probe
func (p *Pool[T]) sweep() ([]condemnation[T], []*store.PooledResource[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil
	}

	var (
		condemned  []condemnation[T]
		candidates []*store.PooledResource[T]
		policy     = p.config.policy()
		total      = p.store.Len()
		now        = time.Now()
	)

	// oldest first, so surplus shedding removes the oldest idle resources
	for _, res := range p.store.Snapshot() {
		verdict := store.Evaluate(policy, res, total, now)
		switch {
		case verdict.Condemns():
			p.store.Condemn(res.ID)
			total--
			condemned = append(condemned, condemnation[T]{res: res, verdict: verdict})
		case verdict == store.VerdictRetire:
			res.Retiring = true
		case verdict == store.VerdictProbe:
			candidates = append(candidates, res)
		}
	}

	if len(condemned) > 0 {
		p.serveWaitersLocked()
	}
	return condemned, candidates
}

// probe checks candidates outside the pool lock, at most maxParallelProbes at a time
func (p *Pool[T]) probe(candidates []*store.PooledResource[T]) {
	var g errgroup.Group
	g.SetLimit(maxParallelProbes)
	for _, res := range candidates {
		g.Go(func() error {
			p.probeOne(res)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne reserves res if it is still idle, probes it and applies the outcome
func (p *Pool[T]) probeOne(res *store.PooledResource[T]) {
	p.mu.Lock()
	if p.closed || !p.trackedLocked(res) || !res.Available() {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.config.effectiveProbeTimeout())
	run := &probeRun{cancel: cancel}
	res.Probing = true
	p.probes[res.ID] = run
	p.mu.Unlock()

	stuck, err := p.probeWithDeadline(ctx, res.Handle)
	cancel()
	p.finishProbe(res, run, err, stuck)
}

// probeWithDeadline runs the factory probe and gives up shortly after ctx is
// done, even if the probe itself ignores ctx. When it gives up, the returned
// channel is closed once the probe call has really returned.
func (p *Pool[T]) probeWithDeadline(ctx context.Context, handle T) (<-chan struct{}, error) {
	done := make(chan error, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		done <- safeProbe(ctx, p.factory, handle)
	}()

	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return nil, err
	case <-grace.C:
		return returned, ctx.Err()
	}
}

// finishProbe applies one probe outcome. A resource whose probe is still
// running is condemned and destroyed only after the probe returns.
func (p *Pool[T]) finishProbe(res *store.PooledResource[T], run *probeRun, err error, stuck <-chan struct{}) {
	p.mu.Lock()
	delete(p.probes, res.ID)
	res.Probing = false

	// shutdown leaves resources under probe to the monitor
	if p.closed || !p.trackedLocked(res) {
		p.mu.Unlock()
		p.disposeAfterProbe(res, stuck, "shutdown")
		return
	}

	preempted := run.preempted && stuck == nil && errors.Is(err, context.Canceled)
	failed := err != nil && !preempted
	exhausted := false
	if failed {
		p.stats.RecordError()
		exhausted = res.RecordError(p.config.MaxErrors)
	}

	// a probe that is still running keeps the handle, so it never returns to service
	if exhausted || stuck != nil {
		p.condemnLocked(res)
		p.mu.Unlock()

		p.logCondemned(res, store.VerdictErrored.String())
		p.disposeAfterProbe(res, stuck, store.VerdictErrored.String())
		return
	}

	handedOff := p.checkinLocked(res, time.Now())
	p.mu.Unlock()

	if failed {
		log.WithError(err).WithFields(logrus.Fields{
			"pool":        p.name,
			"id":          res.ID,
			"error_count": res.ErrorCount,
		}).Debug("liveness probe failed")
	} else if preempted {
		log.WithFields(logrus.Fields{
			"pool":       p.name,
			"id":         res.ID,
			"handed_off": handedOff,
		}).Debug("liveness probe preempted by queued request")
	}
}

// disposeAfterProbe destroys res now, or once its abandoned probe returns
func (p *Pool[T]) disposeAfterProbe(res *store.PooledResource[T], stuck <-chan struct{}, reason string) {
	if stuck == nil {
		p.dispose(res.Handle, reason)
		return
	}

	log.WithFields(logrus.Fields{
		"pool":    p.name,
		"id":      res.ID,
		"timeout": p.config.effectiveProbeTimeout().String(),
	}).Warn("liveness probe overran its deadline, connection destroyed once it returns")
	go func() {
		<-stuck
		p.dispose(res.Handle, reason)
	}()
}

// preemptProbeLocked cancels one in-flight probe so its resource can serve a
// queued request. Reports whether a probe was cancelled.
func (p *Pool[T]) preemptProbeLocked() bool {
	for _, run := range p.probes {
		if run.preempted {
			continue
		}
		run.preempted = true
		run.cancel()
		return true
	}
	return false
}

// trackedLocked reports whether res is still the store's record for its ID
func (p *Pool[T]) trackedLocked(res *store.PooledResource[T]) bool {
	tracked, ok := p.store.Get(res.ID)
	return ok && tracked == res
}

// replenish creates resources until the pool is back at MinConnections.
// Pending creations count toward the minimum.
func (p *Pool[T]) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	n := p.reserveLocked(p.config.MinConnections - p.store.Len() - p.pending)
	p.mu.Unlock()

	if n == 0 {
		return
	}

	var g errgroup.Group
	failures := make([]error, n)
	for i := range n {
		g.Go(func() error {
			failures[i] = p.createIdle(p.ctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var last error
	for _, err := range failures {
		if err != nil {
			failed++
			last = err
		}
	}

	fields := logrus.Fields{
		"pool":    p.name,
		"created": n - failed,
		"failed":  failed,
	}
	if failed > 0 {
		log.WithError(last).WithFields(fields).Warn("failed to replenish pool to minimum, retrying next health check")
		return
	}
	log.WithFields(fields).Debug("replenished pool to minimum")
}

// logStats writes the periodic statistics line
func (p *Pool[T]) logStats() {
	s := p.Stats()
	entry := log.WithFields(logrus.Fields{
		"pool":     p.name,
		"total":    s.TotalConnections,
		"active":   s.ActiveConnections,
		"idle":     s.IdleConnections,
		"pending":  s.PendingCreations,
		"queued":   s.QueuedRequests,
		"requests": s.TotalRequests,
		"errors":   s.Errors,
		"avg_wait": s.AvgWaitTime.String(),
		"health":   s.Health().String(),
	})

	if s.Health() == stats.Healthy {
		entry.Debug("pool statistics")
		return
	}
	entry.Warn("pool statistics")
}
