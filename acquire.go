package connpool

import (
	"context"
	"time"

	"github.com/go-i2p/go-connpool/store"
	"github.com/go-i2p/go-connpool/waitqueue"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Acquire checks out a handle for exclusive use. The caller must hand it back
// with Release. Acquire prefers an idle handle, creates a new one while the pool
// is below MaxConnections, and otherwise queues until a handle is released, the
// acquire timeout elapses or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (handle T, err error) {
	ctx, span := p.startSpan(ctx, "connpool.Acquire")
	defer func() { endSpan(span, err) }()

	start := time.Now()

	p.stats.RecordRequest()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return handle, shuttingDownError(p.name)
	}

	if res := p.store.NextIdle(); res != nil {
		res.MarkActive(start)
		p.mu.Unlock()

		span.SetAttributes(attribute.String("connpool.path", "idle"))
		p.recordWait(start)
		return res.Handle, nil
	}

	if p.reserveLocked(1) == 1 {
		p.mu.Unlock()

		span.SetAttributes(attribute.String("connpool.path", "create"))
		return p.createActive(ctx, start)
	}

	timeout := p.config.effectiveAcquireTimeout()
	w := p.waiters.Enqueue(start)
	w.ArmTimeout(timeout, func() { p.expireWaiter(w, timeout) })
	queued := p.waiters.Len()
	preempted := p.preemptProbeLocked()
	p.mu.Unlock()

	span.SetAttributes(
		attribute.String("connpool.path", "queue"),
		attribute.Int("connpool.queued", queued),
		attribute.Bool("connpool.probe_preempted", preempted),
	)
	log.WithFields(logrus.Fields{
		"pool":    p.name,
		"queued":  queued,
		"timeout": timeout.String(),
	}).Debug("pool saturated, request queued")

	return p.await(ctx, w, start)
}

// createActive fills a reserved slot with a new handle checked out to the caller
func (p *Pool[T]) createActive(ctx context.Context, start time.Time) (T, error) {
	var zero T

	h, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		// the released slot may serve someone who queued meanwhile
		p.serveWaitersLocked()
		p.mu.Unlock()

		p.stats.RecordError()
		log.WithError(err).WithField("pool", p.name).Debug("connection creation failed")
		return zero, creationError(p.name, err)
	}

	if p.closed {
		p.mu.Unlock()
		p.dispose(h, "shutdown")
		return zero, shuttingDownError(p.name)
	}

	res := p.store.Track(h, store.StateActive, time.Now())
	if res == nil {
		p.serveWaitersLocked()
		p.mu.Unlock()
		p.stats.RecordError()
		return zero, creationError(p.name, errDuplicateHandle)
	}
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"pool": p.name,
		"id":   res.ID,
	}).Debug("created connection for request")

	p.recordWait(start)
	return h, nil
}

// await blocks until w is settled or ctx is done. The wait is recorded however
// the waiter was settled.
func (p *Pool[T]) await(ctx context.Context, w *waitqueue.Waiter[T], start time.Time) (T, error) {
	var zero T

	select {
	case r := <-w.Done():
		p.recordWait(start)
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Handle, nil

	case <-ctx.Done():
		p.abandonWaiter(w, ctx.Err())

		// The waiter is settled now; a hand-off may have won the race.
		r := <-w.Done()
		p.recordWait(start)
		if r.Err == nil {
			p.Release(r.Handle)
			return zero, ctx.Err()
		}
		return zero, r.Err
	}
}

// expireWaiter fails w with an AcquireTimeoutError unless it was already settled
func (p *Pool[T]) expireWaiter(w *waitqueue.Waiter[T], timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.Settled() || !p.waiters.Remove(w) {
		return
	}

	waited := time.Since(w.EnqueuedAt)
	p.stats.RecordError()
	w.Fail(acquireTimeoutError(p.name, timeout, waited))

	log.WithFields(logrus.Fields{
		"pool":   p.name,
		"waited": waited.String(),
	}).Debug("queued request timed out")
}

// abandonWaiter withdraws w after its caller's context ended
func (p *Pool[T]) abandonWaiter(w *waitqueue.Waiter[T], cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.Settled() || !p.waiters.Remove(w) {
		return
	}
	w.Fail(cause)
}

// recordWait feeds the wait-time window with the time since start
func (p *Pool[T]) recordWait(start time.Time) {
	p.stats.RecordWait(time.Since(start))
}
