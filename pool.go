// Package connpool brokers access to a bounded set of expensive, reusable
// backend-client handles among many concurrent callers inside one process.
//
// A Pool creates handles through a Factory, hands each one to exactly one caller
// at a time, queues callers in FIFO order while the pool is saturated, and runs a
// background health monitor that retires old, surplus and unhealthy handles and
// replenishes the configured minimum.
//
//	cfg := connpool.NewPoolConfig(2, 10).
//		WithIdleTimeout(5 * time.Minute).
//		WithMaxLifetime(time.Hour).
//		WithHealthCheckInterval(30 * time.Second).
//		WithMaxErrors(3)
//
//	p, err := connpool.New(ctx, factory, cfg, connpool.WithName("orders"))
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown()
//
//	err = p.WithResource(ctx, func(ctx context.Context, c *Client) error {
//	    return c.Exec(ctx, "...")
//	})
package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-connpool/stats"
	"github.com/go-i2p/go-connpool/store"
	"github.com/go-i2p/go-connpool/waitqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var errDuplicateHandle = errors.New("factory returned a handle the pool already tracks")

// Pool manages a bounded set of reusable handles of type T.
// All methods are safe for concurrent use.
type Pool[T comparable] struct {
	factory Factory[T]
	config  PoolConfig
	name    string
	tracer  trace.Tracer

	// ctx is cancelled at shutdown and bounds background factory calls
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes every access to the fields below
	mu      sync.Mutex
	store   *store.Store[T]
	waiters *waitqueue.Queue[T]
	pending int // creation slots reserved but not yet tracked
	serving int // reserved slots whose result is destined for a queued waiter
	orphans map[T]struct{}
	probes  map[string]*probeRun // in-flight probes by resource ID
	closed  bool

	stats      *stats.Collector
	exporter   *stats.Exporter
	registerer prometheus.Registerer

	// workers tracks background creations started for queued waiters
	workers         sync.WaitGroup
	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
	shutdownOnce    sync.Once
}

// New validates config, eagerly creates MinConnections handles and starts the
// health monitor. If any initial creation fails, every handle created so far is
// disposed of and a ConnectionCreationError is returned.
func New[T comparable](ctx context.Context, factory Factory[T], config *PoolConfig, opts ...Option) (*Pool[T], error) {
	if err := validateNewPoolParams(factory, config); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	poolCtx, cancel := context.WithCancel(context.Background())

	p := &Pool[T]{
		factory:         factory,
		config:          *config,
		name:            o.name,
		tracer:          o.tracerProvider.Tracer(tracerName),
		ctx:             poolCtx,
		cancel:          cancel,
		store:           store.New[T](),
		waiters:         waitqueue.New[T](),
		orphans:         make(map[T]struct{}),
		probes:          make(map[string]*probeRun),
		stats:           stats.NewCollector(),
		stopMaintenance: make(chan struct{}),
		maintenanceDone: make(chan struct{}),
	}

	if err := p.populate(ctx); err != nil {
		cancel()
		return nil, err
	}

	if err := p.registerMetrics(o.registerer); err != nil {
		cancel()
		p.disposeAll(p.store.Clear(), "metrics_registration_failed")
		return nil, err
	}

	go p.maintain()

	log.WithFields(logrus.Fields{
		"pool":            p.name,
		"min_connections": p.config.MinConnections,
		"max_connections": p.config.MaxConnections,
		"health_interval": p.config.HealthCheckInterval.String(),
	}).Info("connection pool initialized")

	return p, nil
}

// validateNewPoolParams validates parameters for New.
func validateNewPoolParams[T comparable](factory Factory[T], config *PoolConfig) error {
	if factory == nil {
		return invalidConfigError("factory", nil, "cannot be nil")
	}
	if config == nil {
		return invalidConfigError("config", nil, "cannot be nil")
	}
	return config.Validate()
}

// populate creates MinConnections idle handles concurrently, failing fast.
func (p *Pool[T]) populate(ctx context.Context) error {
	n := p.config.MinConnections
	if n == 0 {
		return nil
	}

	handles := make([]T, n)
	created := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			h, err := p.factory.Create(gctx)
			if err != nil {
				return err
			}
			handles[i] = h
			created[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i, ok := range created {
			if ok {
				p.dispose(handles[i], "initialization_failed")
			}
		}
		p.stats.RecordError()
		log.WithError(err).WithField("pool", p.name).Error("failed to create initial connections")
		return creationError(p.name, err)
	}

	p.mu.Lock()
	now := time.Now()
	for _, h := range handles {
		if p.store.Track(h, store.StateIdle, now) == nil {
			tracked := p.store.Clear()
			p.mu.Unlock()
			p.disposeAll(tracked, "initialization_failed")
			return creationError(p.name, errDuplicateHandle)
		}
	}
	p.mu.Unlock()
	return nil
}

// registerMetrics attaches the Prometheus exporter when a registerer is configured.
func (p *Pool[T]) registerMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}

	exporter := stats.NewExporter(p.name, p.Stats)
	if err := reg.Register(exporter); err != nil {
		return err
	}

	p.exporter = exporter
	p.registerer = reg
	p.stats.OnWait(exporter.ObserveWait)
	return nil
}

// Name returns the pool's label
func (p *Pool[T]) Name() string {
	return p.name
}

// Config returns a copy of the pool's configuration
func (p *Pool[T]) Config() PoolConfig {
	return p.config
}

// Stats returns a point-in-time snapshot of the pool
func (p *Pool[T]) Stats() stats.Snapshot {
	p.mu.Lock()
	active, idle := p.store.Counts()
	s := stats.Snapshot{
		TotalConnections:  p.store.Len(),
		ActiveConnections: active,
		IdleConnections:   idle,
		PendingCreations:  p.pending,
		MaxConnections:    p.config.MaxConnections,
		QueuedRequests:    p.waiters.Len(),
	}
	p.mu.Unlock()

	p.stats.Fill(&s)
	return s
}

// Release returns a handle obtained from Acquire to the pool. If requests are
// queued, the same handle is handed to the one that has waited longest.
// Releasing a handle the pool does not know is logged and ignored.
func (p *Pool[T]) Release(handle T) {
	p.checkin(handle, false)
}

// checkin returns a checked-out handle. A failed checkin counts against the
// resource's error budget and condemns it once MaxErrors is reached.
func (p *Pool[T]) checkin(handle T, failed bool) {
	if failed {
		p.stats.RecordError()
	}

	p.mu.Lock()
	res, ok := p.store.Lookup(handle)
	if !ok {
		p.releaseUntracked(handle)
		return
	}

	if res.State != store.StateActive {
		p.mu.Unlock()
		log.WithFields(logrus.Fields{
			"pool":  p.name,
			"id":    res.ID,
			"state": res.State.String(),
		}).Warn("release of a connection that is not checked out ignored")
		return
	}

	reason := ""
	if failed && res.RecordError(p.config.MaxErrors) {
		reason = store.VerdictErrored.String()
	} else if res.Retiring {
		reason = store.VerdictExpired.String()
	}

	if reason != "" {
		p.condemnLocked(res)
		p.mu.Unlock()
		p.logCondemned(res, reason)
		p.dispose(res.Handle, reason)
		return
	}

	now := time.Now()
	res.MarkIdle(now)
	handedOff := p.checkinLocked(res, now)
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"pool":        p.name,
		"id":          res.ID,
		"failed":      failed,
		"error_count": res.ErrorCount,
		"handed_off":  handedOff,
	}).Debug("connection released")
}

// releaseUntracked handles a release of a handle not in the store. It is called
// with p.mu held and releases it.
func (p *Pool[T]) releaseUntracked(handle T) {
	_, orphan := p.orphans[handle]
	delete(p.orphans, handle)
	p.mu.Unlock()

	if orphan {
		p.dispose(handle, "shutdown")
		return
	}
	log.WithField("pool", p.name).Warn("release of unknown connection ignored")
}

// checkinLocked makes an idle, non-probing resource available, handing it straight
// to the head of the wait queue if anyone is waiting. Reports whether a hand-off happened.
func (p *Pool[T]) checkinLocked(res *store.PooledResource[T], now time.Time) bool {
	w := p.waiters.Pop()
	if w == nil {
		return false
	}
	res.MarkActive(now)
	w.Succeed(res.Handle)
	return true
}

// condemnLocked removes res from the store and uses the freed capacity for queued waiters
func (p *Pool[T]) condemnLocked(res *store.PooledResource[T]) {
	p.store.Condemn(res.ID)
	p.serveWaitersLocked()
}

// capacityLocked returns how many more resources may be created
func (p *Pool[T]) capacityLocked() int {
	return p.config.MaxConnections - p.store.Len() - p.pending
}

// reserveLocked reserves up to n creation slots and returns how many were granted
func (p *Pool[T]) reserveLocked(n int) int {
	n = min(n, p.capacityLocked())
	if n <= 0 {
		return 0
	}
	p.pending += n
	return n
}

// serveWaitersLocked starts background creations for queued waiters that free
// capacity can serve. The new resources enter through checkinLocked, so waiters
// are still only drained by hand-off or timeout.
func (p *Pool[T]) serveWaitersLocked() {
	if p.closed {
		return
	}

	n := p.reserveLocked(p.waiters.Len() - p.serving)
	p.serving += n
	for range n {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			err := p.createIdle(p.ctx)

			p.mu.Lock()
			p.serving--
			p.mu.Unlock()

			if err != nil {
				log.WithError(err).WithField("pool", p.name).Warn("failed to create connection for queued request")
			}
		}()
	}
}

// createIdle fills one reserved slot with a new idle resource
func (p *Pool[T]) createIdle(ctx context.Context) error {
	h, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		p.mu.Unlock()
		p.stats.RecordError()
		return creationError(p.name, err)
	}

	if p.closed {
		p.mu.Unlock()
		p.dispose(h, "shutdown")
		return shuttingDownError(p.name)
	}

	now := time.Now()
	res := p.store.Track(h, store.StateIdle, now)
	if res == nil {
		p.mu.Unlock()
		p.stats.RecordError()
		return creationError(p.name, errDuplicateHandle)
	}
	handedOff := p.checkinLocked(res, now)
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"pool":       p.name,
		"id":         res.ID,
		"handed_off": handedOff,
	}).Debug("created connection")
	return nil
}

// dispose destroys a handle that left the pool. Must be called without p.mu held.
func (p *Pool[T]) dispose(handle T, reason string) {
	if err := destroyHandle(p.factory, handle); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"pool":   p.name,
			"reason": reason,
		}).Error("failed to dispose of connection")
	}
}

// disposeAll destroys the handles of every resource in resources
func (p *Pool[T]) disposeAll(resources []*store.PooledResource[T], reason string) {
	for _, res := range resources {
		p.dispose(res.Handle, reason)
	}
}

// logCondemned records why a resource left the pool
func (p *Pool[T]) logCondemned(res *store.PooledResource[T], reason string) {
	log.WithFields(logrus.Fields{
		"pool":        p.name,
		"id":          res.ID,
		"reason":      reason,
		"error_count": res.ErrorCount,
		"age":         time.Since(res.CreatedAt).String(),
	}).Debug("connection condemned")
}
