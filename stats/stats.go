// Package stats aggregates pool counters and a rolling window of wait times into a
// point-in-time Snapshot with an advisory health classification.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// WindowSize is the number of wait samples kept for the rolling average
const WindowSize = 100

// Health thresholds. A pool is critical above the critical limits, degraded above the
// degraded limits, healthy otherwise.
const (
	DegradedErrors = 10
	DegradedQueued = 5
	CriticalErrors = 50
	CriticalQueued = 20
)

// Health is the advisory classification of a pool
type Health int

const (
	// Healthy is the default classification
	Healthy Health = iota
	// Degraded means errors or queueing are elevated
	Degraded
	// Critical means errors or queueing are severe
	Critical
)

// String returns the string representation of the health classification
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classify derives a health classification from live error and queue counts
func Classify(errors uint64, queued int) Health {
	switch {
	case errors > CriticalErrors || queued > CriticalQueued:
		return Critical
	case errors > DegradedErrors || queued > DegradedQueued:
		return Degraded
	default:
		return Healthy
	}
}

// Snapshot is a point-in-time view of a pool. TotalRequests counts every Acquire,
// including ones rejected at shutdown. AvgWaitTime averages the recent waits of
// every settled request, whether it got a handle, timed out or was failed.
type Snapshot struct {
	TotalConnections  int           `json:"total_connections" yaml:"total_connections"`
	ActiveConnections int           `json:"active_connections" yaml:"active_connections"`
	IdleConnections   int           `json:"idle_connections" yaml:"idle_connections"`
	PendingCreations  int           `json:"pending_creations" yaml:"pending_creations"`
	MaxConnections    int           `json:"max_connections" yaml:"max_connections"`
	TotalRequests     uint64        `json:"total_requests" yaml:"total_requests"`
	QueuedRequests    int           `json:"queued_requests" yaml:"queued_requests"`
	Errors            uint64        `json:"errors" yaml:"errors"`
	AvgWaitTime       time.Duration `json:"avg_wait_time" yaml:"avg_wait_time"`
}

// Health classifies the snapshot. It is computed on demand and never stored.
func (s Snapshot) Health() Health {
	return Classify(s.Errors, s.QueuedRequests)
}

// Collector counts requests and errors and keeps the rolling wait-time window.
// It is safe for concurrent use.
type Collector struct {
	totalRequests uint64
	errors        uint64

	mu      sync.Mutex
	samples *queue.Queue
	sum     time.Duration

	observer func(time.Duration)
}

// NewCollector creates a collector with an empty window
func NewCollector() *Collector {
	return &Collector{samples: queue.New()}
}

// OnWait registers a callback invoked with every recorded wait sample
func (c *Collector) OnWait(observer func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
}

// RecordRequest counts one acquisition request
func (c *Collector) RecordRequest() {
	atomic.AddUint64(&c.totalRequests, 1)
}

// RecordError counts one pool-visible error
func (c *Collector) RecordError() {
	atomic.AddUint64(&c.errors, 1)
}

// RecordWait adds a wait sample, evicting the oldest once the window is full
func (c *Collector) RecordWait(d time.Duration) {
	c.mu.Lock()
	c.samples.Add(d)
	c.sum += d
	if c.samples.Length() > WindowSize {
		c.sum -= c.samples.Remove().(time.Duration)
	}
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(d)
	}
}

// TotalRequests returns the number of acquisition requests seen
func (c *Collector) TotalRequests() uint64 {
	return atomic.LoadUint64(&c.totalRequests)
}

// Errors returns the number of errors seen
func (c *Collector) Errors() uint64 {
	return atomic.LoadUint64(&c.errors)
}

// AvgWaitTime returns the mean of the samples currently in the window
func (c *Collector) AvgWaitTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.samples.Length()
	if n == 0 {
		return 0
	}
	return c.sum / time.Duration(n)
}

// SampleCount returns how many samples the window currently holds
func (c *Collector) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples.Length()
}

// Fill copies the collector's counters into s
func (c *Collector) Fill(s *Snapshot) {
	s.TotalRequests = c.TotalRequests()
	s.Errors = c.Errors()
	s.AvgWaitTime = c.AvgWaitTime()
}
