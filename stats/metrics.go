package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter exposes pool statistics to Prometheus. Gauges and counters are read
// from a live Snapshot on every scrape; wait times feed a histogram as they happen.
type Exporter struct {
	snapshot func() Snapshot

	connections *prometheus.Desc
	maxConns    *prometheus.Desc
	pending     *prometheus.Desc
	requests    *prometheus.Desc
	queued      *prometheus.Desc
	errors      *prometheus.Desc
	avgWait     *prometheus.Desc
	health      *prometheus.Desc

	wait prometheus.Histogram
}

// WaitBuckets are the histogram buckets for acquisition wait times, in seconds
var WaitBuckets = []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// NewExporter creates an exporter for the named pool
func NewExporter(pool string, snapshot func() Snapshot) *Exporter {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("connpool", "", name), help, variable, labels)
	}

	return &Exporter{
		snapshot:    snapshot,
		connections: desc("connections", "Current number of tracked connections by state", "state"),
		maxConns:    desc("connections_max", "Maximum number of connections in the pool"),
		pending:     desc("connections_pending", "Connections currently being created"),
		requests:    desc("requests_total", "Total number of acquisition requests"),
		queued:      desc("requests_queued", "Acquisition requests waiting for a connection"),
		errors:      desc("errors_total", "Total number of pool errors"),
		avgWait:     desc("wait_avg_seconds", "Mean acquisition wait over the rolling window"),
		health:      desc("health", "Advisory health classification (0 healthy, 1 degraded, 2 critical)"),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "connpool",
			Name:        "acquire_wait_seconds",
			Help:        "Time spent waiting to acquire a connection",
			Buckets:     WaitBuckets,
			ConstLabels: labels,
		}),
	}
}

// ObserveWait records an acquisition wait in the histogram
func (e *Exporter) ObserveWait(d time.Duration) {
	e.wait.Observe(d.Seconds())
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.connections
	ch <- e.maxConns
	ch <- e.pending
	ch <- e.requests
	ch <- e.queued
	ch <- e.errors
	ch <- e.avgWait
	ch <- e.health
	e.wait.Describe(ch)
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.snapshot()

	ch <- prometheus.MustNewConstMetric(e.connections, prometheus.GaugeValue, float64(s.ActiveConnections), "active")
	ch <- prometheus.MustNewConstMetric(e.connections, prometheus.GaugeValue, float64(s.IdleConnections), "idle")
	ch <- prometheus.MustNewConstMetric(e.maxConns, prometheus.GaugeValue, float64(s.MaxConnections))
	ch <- prometheus.MustNewConstMetric(e.pending, prometheus.GaugeValue, float64(s.PendingCreations))
	ch <- prometheus.MustNewConstMetric(e.requests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(e.queued, prometheus.GaugeValue, float64(s.QueuedRequests))
	ch <- prometheus.MustNewConstMetric(e.errors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(e.avgWait, prometheus.GaugeValue, s.AvgWaitTime.Seconds())
	ch <- prometheus.MustNewConstMetric(e.health, prometheus.GaugeValue, float64(s.Health()))
	e.wait.Collect(ch)
}
