package connpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// options holds the optional collaborators of a Pool
type options struct {
	name           string
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
}

// Option configures optional Pool behaviour
type Option func(*options)

// WithName labels the pool in logs, errors, metrics and spans.
// Default: "default"
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMetrics registers the pool's Prometheus collector with reg.
// Default: no metrics are registered.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTracerProvider sets the provider used for acquisition spans.
// Default: the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

func buildOptions(opts []Option) options {
	o := options{name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	return o
}
