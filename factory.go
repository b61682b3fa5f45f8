package connpool

import (
	"context"
	"fmt"
	"io"
)

// Factory creates and probes the backend client handles a Pool manages.
// Handles must be comparable; pointer handles are the usual choice.
type Factory[T comparable] interface {
	// Create produces a new handle. Errors propagate to whichever pool
	// operation triggered the creation.
	Create(ctx context.Context) (T, error)

	// Probe performs a side-effect-free liveness check of an idle handle.
	// A non-nil error, a panic or a missed deadline count as a failed probe.
	// Failed probes increment the same per-resource error count as failed
	// operations in WithResource, so MaxErrors bounds both.
	Probe(ctx context.Context, handle T) error
}

// Destroyer is implemented by factories that need to dispose of condemned handles.
// When a factory does not implement it, handles implementing io.Closer are closed.
type Destroyer[T comparable] interface {
	Destroy(handle T) error
}

// FactoryFuncs adapts plain functions to the Factory and Destroyer interfaces.
// A nil ProbeFunc treats every handle as alive; a nil DestroyFunc falls back to io.Closer.
type FactoryFuncs[T comparable] struct {
	CreateFunc  func(ctx context.Context) (T, error)
	ProbeFunc   func(ctx context.Context, handle T) error
	DestroyFunc func(handle T) error
}

// Create implements Factory
func (f FactoryFuncs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

// Probe implements Factory
func (f FactoryFuncs[T]) Probe(ctx context.Context, handle T) error {
	if f.ProbeFunc == nil {
		return nil
	}
	return f.ProbeFunc(ctx, handle)
}

// Destroy implements Destroyer
func (f FactoryFuncs[T]) Destroy(handle T) error {
	if f.DestroyFunc == nil {
		return closeHandle(handle)
	}
	return f.DestroyFunc(handle)
}

// safeProbe runs a probe, converting panics into errors
func safeProbe[T comparable](ctx context.Context, f Factory[T], handle T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return f.Probe(ctx, handle)
}

// destroyHandle disposes of a handle using the factory's Destroyer if present
func destroyHandle[T comparable](f Factory[T], handle T) error {
	if d, ok := f.(Destroyer[T]); ok {
		return d.Destroy(handle)
	}
	return closeHandle(handle)
}

func closeHandle[T comparable](handle T) error {
	if c, ok := any(handle).(io.Closer); ok {
		return c.Close()
	}
	return nil
}
