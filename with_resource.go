package connpool

import (
	"context"
)

// WithResource acquires a handle, runs op with it and always gives it back.
//
// If op returns an error or panics, the failure counts against the handle's
// error budget, and the handle is condemned at once when MaxErrors is reached.
// op's error is returned unchanged; a panic continues after the handle is
// returned. Acquisition errors are returned without running op.
func (p *Pool[T]) WithResource(ctx context.Context, op func(ctx context.Context, handle T) error) (err error) {
	ctx, span := p.startSpan(ctx, "connpool.WithResource")
	defer func() { endSpan(span, err) }()

	handle, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	// failed stays true if op panics
	failed := true
	defer func() { p.checkin(handle, failed) }()

	if err = op(ctx, handle); err != nil {
		return err
	}
	failed = false
	return nil
}

// WithResourceValue is WithResource for operations that produce a value.
func WithResourceValue[T comparable, R any](ctx context.Context, p *Pool[T], op func(ctx context.Context, handle T) (R, error)) (R, error) {
	var result R
	err := p.WithResource(ctx, func(ctx context.Context, handle T) error {
		var opErr error
		result, opErr = op(ctx, handle)
		return opErr
	})
	return result, err
}
