package connpool

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// maxRetryDelay caps the exponential backoff between creation attempts
const maxRetryDelay = 30 * time.Second

// RetryFactory wraps a Factory so that Create is retried with exponential backoff.
// Probe and Destroy are passed through unchanged.
type RetryFactory[T comparable] struct {
	inner Factory[T]

	// Retries is how many extra attempts Create makes; -1 retries until ctx is done
	Retries int

	// Backoff is the delay before the first retry, doubled on each later one
	Backoff time.Duration
}

// WithRetry wraps factory with retrying creation
func WithRetry[T comparable](factory Factory[T], retries int, backoff time.Duration) *RetryFactory[T] {
	return &RetryFactory[T]{inner: factory, Retries: retries, Backoff: backoff}
}

// Create implements Factory. It returns the last creation error, annotated with
// the number of attempts, once retries are exhausted.
func (f *RetryFactory[T]) Create(ctx context.Context) (T, error) {
	attempt := 0
	for {
		h, err := f.inner.Create(ctx)
		if err == nil {
			f.logSuccessAfterRetries(attempt)
			return h, nil
		}

		if !f.shouldRetry(attempt, err) {
			return h, f.wrapRetryError(err, attempt+1)
		}

		if werr := f.waitForRetry(ctx, attempt); werr != nil {
			return h, f.wrapRetryError(err, attempt+1)
		}

		attempt++
		log.WithFields(logrus.Fields{
			"attempt":    attempt + 1,
			"last_error": err.Error(),
		}).Warn("connection creation failed, retrying")
	}
}

// Probe implements Factory
func (f *RetryFactory[T]) Probe(ctx context.Context, handle T) error {
	return f.inner.Probe(ctx, handle)
}

// Destroy implements Destroyer by delegating to the wrapped factory
func (f *RetryFactory[T]) Destroy(handle T) error {
	return destroyHandle(f.inner, handle)
}

func (f *RetryFactory[T]) shouldRetry(attempt int, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return f.Retries == -1 || attempt < f.Retries
}

// waitForRetry sleeps backoff * 2^attempt, capped at maxRetryDelay
func (f *RetryFactory[T]) waitForRetry(ctx context.Context, attempt int) error {
	if f.Backoff <= 0 {
		return ctx.Err()
	}

	delay := time.Duration(float64(f.Backoff) * math.Pow(2, float64(attempt)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	log.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("waiting before creation retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *RetryFactory[T]) logSuccessAfterRetries(attempt int) {
	if attempt > 0 {
		log.WithField("attempts", attempt+1).Info("connection created after retries")
	}
}

func (f *RetryFactory[T]) wrapRetryError(err error, totalAttempts int) error {
	return oops.
		Code("CREATE_RETRY_FAILED").
		In("connpool").
		With("total_attempts", totalAttempts).
		With("max_retries", f.Retries).
		Wrapf(err, "connection creation failed after %d attempts", totalAttempts)
}
