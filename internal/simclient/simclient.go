// Package simclient provides an in-memory backend client with tunable latency and
// failure rates, used by the example programs, the benchmark command and the
// integration tests to drive a pool without a real backend.
package simclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("simclient: client closed")
	// ErrUnhealthy is returned by Ping on a broken client
	ErrUnhealthy = errors.New("simclient: client unhealthy")
	// ErrQueryFailed is returned by a query chosen to fail
	ErrQueryFailed = errors.New("simclient: query failed")
	// ErrDialFailed is returned by a creation chosen to fail
	ErrDialFailed = errors.New("simclient: dial failed")
)

// Config tunes simulated behaviour. Rates are probabilities in [0, 1].
type Config struct {
	DialLatency    time.Duration `mapstructure:"dial_latency"`
	QueryLatency   time.Duration `mapstructure:"query_latency"`
	DialFailRate   float64       `mapstructure:"dial_fail_rate"`
	QueryFailRate  float64       `mapstructure:"query_fail_rate"`
	BreakAfterFail bool          `mapstructure:"break_after_fail"`
}

// Client is a simulated backend session
type Client struct {
	ID int64

	cfg     Config
	closed  atomic.Bool
	broken  atomic.Bool
	queries atomic.Int64
}

// Query runs a simulated request, honouring ctx while it waits
func (c *Client) Query(ctx context.Context, q string) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if err := sleep(ctx, c.cfg.QueryLatency); err != nil {
		return "", err
	}

	c.queries.Add(1)
	if c.broken.Load() || chance(c.cfg.QueryFailRate) {
		if c.cfg.BreakAfterFail {
			c.broken.Store(true)
		}
		return "", fmt.Errorf("%w: client %d: %s", ErrQueryFailed, c.ID, q)
	}
	return fmt.Sprintf("client %d: %s: ok", c.ID, q), nil
}

// Ping reports whether the client is usable
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.broken.Load() {
		return ErrUnhealthy
	}
	return nil
}

// Break makes every later Query and Ping fail
func (c *Client) Break() {
	c.broken.Store(true)
}

// Queries returns how many queries the client has served
func (c *Client) Queries() int64 {
	return c.queries.Load()
}

// Closed reports whether Close was called
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Close implements io.Closer
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// Factory creates simulated clients and counts their lifecycle.
// It satisfies connpool.Factory and connpool.Destroyer for *Client.
type Factory struct {
	cfg Config

	nextID    atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
}

// NewFactory creates a factory with the given behaviour
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// Create dials a new simulated client
func (f *Factory) Create(ctx context.Context) (*Client, error) {
	if err := sleep(ctx, f.cfg.DialLatency); err != nil {
		return nil, err
	}
	if chance(f.cfg.DialFailRate) {
		return nil, ErrDialFailed
	}

	f.created.Add(1)
	return &Client{ID: f.nextID.Add(1), cfg: f.cfg}, nil
}

// Probe pings the client
func (f *Factory) Probe(ctx context.Context, c *Client) error {
	return c.Ping(ctx)
}

// Destroy closes the client
func (f *Factory) Destroy(c *Client) error {
	f.destroyed.Add(1)
	return c.Close()
}

// Created returns how many clients were created
func (f *Factory) Created() int64 {
	return f.created.Load()
}

// Destroyed returns how many clients were destroyed
func (f *Factory) Destroyed() int64 {
	return f.destroyed.Load()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chance(rate float64) bool {
	return rate > 0 && rand.Float64() < rate
}
