package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := newViper()
	cmd := newRunCommand(v)
	require.NoError(t, cmd.Flags().Parse(args))
	return v
}

func TestPoolConfig_FromFlags(t *testing.T) {
	v := newTestViper(t, "--min", "1", "--max", "4", "--max-errors", "2", "--acquire-timeout", "250ms")

	cfg, err := poolConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MinConnections)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, 2, cfg.MaxErrors)
	assert.Equal(t, 250*time.Millisecond, cfg.AcquireTimeout)
}

func TestPoolConfig_InvalidFlags(t *testing.T) {
	v := newTestViper(t, "--min", "5", "--max", "2")

	_, err := poolConfig(v)
	assert.ErrorIs(t, err, connpool.ErrInvalidConfig)
}

func TestPoolConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min_connections: 3
max_connections: 6
idle_timeout: 1m
max_lifetime: 10m
health_check_interval: 1s
max_errors: 4
`), 0o600))

	v := newTestViper(t, "--config", path, "--max", "99")
	cfg, err := poolConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.MaxConnections)
	assert.Equal(t, 4, cfg.MaxErrors)
}

func TestPoolConfig_FromEnvironment(t *testing.T) {
	t.Setenv("CONNPOOL_BENCH_MAX_ERRORS", "7")

	v := newTestViper(t)

	cfg, err := poolConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxErrors)
}

func TestRunBench_ShortRun(t *testing.T) {
	v := newTestViper(t,
		"--workers", "4",
		"--duration", "50ms",
		"--dial-latency", "0s",
		"--query-latency", "100us",
		"--health-interval", "10ms",
	)

	assert.NoError(t, runBench(context.Background(), v))
}

func TestRunBench_RejectsZeroWorkers(t *testing.T) {
	v := newTestViper(t, "--workers", "0")
	assert.Error(t, runBench(context.Background(), v))
}
