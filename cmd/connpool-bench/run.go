package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/go-i2p/go-connpool/internal/simclient"
	"github.com/go-i2p/go-connpool/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// report is printed as YAML when a run finishes
type report struct {
	Pool       string         `yaml:"pool"`
	Workers    int            `yaml:"workers"`
	Duration   time.Duration  `yaml:"duration"`
	Succeeded  int64          `yaml:"succeeded"`
	Failed     int64          `yaml:"failed"`
	Throughput float64        `yaml:"throughput_per_second"`
	Created    int64          `yaml:"clients_created"`
	Destroyed  int64          `yaml:"clients_destroyed"`
	Stats      stats.Snapshot `yaml:"stats"`
	Health     string         `yaml:"health"`
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against a simulated backend",
		Long: `Run starts the given number of workers, each repeatedly checking out a client
and issuing a simulated query until the duration elapses or SIGINT/SIGTERM arrives.

Example:
  connpool-bench run --workers 32 --max 8 --duration 10s --query-fail-rate 0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), v)
		},
	}

	bindFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

// bindFlags declares the run command's flags
func bindFlags(fs *pflag.FlagSet) {
	// Workload
	fs.String("name", "bench", "Pool name used in logs and metrics")
	fs.Int("workers", 16, "Number of concurrent workers")
	fs.Duration("duration", 5*time.Second, "How long to run the workload")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")

	// Pool
	fs.String("config", "", "Path to a YAML pool configuration (overrides the pool flags)")
	fs.Int("min", 2, "Minimum connections")
	fs.Int("max", 8, "Maximum connections")
	fs.Duration("idle-timeout", 30*time.Second, "Idle timeout for surplus connections")
	fs.Duration("max-lifetime", 5*time.Minute, "Maximum connection lifetime")
	fs.Duration("health-interval", time.Second, "Health check interval")
	fs.Int("max-errors", 3, "Errors before a connection is condemned")
	fs.Duration("acquire-timeout", connpool.DefaultAcquireTimeout, "How long a queued request waits")
	fs.Duration("stats-interval", 0, "Log pool statistics at this interval (0 disables)")
	fs.Int("create-retries", 0, "Retry failed client creation this many times (-1 retries forever)")

	// Simulated backend
	fs.Duration("dial-latency", 5*time.Millisecond, "Simulated client creation latency")
	fs.Duration("query-latency", time.Millisecond, "Simulated query latency")
	fs.Float64("dial-fail-rate", 0, "Probability that client creation fails")
	fs.Float64("query-fail-rate", 0, "Probability that a query fails")
	fs.Bool("break-after-fail", false, "Mark a client broken after its first failed query")
}

// poolConfig builds the pool configuration from a file or from flags
func poolConfig(v *viper.Viper) (*connpool.PoolConfig, error) {
	if path := v.GetString("config"); path != "" {
		return connpool.LoadConfig(path)
	}

	cfg := connpool.NewPoolConfig(v.GetInt("min"), v.GetInt("max")).
		WithIdleTimeout(v.GetDuration("idle-timeout")).
		WithMaxLifetime(v.GetDuration("max-lifetime")).
		WithHealthCheckInterval(v.GetDuration("health-interval")).
		WithMaxErrors(v.GetInt("max-errors")).
		WithAcquireTimeout(v.GetDuration("acquire-timeout")).
		WithStatsInterval(v.GetDuration("stats-interval"))
	return cfg, cfg.Validate()
}

func runBench(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := poolConfig(v)
	if err != nil {
		return err
	}

	workers := v.GetInt("workers")
	if workers < 1 {
		return oops.
			Code("INVALID_ARGS").
			In("bench").
			With("workers", workers).
			Errorf("workers must be at least 1")
	}

	sim := simclient.NewFactory(simclient.Config{
		DialLatency:    v.GetDuration("dial-latency"),
		QueryLatency:   v.GetDuration("query-latency"),
		DialFailRate:   v.GetFloat64("dial-fail-rate"),
		QueryFailRate:  v.GetFloat64("query-fail-rate"),
		BreakAfterFail: v.GetBool("break-after-fail"),
	})

	var factory connpool.Factory[*simclient.Client] = sim
	if retries := v.GetInt("create-retries"); retries != 0 {
		factory = connpool.WithRetry[*simclient.Client](sim, retries, 10*time.Millisecond)
	}

	reg := prometheus.NewRegistry()
	name := v.GetString("name")
	pool, err := connpool.New(ctx, factory, cfg, connpool.WithName(name), connpool.WithMetrics(reg))
	if err != nil {
		return err
	}

	sm := connpool.NewShutdownManager(5 * time.Second)
	sm.Register(pool)
	sm.HandleSignals()

	if addr := v.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	duration := v.GetDuration("duration")
	runCtx, cancel := context.WithTimeout(sm.Context(), duration)
	defer cancel()

	var succeeded, failed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	for range workers {
		g.Go(func() error {
			for gctx.Err() == nil {
				_, err := connpool.WithResourceValue(gctx, pool, func(ctx context.Context, c *simclient.Client) (string, error) {
					return c.Query(ctx, "SELECT 1")
				})
				switch {
				case err == nil:
					succeeded.Add(1)
				case gctx.Err() != nil:
					// the run ended while this request was in flight
				default:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	snapshot := pool.Stats()
	if err := sm.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}

	out, err := yaml.Marshal(report{
		Pool:       name,
		Workers:    workers,
		Duration:   elapsed.Round(time.Millisecond),
		Succeeded:  succeeded.Load(),
		Failed:     failed.Load(),
		Throughput: float64(succeeded.Load()) / elapsed.Seconds(),
		Created:    sim.Created(),
		Destroyed:  sim.Destroyed(),
		Stats:      snapshot,
		Health:     snapshot.Health().String(),
	})
	if err != nil {
		return oops.In("bench").Wrapf(err, "failed to encode report")
	}

	fmt.Print(string(out))
	return nil
}
