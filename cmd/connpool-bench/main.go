// Command connpool-bench drives a pool of simulated backend clients with a
// configurable concurrent workload and reports the resulting pool statistics.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

// newViper returns a viper instance reading CONNPOOL_BENCH_* environment variables
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CONNPOOL_BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func main() {
	v := newViper()

	root := &cobra.Command{
		Use:   "connpool-bench",
		Short: "Load generator for go-connpool",
		Long: `connpool-bench runs concurrent workers against a pool of simulated backend
clients and prints the pool statistics when the run finishes.

Every flag can also be set through a CONNPOOL_BENCH_* environment variable,
for example CONNPOOL_BENCH_WORKERS=64.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("connpool-bench v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
		},
	})

	root.AddCommand(newRunCommand(v))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
