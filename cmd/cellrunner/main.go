// Command cellrunner runs untrusted Python cells in a sandbox and serves the
// execution API.
//
// The same binary doubles as the process backend's sandbox helper: when it
// is re-executed with the helper marker set, it configures the isolation
// boundary and execs the interpreter instead of running the CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/cellrunner/internal/config"
	"github.com/sakif/cellrunner/internal/executor/initproc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configFlag string

// exitCode is returned by a command that succeeded but wants a non-zero
// status, e.g. run when the code failed.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "cellrunner",
	Short: "cellrunner - sandboxed Python cell execution",
	Long: `cellrunner executes untrusted Python code inside an isolation boundary
(a locked-down Docker container or a namespaced, seccomp-filtered process)
and returns captured output, classified errors and extracted plots.

Configuration is read from cellrunner.yaml in the working directory,
$HOME/.cellrunner or /etc/cellrunner, and CELLRUNNER_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: search for cellrunner.yaml)")
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, cfg.Logger(), nil
}

func main() {
	if initproc.Invoked() {
		initproc.Main()
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
