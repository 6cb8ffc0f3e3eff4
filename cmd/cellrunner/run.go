package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/handler"
	"github.com/sakif/cellrunner/internal/server"
)

var (
	runTimeout time.Duration
	runMemory  int64
	runModules []string
	runStream  bool
)

var runCmd = &cobra.Command{
	Use:   "run <file.py | ->",
	Short: "Execute a local file through the sandbox and print the JSON result",
	Long: `Run a Python file through the configured sandbox backend, exactly as
POST /api/execute would, and print the result as JSON. Use "-" to read the
code from stdin. Nothing is recorded in the audit log.

Examples:
  cellrunner run script.py
  echo 'print(42)' | cellrunner run - --backend process
  cellrunner run plot.py --stream --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution timeout (default: server default)")
	runCmd.Flags().Int64Var(&runMemory, "memory", 0, "Memory limit in bytes (default: server default)")
	runCmd.Flags().StringSliceVar(&runModules, "allow", nil, "Modules the cell may import directly")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Copy output to the terminal while the code runs")
	runCmd.Flags().StringVar(&backendFlag, "backend", "", "Sandbox backend: docker or process (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func readCode(path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(b), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if backendFlag != "" {
		cfg.Sandbox.Backend = backendFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	code, err := readCode(args[0])
	if err != nil {
		return err
	}

	engine, closeEngine, err := server.OpenEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = auth.WithSubject(ctx, "cli")

	req := executor.Request{
		Code: code,
		Constraints: executor.Constraints{
			TimeoutMs:        runTimeout.Milliseconds(),
			MemoryLimitBytes: runMemory,
			AllowedModules:   runModules,
		},
	}

	var res executor.Result
	if runStream {
		// Live output goes to stderr so stdout stays valid JSON.
		res, err = engine.ExecuteStream(ctx, req, func(_ string, p []byte) {
			_, _ = os.Stderr.Write(p)
		})
	} else {
		res, err = engine.Execute(ctx, req)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(handler.NewExecutionResponse(res)); err != nil {
		return err
	}
	if res.Outcome != executor.KindSuccess {
		exitCode = 2
	}
	return nil
}
