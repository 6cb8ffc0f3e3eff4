package docker_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/docker"
)

func TestDockerIsolator(t *testing.T) {
	// Skip in CI environments if docker is not available
	if os.Getenv("CI") != "" {
		t.Skip("Skipping docker test in CI environment")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := docker.DefaultConfig()
	// reduce pool size for local test speed
	cfg.PoolSize = 1
	cfg.ScratchRoot = t.TempDir()

	iso, err := docker.New(cfg, logger)
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	defer iso.Close()

	ecfg := executor.DefaultConfig()
	ecfg.Policy.DefaultTimeout = 20 * time.Second
	ecfg.Policy.MaxTimeout = 30 * time.Second
	eng, err := executor.NewEngine(iso, ecfg, logger)
	require.NoError(t, err)

	run := func(t *testing.T, code string, c executor.Constraints) executor.Result {
		t.Helper()
		res, err := eng.Execute(context.Background(), executor.Request{Code: code, Constraints: c})
		require.NoError(t, err)
		return res
	}

	t.Run("successful execution", func(t *testing.T) {
		res := run(t, `print("Hello from test sandbox!")`, executor.Constraints{})
		assert.Equal(t, executor.KindSuccess, res.Outcome, res.Output)
		assert.Equal(t, "Hello from test sandbox!\n", res.Output)
		assert.Nil(t, res.Error)
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("syntax error", func(t *testing.T) {
		res := run(t, `print("Missing parenthesis"`, executor.Constraints{})
		assert.Equal(t, executor.KindRuntimeFailure, res.Outcome)
		require.NotNil(t, res.Error)
		assert.Contains(t, *res.Error, "SyntaxError")
	})

	t.Run("infinite loop timeout", func(t *testing.T) {
		start := time.Now()
		res := run(t, "while True: pass", executor.Constraints{TimeoutMs: 1000})
		assert.Equal(t, executor.KindTimeout, res.Outcome)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("multiline logic", func(t *testing.T) {
		res := run(t, strings.Join([]string{
			"def fib(n):",
			"    if n <= 1: return n",
			"    return fib(n-1) + fib(n-2)",
			"print(fib(5))",
		}, "\n"), executor.Constraints{})
		assert.Equal(t, "5\n", res.Output)
	})

	t.Run("no network", func(t *testing.T) {
		code := "import socket\nsocket.create_connection(('1.1.1.1', 80), timeout=1)"
		res := run(t, code, executor.Constraints{})
		assert.Equal(t, executor.KindRuntimeFailure, res.Outcome)
	})

	t.Run("read-only root filesystem", func(t *testing.T) {
		res := run(t, "open('/usr/escape.txt', 'w')", executor.Constraints{})
		assert.Equal(t, executor.KindRuntimeFailure, res.Outcome)
	})

	t.Run("image artifact is copied back", func(t *testing.T) {
		code := `import base64
open("dot.png", "wb").write(base64.b64decode("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="))`
		res := run(t, code, executor.Constraints{})
		require.Equal(t, executor.KindSuccess, res.Outcome, res.Output)
		require.Len(t, res.Visualizations, 1)
		assert.Equal(t, "image/png", res.Visualizations[0].MIME)

		entries, err := os.ReadDir(cfg.ScratchRoot)
		require.NoError(t, err)
		assert.Empty(t, entries, "host scratch copy must be purged")
	})

	t.Run("memory exhaustion", func(t *testing.T) {
		res := run(t, "x = bytearray(2 * 1024 ** 3)", executor.Constraints{MemoryLimitBytes: 64 << 20})
		assert.Equal(t, executor.KindResourceExceeded, res.Outcome)
		assert.Equal(t, executor.ResourceMemory, res.Resource)
	})
}
