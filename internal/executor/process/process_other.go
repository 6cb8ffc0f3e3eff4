//go:build !linux

package process

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sakif/cellrunner/internal/executor"
)

// Run implements executor.Isolator. The process backend relies on Linux
// namespaces, rlimits and seccomp; use the docker backend elsewhere.
func (i *Isolator) Run(context.Context, executor.Job) (*executor.Run, error) {
	return nil, fmt.Errorf("process: backend not supported on %s", runtime.GOOS)
}
