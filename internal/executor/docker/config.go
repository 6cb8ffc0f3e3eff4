package docker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds the configuration for Docker execution.
type Config struct {
	// Image is the Docker image to use for execution. It must provide
	// python3 and a "nobody" user.
	Image string
	// Interpreter is the Python executable inside the image.
	Interpreter string
	// MemoryLimit is the container memory ceiling a pre-warmed container
	// starts with (in bytes). Each run lowers it to its own limit.
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PidsLimit caps processes inside the container.
	PidsLimit int64
	// PoolSize is the number of pre-warmed containers to maintain.
	PoolSize int
	// ScratchRoot is the host directory the scratch area is copied back to.
	ScratchRoot string
	// MaxCopyBytes bounds what is copied back out of a container.
	MaxCopyBytes int64
	// PullImage pulls the image at startup when it is not present locally.
	PullImage bool
	// AcquireGrace is how much longer than its timeout a run may wait for
	// a warm container before it fails.
	AcquireGrace time.Duration
}

// DefaultConfig provides sensible defaults for a Python sandbox.
func DefaultConfig() Config {
	return Config{
		// Use a lightweight python image
		Image:        "python:3.12-alpine",
		Interpreter:  "python3",
		MemoryLimit:  1 * humanize.GiByte,
		CPULimit:     0.5,
		PidsLimit:    64,
		PoolSize:     3,
		ScratchRoot:  filepath.Join(os.TempDir(), "cellrunner-docker"),
		MaxCopyBytes: 64 * humanize.MiByte,
		PullImage:    true,
		AcquireGrace: 10 * time.Second,
	}
}
