// Package executor runs untrusted Python cells and turns whatever happens to
// them into a structured Result.
//
// The Engine validates a Request, admits it through a bounded Pool, hands a
// Job to an Isolator backend (process or docker), classifies the Run into
// exactly one Outcome, extracts visualizations from the scratch directory and
// assembles the Result. Execution failures never surface as Go errors; only
// invalid requests and capacity rejection do.
package executor

import (
	"context"
	"time"

	"github.com/sakif/cellrunner/internal/executor/capture"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
	"github.com/sakif/cellrunner/internal/executor/visual"
)

// Constraints are the caller's optional resource requests. Zero values mean
// "use the server default".
type Constraints struct {
	TimeoutMs        int64    `json:"timeout_ms,omitempty"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes,omitempty"`
	AllowedModules   []string `json:"allowed_modules,omitempty"`
}

// Request is one execution request. It is not modified by the engine.
type Request struct {
	Code        string      `json:"code"`
	Constraints Constraints `json:"constraints"`
}

// Artifact is an extracted visualization.
type Artifact = visual.Artifact

// Result is the externally visible outcome of one execution.
type Result struct {
	ExecutionID    string
	Output         string
	Error          *string
	Stderr         string
	Visualizations []Artifact
	Outcome        Kind
	Resource       Resource
	Truncated      bool
	Duration       time.Duration
}

// Job is what an Isolator needs to run one cell.
type Job struct {
	ID             string
	Code           string
	Limits         governor.Limits
	AllowedModules []string
	// Tap, when set, receives output chunks as they are captured.
	Tap capture.Tap
}

// Run is what an Isolator observed about one finished execution.
type Run struct {
	Output capture.Output
	// ExitCode is the interpreter's exit status, or -1 when it was terminated
	// by a signal.
	ExitCode int
	// Signal is the name of the terminating signal ("SIGKILL"), if any.
	Signal  string
	Verdict governor.Verdict
	// OOMKilled is set when the kernel or container runtime killed the
	// execution for exceeding its memory limit.
	OOMKilled bool
	// Report is the failure report written by the harness, if any.
	Report *harness.Report
	// SetupFailed means the sandbox could not be established after the
	// process was started (helper failure, interpreter missing).
	SetupFailed bool
	SetupDetail string
	// Scratch holds the files the cell produced. The engine removes it.
	Scratch *Scratch
}

// Isolator runs a Job inside an isolation boundary. A non-nil error means the
// boundary could not be established; the Isolator must then clean up after
// itself. On success the returned Run is non-nil.
type Isolator interface {
	Name() string
	Run(ctx context.Context, job Job) (*Run, error)
}

// Observer is notified after every admitted execution. Implementations must
// not block for long.
type Observer interface {
	ExecutionFinished(ctx context.Context, rec Record)
}

// Record is the observer-facing view of a finished execution. Detail carries
// internal diagnostics that are never returned to callers.
type Record struct {
	Result    Result
	Backend   string
	CodeBytes int
	Limits    governor.Limits
	Detail    string
	StartedAt time.Time
}
