package executor

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
)

// Kind names the outcome variant.
type Kind string

const (
	KindSuccess          Kind = "success"
	KindRuntimeFailure   Kind = "runtime_failure"
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
	KindSandboxViolation Kind = "sandbox_violation"
)

// Resource names the limit breached by a ResourceExceeded outcome.
type Resource string

const (
	ResourceMemory Resource = "memory"
	ResourceCPU    Resource = "cpu"
	ResourceOutput Resource = "output"
	ResourceCrash  Resource = "crash"
)

// genericViolation is the only violation text callers ever see.
const genericViolation = "the sandbox could not run this code safely"

// Outcome is the classified result of one execution. Exactly one Kind is set;
// the other fields are meaningful only for the kinds noted.
type Outcome struct {
	Kind Kind

	Message string // RuntimeFailure, ResourceExceeded
	Trace   string // RuntimeFailure

	Timeout  time.Duration // Timeout
	Canceled bool          // Timeout caused by the caller going away

	Resource Resource // ResourceExceeded

	Detail string // SandboxViolation, internal only
}

// Success is a normal exit.
func Success() Outcome { return Outcome{Kind: KindSuccess} }

// RuntimeFailure is an error raised by the submitted code.
func RuntimeFailure(message, trace string) Outcome {
	return Outcome{Kind: KindRuntimeFailure, Message: message, Trace: trace}
}

// Timeout is a run killed at its wall-clock deadline.
func Timeout(limit time.Duration, canceled bool) Outcome {
	return Outcome{Kind: KindTimeout, Timeout: limit, Canceled: canceled}
}

// ResourceExceeded is a run killed for breaching a resource limit.
func ResourceExceeded(r Resource, message string) Outcome {
	return Outcome{Kind: KindResourceExceeded, Resource: r, Message: message}
}

// SandboxViolation is a failure of the isolation mechanism itself.
func SandboxViolation(detail string) Outcome {
	return Outcome{Kind: KindSandboxViolation, Detail: detail}
}

// Summary is the one-line, caller-safe description used in Result.Output.
func (o Outcome) Summary() string {
	switch o.Kind {
	case KindSuccess:
		return ""
	case KindRuntimeFailure:
		return o.Message
	case KindTimeout:
		if o.Canceled {
			return "Timeout: execution canceled before completion"
		}
		return fmt.Sprintf("Timeout: execution exceeded %s", o.Timeout)
	case KindResourceExceeded:
		return fmt.Sprintf("ResourceExceeded: %s", o.Message)
	default:
		return "SandboxViolation: " + genericViolation
	}
}

// Classify maps what an Isolator observed onto exactly one Outcome. err is
// the error returned by Isolator.Run.
func Classify(run *Run, err error, limits governor.Limits) Outcome {
	if err != nil {
		return SandboxViolation(err.Error())
	}
	if run == nil {
		return SandboxViolation("isolator returned no run")
	}
	if run.SetupFailed {
		return SandboxViolation(run.SetupDetail)
	}

	v := run.Verdict
	if v.TimedOut || v.Canceled {
		return Timeout(limits.Timeout, v.Canceled && !v.TimedOut)
	}

	if v.MemoryExceeded || run.OOMKilled || (run.Report != nil && run.Report.Type == "MemoryError") {
		return ResourceExceeded(ResourceMemory,
			fmt.Sprintf("memory limit of %s exceeded", humanize.IBytes(uint64(limits.MemoryBytes))))
	}

	switch run.Signal {
	case "":
	case "SIGXCPU":
		return ResourceExceeded(ResourceCPU,
			fmt.Sprintf("CPU time limit of %s exceeded", limits.CPUTime))
	case "SIGXFSZ":
		return ResourceExceeded(ResourceOutput,
			fmt.Sprintf("file size limit of %s exceeded", humanize.IBytes(uint64(limits.MaxFileBytes))))
	case "SIGSYS":
		return SandboxViolation("process killed by SIGSYS (blocked system call)")
	default:
		return ResourceExceeded(ResourceCrash, "interpreter terminated by "+run.Signal)
	}

	if run.ExitCode == 0 {
		return Success()
	}
	if run.Report != nil {
		return RuntimeFailure(run.Report.Summary(), run.Report.Trace)
	}
	if line := harness.LastErrorLine(run.Output.Stderr); line != "" {
		return RuntimeFailure(line, "")
	}
	return RuntimeFailure(fmt.Sprintf("process exited with status %d", run.ExitCode), "")
}

// linuxSignals names the Linux signal numbers that can end an interpreter.
// Container exit codes use Linux numbering whatever the host OS is.
var linuxSignals = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	24: "SIGXCPU",
	25: "SIGXFSZ",
	31: "SIGSYS",
}

// SignalName returns the name of Linux signal n.
func SignalName(n int) string {
	if name, ok := linuxSignals[n]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", n)
}

// SignalFromExitCode decodes the shell convention of 128+n for a process
// killed by signal n.
func SignalFromExitCode(code int) (string, bool) {
	if code > 128 && code < 128+65 {
		return SignalName(code - 128), true
	}
	return "", false
}
