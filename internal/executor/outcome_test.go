package executor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/capture"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
)

func TestClassify(t *testing.T) {
	limits, _ := governor.DefaultPolicy().Resolve(500, 0)

	tests := []struct {
		name     string
		run      *executor.Run
		err      error
		kind     executor.Kind
		resource executor.Resource
	}{
		{
			name: "boundary error",
			err:  errors.New("fork/exec: permission denied"),
			kind: executor.KindSandboxViolation,
		},
		{
			name: "nil run",
			kind: executor.KindSandboxViolation,
		},
		{
			name: "helper setup failure",
			run:  &executor.Run{ExitCode: 125, SetupFailed: true, SetupDetail: "seccomp: load failed"},
			kind: executor.KindSandboxViolation,
		},
		{
			name: "clean exit",
			run:  &executor.Run{ExitCode: 0},
			kind: executor.KindSuccess,
		},
		{
			name: "deadline beats everything else",
			run: &executor.Run{
				ExitCode: -1, Signal: "SIGKILL",
				Verdict: governor.Verdict{TimedOut: true},
			},
			kind: executor.KindTimeout,
		},
		{
			name: "caller cancellation",
			run:  &executor.Run{ExitCode: -1, Signal: "SIGKILL", Verdict: governor.Verdict{Canceled: true}},
			kind: executor.KindTimeout,
		},
		{
			name:     "memory sampler",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGKILL", Verdict: governor.Verdict{MemoryExceeded: true}},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceMemory,
		},
		{
			name:     "oom killer",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGKILL", OOMKilled: true},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceMemory,
		},
		{
			name:     "MemoryError raised in the cell",
			run:      &executor.Run{ExitCode: 1, Report: &harness.Report{Type: "MemoryError"}},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceMemory,
		},
		{
			name:     "cpu rlimit",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGXCPU"},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceCPU,
		},
		{
			name:     "file size rlimit",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGXFSZ"},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceOutput,
		},
		{
			name:     "segfault",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGSEGV"},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceCrash,
		},
		{
			name:     "unrequested SIGKILL without an oom record is a crash",
			run:      &executor.Run{ExitCode: -1, Signal: "SIGKILL"},
			kind:     executor.KindResourceExceeded,
			resource: executor.ResourceCrash,
		},
		{
			name: "seccomp kill",
			run:  &executor.Run{ExitCode: -1, Signal: "SIGSYS"},
			kind: executor.KindSandboxViolation,
		},
		{
			name: "reported exception",
			run: &executor.Run{ExitCode: 1, Report: &harness.Report{
				Type: "ZeroDivisionError", Message: "division by zero",
			}},
			kind: executor.KindRuntimeFailure,
		},
		{
			name: "non-zero exit without report",
			run:  &executor.Run{ExitCode: 2, Output: capture.Output{Stderr: "SyntaxError: bad\n"}},
			kind: executor.KindRuntimeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := executor.Classify(tt.run, tt.err, limits)
			assert.Equal(t, tt.kind, o.Kind)
			assert.Equal(t, tt.resource, o.Resource)
		})
	}
}

func TestClassify_RuntimeFailureMessages(t *testing.T) {
	limits, _ := governor.DefaultPolicy().Resolve(0, 0)

	o := executor.Classify(&executor.Run{ExitCode: 1, Report: &harness.Report{
		Type: "ZeroDivisionError", Message: "division by zero", Trace: "ZeroDivisionError: division by zero\n",
	}}, nil, limits)
	assert.Equal(t, "ZeroDivisionError: division by zero", o.Message)
	assert.Equal(t, "ZeroDivisionError: division by zero\n", o.Trace)

	o = executor.Classify(&executor.Run{ExitCode: 3}, nil, limits)
	assert.Equal(t, "process exited with status 3", o.Message)
}

func TestOutcomeSummary(t *testing.T) {
	assert.Equal(t, "Timeout: execution exceeded 500ms", executor.Timeout(500*time.Millisecond, false).Summary())
	assert.Contains(t, executor.Timeout(time.Second, true).Summary(), "canceled")
	assert.Equal(t, "ResourceExceeded: memory limit of 256 MiB exceeded",
		executor.ResourceExceeded(executor.ResourceMemory, "memory limit of 256 MiB exceeded").Summary())

	v := executor.SandboxViolation("mount /proc: EPERM")
	assert.NotContains(t, v.Summary(), "EPERM")
	assert.Contains(t, v.Summary(), "SandboxViolation")
}

func TestSignalFromExitCode(t *testing.T) {
	tests := []struct {
		code int
		want string
		ok   bool
	}{
		{137, "SIGKILL", true},
		{152, "SIGXCPU", true},
		{139, "SIGSEGV", true},
		{1, "", false},
		{128, "", false},
	}
	for _, tt := range tests {
		got, ok := executor.SignalFromExitCode(tt.code)
		assert.Equal(t, tt.ok, ok, tt.code)
		assert.Equal(t, tt.want, got, tt.code)
	}
}
