// Package initproc is the sandbox helper: the cellrunner binary re-executed
// by the process backend as the first process inside the sandbox.
//
// The parent starts the helper with EnvMarker set, the JSON Request on stdin,
// the report pipe on fd 3 and a status pipe on fd 4. The helper applies the
// mount layout, resource limits and syscall filter to itself and then execs
// the interpreter, so every limit is in place before any submitted code runs.
// If anything fails before exec, the helper writes the reason to the status
// pipe and exits with ExitSetupFailure. fd 4 is close-on-exec, so the parent
// reading EOF with no data means the interpreter started.
package initproc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// EnvMarker is set in the helper's environment, and only there.
const EnvMarker = "CELLRUNNER_INITPROC"

// ExitSetupFailure is the helper's exit status when the sandbox could not be
// established.
const ExitSetupFailure = 125

// StatusFD is the descriptor of the setup status pipe in the helper.
const StatusFD = 4

// Rlimits are applied with setrlimit before exec. Zero leaves the inherited
// limit unchanged.
type Rlimits struct {
	AddressSpace uint64 `json:"addressSpace"`
	CPUSeconds   uint64 `json:"cpuSeconds"`
	FileSize     uint64 `json:"fileSize"`
	Processes    uint64 `json:"processes"`
	OpenFiles    uint64 `json:"openFiles"`
}

// Request tells the helper how to build the sandbox.
type Request struct {
	Argv []string `json:"argv"`
	Env  []string `json:"env"`
	Dir  string   `json:"dir"`

	Limits Rlimits `json:"limits"`

	Seccomp      bool `json:"seccomp"`
	AllowNetwork bool `json:"allowNetwork"`

	// Namespaces is set when the helper runs in fresh mount and pid
	// namespaces and may rearrange mounts.
	Namespaces bool `json:"namespaces"`
	// MaskPaths are covered with empty read-only tmpfs mounts.
	MaskPaths []string `json:"maskPaths,omitempty"`
}

// Validate checks the fields the helper cannot work without.
func (r Request) Validate() error {
	if len(r.Argv) == 0 || r.Argv[0] == "" {
		return fmt.Errorf("argv is required")
	}
	if r.Dir == "" {
		return fmt.Errorf("working directory is required")
	}
	return nil
}

// Invoked reports whether the current process was started as the helper.
func Invoked() bool {
	return os.Getenv(EnvMarker) == "1"
}

// SeccompSupported reports whether this build can install the syscall
// filter. It is false without cgo, since the filter is built by libseccomp.
func SeccompSupported() bool { return seccompSupported }

// Encode writes r for the helper to read.
func Encode(w io.Writer, r Request) error {
	return json.NewEncoder(w).Encode(r)
}

// Decode reads a Request written by Encode.
func Decode(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Main runs the helper. It never returns.
func Main() {
	err := run()
	// run only returns on failure; a successful exec replaces this process.
	fail(err)
}

func fail(err error) {
	msg := "initproc: " + err.Error()
	if _, werr := os.NewFile(StatusFD, "status").WriteString(msg); werr != nil {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(ExitSetupFailure)
}
