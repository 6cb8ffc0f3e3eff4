// Package harness prepares the scratch directory and interpreter invocation
// for one Python cell.
//
// The interpreter never evaluates the submitted code directly: it runs the
// embedded bootstrap, which compiles the cell under the name "<cell>", runs it
// with fresh globals, saves any open matplotlib figures into FiguresDir and,
// on failure, writes a JSON Report to a side channel.
//
// Scratch layout (identical on the host and inside a container, only the root
// differs):
//
//	<root>/              working directory of the cell, only writable path
//	<root>/.runtime/     bootstrap, cell source, report file, matplotlib config
//	<root>/figures/      PNGs written by the matplotlib hook
package harness

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

//go:embed runtime/*.py
var runtimeFiles embed.FS

const (
	RuntimeDirName = ".runtime"
	FiguresDirName = "figures"
	EntryFile      = "bootstrap.py"
	CellFile       = "cell.py"
	ReportFile     = "report.json"

	// ReportFD is the descriptor the process backend hands the bootstrap for
	// its report, via exec.Cmd.ExtraFiles.
	ReportFD = 3
)

// Layout locates the scratch area from both sides of the boundary.
type Layout struct {
	HostRoot    string // path of the scratch directory on the host
	SandboxRoot string // the same directory as seen by the sandboxed process
}

// NewLayout returns a Layout. sandboxRoot may equal hostRoot when the process
// runs without a filesystem namespace.
func NewLayout(hostRoot, sandboxRoot string) Layout {
	return Layout{HostRoot: hostRoot, SandboxRoot: sandboxRoot}
}

// HostRuntimeDir is the runtime directory on the host.
func (l Layout) HostRuntimeDir() string { return filepath.Join(l.HostRoot, RuntimeDirName) }

// HostReportPath is where a file-based report lands on the host.
func (l Layout) HostReportPath() string {
	return filepath.Join(l.HostRoot, RuntimeDirName, ReportFile)
}

func (l Layout) sandboxPath(elem ...string) string {
	return path.Join(append([]string{l.SandboxRoot}, elem...)...)
}

// Install writes the bootstrap modules and the cell source into the scratch
// directory. The scratch directory itself must already exist.
func Install(l Layout, code string) error {
	dir := l.HostRuntimeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("harness: creating runtime dir: %w", err)
	}
	mpl := filepath.Join(dir, "mpl")
	if err := os.MkdirAll(mpl, 0o777); err != nil {
		return fmt.Errorf("harness: creating matplotlib config dir: %w", err)
	}
	// The interpreter may run under another uid; umask must not narrow this.
	if err := os.Chmod(mpl, 0o777); err != nil {
		return fmt.Errorf("harness: creating matplotlib config dir: %w", err)
	}

	files, err := Files(code)
	if err != nil {
		return err
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("harness: writing %s: %w", name, err)
		}
	}
	return nil
}

// Files returns the runtime directory contents keyed by file name: the
// embedded bootstrap modules plus the cell source. Backends that cannot write
// to the scratch directory directly (containers) ship these as an archive.
func Files(code string) (map[string][]byte, error) {
	out := map[string][]byte{CellFile: []byte(code)}
	err := fs.WalkDir(runtimeFiles, "runtime", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := runtimeFiles.ReadFile(p)
		if err != nil {
			return err
		}
		out[path.Base(p)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("harness: reading embedded runtime: %w", err)
	}
	return out, nil
}

// Argv builds the interpreter command line. -I isolates the interpreter from
// user site-packages and PYTHON* variables, -u keeps partial output visible
// when the run is killed.
func (l Layout) Argv(interpreter string) []string {
	return []string{
		interpreter, "-I", "-u", "-B", "-X", "utf8",
		l.sandboxPath(RuntimeDirName, EntryFile),
		l.sandboxPath(RuntimeDirName, CellFile),
	}
}

// EnvOptions tune the environment handed to the interpreter.
type EnvOptions struct {
	AllowedModules []string
	ReportToFile   bool // report via file instead of ReportFD
	ExecutionID    string
}

// Env returns the complete, minimal environment of the interpreter. Nothing
// from the host environment is inherited.
func (l Layout) Env(opts EnvOptions) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + l.SandboxRoot,
		"TMPDIR=" + l.SandboxRoot,
		"LANG=C.UTF-8",
		// One thread per numeric library keeps address-space use predictable.
		"OMP_NUM_THREADS=1",
		"OPENBLAS_NUM_THREADS=1",
		"MPLBACKEND=module://cellrunner_mpl_backend",
		"MPLCONFIGDIR=" + l.sandboxPath(RuntimeDirName, "mpl"),
		"CELLRUNNER_FIGURES_DIR=" + l.sandboxPath(FiguresDirName),
	}
	if opts.ExecutionID != "" {
		env = append(env, "CELLRUNNER_EXECUTION_ID="+opts.ExecutionID)
	}
	if opts.ReportToFile {
		env = append(env, "CELLRUNNER_REPORT_PATH="+l.sandboxPath(RuntimeDirName, ReportFile))
	} else {
		env = append(env, "CELLRUNNER_REPORT_FD="+strconv.Itoa(ReportFD))
	}
	if len(opts.AllowedModules) > 0 {
		env = append(env, "CELLRUNNER_ALLOWED_MODULES="+strings.Join(opts.AllowedModules, ","))
	}
	return env
}

// Report is the failure description written by the bootstrap.
type Report struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// ParseReport decodes a report. Empty input means "no failure reported" and
// yields (nil, nil).
func ParseReport(data []byte) (*Report, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("harness: decoding report: %w", err)
	}
	if r.Type == "" {
		return nil, fmt.Errorf("harness: report has no exception type")
	}
	return &r, nil
}

// Summary is "Type: message", or just the type when the message is empty.
func (r *Report) Summary() string {
	if r.Message == "" || strings.HasPrefix(r.Message, r.Type+":") {
		if r.Message != "" {
			return r.Message
		}
		return r.Type
	}
	return r.Type + ": " + r.Message
}

// LastErrorLine returns the last non-blank line of stderr, which for an
// uncaught Python exception is "Type: message".
func LastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
