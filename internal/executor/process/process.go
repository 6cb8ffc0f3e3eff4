// Package process is the native Linux isolation backend.
//
// Each run gets a fresh scratch directory and a helper process (the cellrunner
// binary re-executed, see package initproc) that sets up namespaces, mounts,
// rlimits and a seccomp filter before exec'ing the interpreter. The parent
// captures the streams, supervises the run with a governor watchdog and kills
// the whole process group (and cgroup) when it fires.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sakif/cellrunner/internal/executor/initproc"
)

// ErrNoIsolation is returned by New when namespaces are disabled and the
// configuration does not opt in to running without them.
var ErrNoIsolation = errors.New("process: namespaces are disabled; set insecure to run cells without filesystem and network isolation")

// Isolator runs cells as sandboxed child processes.
type Isolator struct {
	cfg         Config
	interpreter string
	helper      string
	maskPaths   []string
	logger      *slog.Logger
}

// New validates the configuration and resolves the interpreter and helper.
// It refuses a configuration that would leave cells unisolated unless
// cfg.Insecure is set.
func New(cfg Config, logger *slog.Logger) (*Isolator, error) {
	if !cfg.EnableNamespaces && !cfg.Insecure {
		return nil, ErrNoIsolation
	}
	if cfg.EnableSeccomp && !initproc.SeccompSupported() {
		return nil, fmt.Errorf("process: seccomp is enabled but this build has no libseccomp support (rebuild with cgo or disable sandbox.process.seccomp)")
	}

	interp, err := exec.LookPath(cfg.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("process: interpreter %q not found: %w", cfg.Interpreter, err)
	}
	if interp, err = filepath.Abs(interp); err != nil {
		return nil, fmt.Errorf("process: resolving interpreter: %w", err)
	}

	helper := cfg.HelperPath
	if helper == "" {
		if helper, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("process: locating helper binary: %w", err)
		}
	}

	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("process: cgroup root is required when cgroups are enabled")
	}
	if cfg.ScratchRoot == "" {
		return nil, fmt.Errorf("process: scratch root is required")
	}
	if err := os.MkdirAll(cfg.ScratchRoot, 0o711); err != nil {
		return nil, fmt.Errorf("process: creating scratch root: %w", err)
	}

	keep := []string{interp, helper}
	if real, err := filepath.EvalSymlinks(interp); err == nil {
		keep = append(keep, real)
	}
	mask := keepVisible(cfg.MaskPaths, keep)
	for _, m := range cfg.MaskPaths {
		if !contains(mask, m) {
			logger.Warn("not masking path that holds the interpreter", slog.String("path", m))
		}
	}

	if !cfg.EnableNamespaces {
		logger.Warn("process backend running without namespaces, cells can read host files and reach the network")
	}

	return &Isolator{
		cfg:         cfg,
		interpreter: interp,
		helper:      helper,
		maskPaths:   mask,
		logger:      logger,
	}, nil
}

// Name implements executor.Isolator.
func (i *Isolator) Name() string { return "process" }

// keepVisible drops every mask path that would hide one of paths.
func keepVisible(mask, paths []string) []string {
	var out []string
	for _, m := range mask {
		m = filepath.Clean(m)
		hides := false
		for _, p := range paths {
			if isWithin(p, m) {
				hides = true
				break
			}
		}
		if !hides {
			out = append(out, m)
		}
	}
	return out
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func contains(list []string, s string) bool {
	s = filepath.Clean(s)
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
