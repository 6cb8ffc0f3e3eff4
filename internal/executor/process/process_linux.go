//go:build linux

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/capture"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
	"github.com/sakif/cellrunner/internal/executor/initproc"
)

const (
	// maxSideChannelBytes bounds the report and status pipes.
	maxSideChannelBytes = 256 * 1024
	// waitDelay bounds how long Wait keeps copying output after the
	// interpreter exited, in case something still holds the pipes.
	waitDelay = 500 * time.Millisecond
)

// Run implements executor.Isolator.
func (i *Isolator) Run(ctx context.Context, job executor.Job) (*executor.Run, error) {
	scratch, err := executor.NewScratch(i.cfg.ScratchRoot, job.ID)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = scratch.Remove()
		}
	}()

	layout := harness.NewLayout(scratch.Dir, scratch.Dir)
	if err := harness.Install(layout, job.Code); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	if i.cfg.UID >= 0 {
		if err := os.Chown(scratch.Dir, i.cfg.UID, i.cfg.GID); err != nil {
			return nil, fmt.Errorf("process: handing scratch dir to sandbox user: %w", err)
		}
	}

	var cg *cgroup
	if i.cfg.EnableCgroup {
		cg, err = newCgroup(i.cfg.CgroupRoot, job.ID, job.Limits)
		if err != nil {
			return nil, fmt.Errorf("process: %w", err)
		}
		defer func() {
			if err := cg.remove(); err != nil {
				i.logger.Warn("failed to remove cgroup", slog.String("cgroup", cg.path), slog.String("error", err.Error()))
			}
		}()
	}

	var stdin bytes.Buffer
	if err := initproc.Encode(&stdin, i.initRequest(layout, job)); err != nil {
		return nil, fmt.Errorf("process: encoding helper request: %w", err)
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: report pipe: %w", err)
	}
	defer reportR.Close()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		reportW.Close()
		return nil, fmt.Errorf("process: status pipe: %w", err)
	}
	defer statusR.Close()

	out := capture.NewPair(job.Limits.MaxOutputBytes, job.Tap)

	// No CommandContext: the watchdog owns termination so it can record why.
	cmd := exec.Command(i.helper)
	cmd.Env = []string{initproc.EnvMarker + "=1"}
	cmd.Stdin = &stdin
	cmd.Stdout = out.Stdout
	cmd.Stderr = out.Stderr
	cmd.ExtraFiles = []*os.File{reportW, statusW} // fd 3, fd 4
	cmd.SysProcAttr = i.sysProcAttr(job.Limits)
	cmd.WaitDelay = waitDelay
	if cg != nil {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = cg.fd
	}

	startErr := cmd.Start()
	reportW.Close()
	statusW.Close()
	if startErr != nil {
		return nil, fmt.Errorf("process: starting sandbox helper: %w", startErr)
	}
	pid := cmd.Process.Pid

	var wg sync.WaitGroup
	var report, status []byte
	wg.Add(2)
	go func() { defer wg.Done(); report = readBounded(reportR) }()
	go func() { defer wg.Done(); status = readBounded(statusR) }()

	kill := func() {
		if cg != nil {
			cg.kill()
		}
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	var sampler governor.Sampler
	if cg == nil {
		sampler = rssSampler(pid, job.Limits.MemoryBytes)
	}
	w := governor.Watch(ctx, job.Limits.Timeout, kill, sampler)

	waitErr := cmd.Wait()
	verdict := w.Stop()
	// Reap anything the interpreter left behind in its process group.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if cg != nil {
		cg.kill()
	}
	wg.Wait()

	run := &executor.Run{
		Output:  out.Finalize(),
		Verdict: verdict,
		Scratch: scratch,
	}
	if cmd.ProcessState == nil {
		return nil, fmt.Errorf("process: waiting for sandbox helper: %w", waitErr)
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			i.logger.Warn("sandbox wait returned an error", slog.String("error", waitErr.Error()))
		}
	}

	if ws, isWS := cmd.ProcessState.Sys().(syscall.WaitStatus); isWS && ws.Signaled() {
		run.ExitCode = -1
		run.Signal = executor.SignalName(int(ws.Signal()))
	} else {
		run.ExitCode = cmd.ProcessState.ExitCode()
	}

	if len(status) > 0 {
		run.SetupFailed = true
		run.SetupDetail = strings.TrimSpace(string(status))
	}
	if cg != nil {
		run.OOMKilled = cg.oomKilled()
	}
	if r, err := harness.ParseReport(report); err != nil {
		i.logger.Warn("discarding malformed failure report", slog.String("error", err.Error()))
	} else {
		run.Report = r
	}

	ok = true
	return run, nil
}

func (i *Isolator) initRequest(layout harness.Layout, job executor.Job) initproc.Request {
	l := job.Limits
	req := initproc.Request{
		Argv: layout.Argv(i.interpreter),
		Env:  layout.Env(harness.EnvOptions{AllowedModules: job.AllowedModules, ExecutionID: job.ID}),
		Dir:  layout.SandboxRoot,
		Limits: initproc.Rlimits{
			AddressSpace: uint64(l.MemoryBytes + i.cfg.AddressSpaceHeadroom),
			CPUSeconds:   uint64(l.CPUTime / time.Second),
			FileSize:     uint64(l.MaxFileBytes),
			OpenFiles:    i.cfg.OpenFiles,
		},
		Seccomp:      i.cfg.EnableSeccomp,
		AllowNetwork: l.AllowNetwork,
		Namespaces:   i.cfg.EnableNamespaces,
	}
	if i.cfg.EnableNamespaces {
		req.MaskPaths = i.maskPaths
	}
	// RLIMIT_NPROC counts every process of the real uid, so it is only
	// meaningful when the sandbox has a uid of its own.
	if i.cfg.UID >= 0 {
		req.Limits.Processes = uint64(l.MaxProcesses)
	}
	return req
}

func (i *Isolator) sysProcAttr(l governor.Limits) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if !i.cfg.EnableNamespaces {
		if i.cfg.UID >= 0 {
			attr.Credential = &syscall.Credential{
				Uid:         uint32(i.cfg.UID),
				Gid:         uint32(i.cfg.GID),
				NoSetGroups: true,
			}
		}
		return attr
	}

	flags := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS)
	if !l.AllowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = flags

	hostUID, hostGID := os.Getuid(), os.Getgid()
	if i.cfg.UID >= 0 {
		hostUID, hostGID = i.cfg.UID, i.cfg.GID
	}
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: hostUID, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: hostGID, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

func readBounded(r io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(r, maxSideChannelBytes))
	// Drain the rest so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
	return data
}

// rssSampler reports when the resident set of pid reaches limit. It is used
// when no cgroup enforces memory for the run.
func rssSampler(pid int, limit int64) governor.Sampler {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	return func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "VmRSS:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return false
			}
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			return err == nil && kb*1024 >= limit
		}
		return false
	}
}
