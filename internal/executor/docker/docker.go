// Package docker is the container isolation backend. Every execution gets a
// pre-warmed, single-use container with no network, a read-only root
// filesystem and an empty scratch volume; the container is removed afterwards.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/capture"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
)

// Isolator implements executor.Isolator using Docker.
type Isolator struct {
	cli    client.APIClient
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New connects to the Docker daemon, makes sure the image is present and
// starts warming the container pool.
func New(cfg Config, logger *slog.Logger) (*Isolator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	if _, err := cli.ImageInspect(ctx, cfg.Image); err != nil {
		if !cfg.PullImage {
			cli.Close()
			return nil, fmt.Errorf("image %s not present and pulling is disabled: %w", cfg.Image, err)
		}
		logger.Info("pulling docker image", slog.String("image", cfg.Image))
		reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
		// Read everything to block until the pull is complete
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}
	logger.Info("docker image is ready", slog.String("image", cfg.Image))

	if err := os.MkdirAll(cfg.ScratchRoot, 0o711); err != nil {
		cli.Close()
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}

	iso := &Isolator{
		cli:    cli,
		config: cfg,
		logger: logger,
	}
	iso.pool = NewPool(cli, cfg, logger)
	iso.pool.Start()
	return iso, nil
}

// Name implements executor.Isolator.
func (e *Isolator) Name() string { return "docker" }

// Close shuts down the pool and the docker client.
func (e *Isolator) Close() error {
	e.pool.Stop()
	return e.cli.Close()
}

// Run implements executor.Isolator.
func (e *Isolator) Run(ctx context.Context, job executor.Job) (*executor.Run, error) {
	// The watchdog only starts once the exec is attached, so waiting for a
	// warm container needs its own deadline.
	wait := job.Limits.Timeout + e.config.AcquireGrace
	acquireCtx, acquireCancel := context.WithTimeout(ctx, wait)
	containerID, err := e.pool.Get(acquireCtx)
	acquireCancel()
	if err != nil {
		if ctx.Err() != nil {
			return &executor.Run{ExitCode: -1, Verdict: governor.Verdict{Canceled: true}}, nil
		}
		return nil, fmt.Errorf("no sandbox container became available within %s: %w", wait, err)
	}
	log := e.logger.With(slog.String("container", shortID(containerID)))

	// Single use: the container goes away whatever happens below.
	defer e.pool.removeContainer(containerID)

	// Operations on the container itself must survive caller cancellation.
	opCtx, opCancel := context.WithTimeout(context.WithoutCancel(ctx), job.Limits.Timeout+30*time.Second)
	defer opCancel()

	mem := job.Limits.MemoryBytes
	if _, err := e.cli.ContainerUpdate(opCtx, containerID, container.UpdateConfig{
		Resources: container.Resources{Memory: mem, MemorySwap: mem},
	}); err != nil {
		return nil, fmt.Errorf("failed to apply memory limit: %w", err)
	}

	archive, err := runtimeArchive(job.Code)
	if err != nil {
		return nil, err
	}
	if err := e.cli.CopyToContainer(opCtx, containerID, SandboxRoot, archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("failed to copy code into container: %w", err)
	}

	layout := harness.NewLayout("", SandboxRoot)
	execResp, err := e.cli.ContainerExecCreate(opCtx, containerID, container.ExecOptions{
		User:         "nobody",
		WorkingDir:   SandboxRoot,
		Env:          layout.Env(harness.EnvOptions{AllowedModules: job.AllowedModules, ReportToFile: true, ExecutionID: job.ID}),
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          layout.Argv(e.config.Interpreter),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(opCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	out := capture.NewPair(job.Limits.MaxOutputBytes, job.Tap)
	done := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(out.Stdout, out.Stderr, attachResp.Reader)
		close(done)
	}()

	kill := func() {
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			log.Warn("failed to kill container", slog.String("error", err.Error()))
		}
		attachResp.Close()
	}
	w := governor.Watch(ctx, job.Limits.Timeout, kill, nil)
	<-done
	verdict := w.Stop()

	run := &executor.Run{Verdict: verdict}
	run.Output = out.Finalize()

	inspect, err := e.cli.ContainerExecInspect(opCtx, execResp.ID)
	switch {
	case err != nil:
		run.ExitCode = -1
		run.Signal = "SIGKILL"
	case inspect.Running:
		// The stream ended without the process exiting: only a kill does that.
		run.ExitCode = -1
		run.Signal = "SIGKILL"
	default:
		run.ExitCode = inspect.ExitCode
		if sig, ok := executor.SignalFromExitCode(inspect.ExitCode); ok {
			run.ExitCode = -1
			run.Signal = sig
		}
	}

	switch run.ExitCode {
	case 126, 127:
		run.SetupFailed = true
		run.SetupDetail = fmt.Sprintf("interpreter %q not runnable in image %s (exit %d)", e.config.Interpreter, e.config.Image, run.ExitCode)
	}

	// A SIGKILL the cell sent itself is a crash; only the daemon's OOM
	// record marks a memory kill.
	if info, err := e.cli.ContainerInspect(opCtx, containerID); err == nil && info.State != nil && info.State.OOMKilled {
		run.OOMKilled = true
	}

	scratch, err := executor.NewScratch(e.config.ScratchRoot, job.ID)
	if err != nil {
		return nil, fmt.Errorf("creating host scratch dir: %w", err)
	}
	if err := e.copyOut(opCtx, containerID, scratch.Dir); err != nil {
		log.Warn("failed to copy scratch area out of container", slog.String("error", err.Error()))
	}
	run.Scratch = scratch

	data, err := os.ReadFile(harness.NewLayout(scratch.Dir, SandboxRoot).HostReportPath())
	if err == nil {
		if r, err := harness.ParseReport(data); err != nil {
			log.Warn("discarding malformed failure report", slog.String("error", err.Error()))
		} else {
			run.Report = r
		}
	}
	return run, nil
}

func (e *Isolator) copyOut(ctx context.Context, containerID, dest string) error {
	rc, _, err := e.cli.CopyFromContainer(ctx, containerID, SandboxRoot)
	if err != nil {
		return err
	}
	defer rc.Close()
	err = extractArchive(rc, dest, path.Base(SandboxRoot), e.config.MaxCopyBytes)
	if errors.Is(err, errCopyLimit) {
		e.logger.Warn("scratch area larger than copy limit, keeping partial copy")
		return nil
	}
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
