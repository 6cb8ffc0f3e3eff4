package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// SandboxRoot is where the scratch volume is mounted in every container.
const SandboxRoot = "/scratch"

// nobody is the uid/gid the interpreter runs as inside containers.
const nobody = 65534

// Pool keeps a number of pre-warmed, single-use containers ready.
//
// CONTAINER LIFECYCLE:
//  1. manager creates and starts a hardened container and parks its ID in
//     the buffered channel, up to PoolSize.
//  2. Get hands one ID to a run; the channel slot frees and manager
//     creates a replacement in the background.
//  3. The run removes its container, with its scratch volume, when done.
//     Containers are never reused, so nothing one cell wrote is visible to
//     the next.
//
// When the daemon keeps failing, manager backs off and Get callers wait
// until their own deadline expires.
type Pool struct {
	cli        client.APIClient
	config     Config
	logger     *slog.Logger
	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startDone  sync.Once
	stopDone   sync.Once
}

// NewPool initializes a new container pool wrapper.
func NewPool(cli client.APIClient, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cli:        cli,
		config:     cfg,
		logger:     logger,
		containers: make(chan string, cfg.PoolSize),
		done:       make(chan struct{}),
	}
}

// Start begins filling the pool with fresh containers in the background.
func (p *Pool) Start() {
	p.startDone.Do(func() {
		p.logger.Info("starting docker container pool manager", slog.Int("poolSize", p.config.PoolSize))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes all pre-warmed containers.
func (p *Pool) Stop() {
	p.stopDone.Do(func() {
		p.logger.Info("shutting down docker container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.removeContainer(id)
			default:
				return
			}
		}
	})
}

// Ready reports how many containers are waiting.
func (p *Pool) Ready() int { return len(p.containers) }

// Get returns a ready-to-use container ID. It blocks until one is available
// or the context is canceled. The caller owns the container and must remove
// it.
func (p *Pool) Get(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("container pool is stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// manager continuously ensures the pool is at capacity.
func (p *Pool) manager() {
	defer p.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-p.done:
			return
		default:
		}

		if len(p.containers) >= cap(p.containers) {
			select {
			case <-p.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		id, err := p.createContainer()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		select {
		case p.containers <- id:
		case <-p.done:
			p.removeContainer(id)
			return
		}
	}
}

// createContainer starts a locked-down container running `sleep infinity`
// with an empty scratch volume writable by nobody.
func (p *Pool) createContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pids := p.config.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     p.config.MemoryLimit,
			MemorySwap: p.config.MemoryLimit,
			NanoCPUs:   int64(p.config.CPULimit * 1e9),
			PidsLimit:  &pids,
		},
		AutoRemove:     false,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "FOWNER", "DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:           p.config.Image,
		Cmd:             []string{"sleep", "infinity"},
		User:            "root",
		WorkingDir:      "/",
		Volumes:         map[string]struct{}{SandboxRoot: {}},
		NetworkDisabled: true,
		Labels:          map[string]string{"app": "cellrunner"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(resp.ID)
		return "", fmt.Errorf("ContainerStart failed: %w", err)
	}

	// The volume starts out root-owned; hand it to nobody before the
	// container is offered for use.
	if err := p.prepareScratch(ctx, resp.ID); err != nil {
		p.removeContainer(resp.ID)
		return "", err
	}
	return resp.ID, nil
}

func (p *Pool) prepareScratch(ctx context.Context, id string) error {
	owner := fmt.Sprintf("%d:%d", nobody, nobody)
	cmd := []string{"sh", "-c", "chown " + owner + " " + SandboxRoot + " && chmod 0755 " + SandboxRoot}
	execResp, err := p.cli.ContainerExecCreate(ctx, id, container.ExecOptions{Cmd: cmd, User: "root"})
	if err != nil {
		return fmt.Errorf("preparing scratch volume: %w", err)
	}
	if err := p.cli.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("preparing scratch volume: %w", err)
	}
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return fmt.Errorf("preparing scratch volume: %w", err)
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("preparing scratch volume: exit code %d", inspect.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("preparing scratch volume: %w", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// removeContainer force removes a container and its scratch volume.
func (p *Pool) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		p.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
