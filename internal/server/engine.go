package server

import (
	"fmt"
	"log/slog"

	"github.com/sakif/cellrunner/internal/config"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/docker"
	"github.com/sakif/cellrunner/internal/executor/process"
)

// OpenEngine starts the configured isolation backend and wraps it in an
// Engine. The returned close func releases the backend and is never nil.
func OpenEngine(cfg *config.Config, logger *slog.Logger, observers ...executor.Observer) (*executor.Engine, func(), error) {
	noop := func() {}

	var (
		iso     executor.Isolator
		release = noop
	)
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		dcfg, err := cfg.Docker()
		if err != nil {
			return nil, noop, err
		}
		d, err := docker.New(dcfg, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("starting docker backend: %w", err)
		}
		iso = d
		release = func() {
			if err := d.Close(); err != nil {
				logger.Warn("closing docker backend", slog.String("error", err.Error()))
			}
		}
	case config.BackendProcess:
		p, err := process.New(cfg.Process(), logger)
		if err != nil {
			return nil, noop, fmt.Errorf("starting process backend: %w", err)
		}
		iso = p
	default:
		return nil, noop, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}

	ecfg, err := cfg.Engine()
	if err != nil {
		release()
		return nil, noop, err
	}
	engine, err := executor.NewEngine(iso, ecfg, logger, observers...)
	if err != nil {
		release()
		return nil, noop, err
	}
	return engine, release, nil
}
