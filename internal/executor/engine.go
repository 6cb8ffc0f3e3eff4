package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/executor/capture"
	"github.com/sakif/cellrunner/internal/executor/governor"
	"github.com/sakif/cellrunner/internal/executor/harness"
	"github.com/sakif/cellrunner/internal/executor/visual"
)

// Config tunes the Engine.
type Config struct {
	Policy         governor.Policy
	MaxCodeBytes   int
	MaxConcurrency int
	QueueLength    int
	Extract        visual.Options
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	extract := visual.DefaultOptions()
	extract.FiguresDir = harness.FiguresDirName
	extract.SkipDirs = []string{harness.RuntimeDirName}
	return Config{
		Policy:         governor.DefaultPolicy(),
		MaxCodeBytes:   64 * humanize.KiByte,
		MaxConcurrency: 4,
		QueueLength:    16,
		Extract:        extract,
	}
}

// Engine orchestrates executions. It is safe for concurrent use.
//
// EXECUTION PIPELINE (one call to Execute):
//  1. Validate: code size, UTF-8, module names; the governor policy resolves
//     the requested limits or rejects them. Failures return ErrValidation
//     and nothing is recorded.
//  2. Admit: take a Pool slot, or fail fast with ErrCapacity when the
//     queue is full.
//  3. Run: the Isolator executes the cell under the limits. A panic in the
//     isolator becomes a boundary error.
//  4. Classify: the raw Run becomes exactly one Outcome.
//  5. Extract and purge: images are read from scratch, then scratch is
//     removed whatever the outcome.
//  6. Assemble, log, notify observers (metrics, audit).
//
// Everything after step 2 produces a Result; the only errors Execute returns
// are validation, capacity and a canceled wait for a slot.
type Engine struct {
	iso       Isolator
	cfg       Config
	pool      *Pool
	logger    *slog.Logger
	observers []Observer
}

// NewEngine wires an Isolator into an Engine.
func NewEngine(iso Isolator, cfg Config, logger *slog.Logger, observers ...Observer) (*Engine, error) {
	if iso == nil {
		return nil, fmt.Errorf("engine: isolator is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.MaxCodeBytes <= 0 {
		return nil, fmt.Errorf("engine: max code bytes must be positive")
	}
	pool, err := NewPool(cfg.MaxConcurrency, cfg.QueueLength)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	// The harness runtime directory is never an artifact source.
	cfg.Extract.SkipDirs = appendMissing(cfg.Extract.SkipDirs, harness.RuntimeDirName)

	return &Engine{
		iso:       iso,
		cfg:       cfg,
		pool:      pool,
		logger:    logger.With(slog.String("backend", iso.Name())),
		observers: observers,
	}, nil
}

// Backend names the isolation backend in use.
func (e *Engine) Backend() string { return e.iso.Name() }

// Stats reports pool occupancy.
func (e *Engine) Stats() PoolStats { return e.pool.Stats() }

// Execute runs one request. Invalid requests return an apperror.ErrValidation
// error and a full pool returns apperror.ErrCapacity; nothing is executed in
// either case. Once admitted, every failure of the executed code or of the
// sandbox is reported in the Result and the error is nil.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	return e.execute(ctx, req, nil)
}

// ExecuteStream is Execute with output chunks forwarded to tap while the
// code runs.
func (e *Engine) ExecuteStream(ctx context.Context, req Request, tap capture.Tap) (Result, error) {
	return e.execute(ctx, req, tap)
}

// Validate checks a request and resolves its limits without running it.
func (e *Engine) Validate(req Request) (governor.Limits, error) {
	if strings.TrimSpace(req.Code) == "" {
		return governor.Limits{}, apperror.ValidationFailed("code", "code must not be empty")
	}
	if len(req.Code) > e.cfg.MaxCodeBytes {
		return governor.Limits{}, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be at most %s", humanize.IBytes(uint64(e.cfg.MaxCodeBytes))))
	}
	if !utf8.ValidString(req.Code) {
		return governor.Limits{}, apperror.ValidationFailed("code", "code must be valid UTF-8")
	}
	if strings.IndexByte(req.Code, 0) >= 0 {
		return governor.Limits{}, apperror.ValidationFailed("code", "code must not contain NUL bytes")
	}
	for _, m := range req.Constraints.AllowedModules {
		if !validModuleName(m) {
			return governor.Limits{}, apperror.ValidationFailed("constraints.allowed_modules",
				fmt.Sprintf("%q is not a module name", m))
		}
	}
	return e.cfg.Policy.Resolve(req.Constraints.TimeoutMs, req.Constraints.MemoryLimitBytes)
}

func (e *Engine) execute(ctx context.Context, req Request, tap capture.Tap) (Result, error) {
	limits, err := e.Validate(req)
	if err != nil {
		return Result{}, err
	}

	release, err := e.pool.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	id := xid.New().String()
	log := e.logger.With(slog.String("executionId", id))
	started := time.Now()

	job := Job{
		ID:             id,
		Code:           req.Code,
		Limits:         limits,
		AllowedModules: req.Constraints.AllowedModules,
		Tap:            tap,
	}
	run, runErr := e.runIsolated(ctx, job)
	outcome := Classify(run, runErr, limits)

	var out capture.Output
	var artifacts []Artifact
	if run != nil {
		out = run.Output
		artifacts = e.extract(log, run.Scratch)
		if err := run.Scratch.Remove(); err != nil {
			log.Error("failed to purge scratch directory", slog.String("error", err.Error()))
		}
	}

	elapsed := time.Since(started)
	res := Assemble(id, out, outcome, artifacts, elapsed)

	attrs := []any{
		slog.String("outcome", string(outcome.Kind)),
		slog.Duration("duration", elapsed),
		slog.Int("visualizations", len(res.Visualizations)),
	}
	switch outcome.Kind {
	case KindSandboxViolation:
		log.Error("sandbox violation", append(attrs, slog.Bool("alert", true), slog.String("detail", outcome.Detail))...)
	case KindResourceExceeded:
		log.Warn("execution exceeded resource limit", append(attrs, slog.String("resource", string(outcome.Resource)))...)
	default:
		log.Info("execution finished", attrs...)
	}

	rec := Record{
		Result:    res,
		Backend:   e.iso.Name(),
		CodeBytes: len(req.Code),
		Limits:    limits,
		Detail:    outcome.Detail,
		StartedAt: started,
	}
	for _, o := range e.observers {
		o.ExecutionFinished(context.WithoutCancel(ctx), rec)
	}
	return res, nil
}

// runIsolated calls the Isolator, converting a panic into a boundary error.
func (e *Engine) runIsolated(ctx context.Context, job Job) (run *Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			run, err = nil, fmt.Errorf("isolator panic: %v", r)
		}
	}()
	return e.iso.Run(ctx, job)
}

func (e *Engine) extract(log *slog.Logger, s *Scratch) []Artifact {
	if s == nil || s.Dir == "" {
		return nil
	}
	artifacts, skipped, err := visual.Extract(s.Dir, e.cfg.Extract)
	if err != nil {
		log.Warn("failed to scan scratch directory", slog.String("error", err.Error()))
		return nil
	}
	for _, sk := range skipped {
		log.Debug("skipped artifact", slog.String("file", sk.Name), slog.String("reason", sk.Reason))
	}
	return artifacts
}

// validModuleName accepts dotted Python identifiers.
func validModuleName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}

func appendMissing(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
