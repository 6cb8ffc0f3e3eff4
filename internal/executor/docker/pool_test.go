package docker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/governor"
)

// emptyPoolIsolator has a pool whose manager never runs, as when the daemon
// keeps failing to create containers.
func emptyPoolIsolator(grace time.Duration) *Isolator {
	cfg := DefaultConfig()
	cfg.AcquireGrace = grace
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Isolator{config: cfg, logger: logger, pool: NewPool(nil, cfg, logger)}
}

func TestRun_EmptyPoolGivesUp(t *testing.T) {
	iso := emptyPoolIsolator(100 * time.Millisecond)
	limits := governor.Limits{Timeout: 300 * time.Millisecond}

	start := time.Now()
	run, err := iso.Run(context.Background(), executor.Job{ID: "empty-pool", Limits: limits})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, run)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, executor.KindSandboxViolation, executor.Classify(run, err, limits).Kind)
}

func TestRun_CanceledWhileWaitingForContainer(t *testing.T) {
	iso := emptyPoolIsolator(time.Minute)
	limits := governor.Limits{Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	run, err := iso.Run(ctx, executor.Job{ID: "canceled", Limits: limits})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Verdict.Canceled)
	assert.Equal(t, executor.KindTimeout, executor.Classify(run, nil, limits).Kind)
}

func TestPool_GetAfterStop(t *testing.T) {
	p := NewPool(nil, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Stop()

	_, err := p.Get(context.Background())
	assert.Error(t, err)
}
