package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/executor"
)

func TestNewPool_RejectsBadSizes(t *testing.T) {
	_, err := executor.NewPool(0, 1)
	assert.Error(t, err)
	_, err = executor.NewPool(1, -1)
	assert.Error(t, err)
}

func TestPool_RejectsBeyondQueue(t *testing.T) {
	p, err := executor.NewPool(1, 1)
	require.NoError(t, err)

	release, err := p.Acquire(context.Background())
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		r, err := p.Acquire(context.Background())
		if err == nil {
			r()
		}
		queued <- err
	}()

	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrCapacity))

	release()
	require.NoError(t, <-queued)
	assert.Equal(t, int64(0), p.Stats().Running)
}

func TestPool_QueuedCallerCanGiveUp(t *testing.T) {
	p, err := executor.NewPool(1, 4)
	require.NoError(t, err)

	release, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), p.Stats().Queued)
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p, err := executor.NewPool(1, 0)
	require.NoError(t, err)

	release, err := p.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Running)

	r2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	r2()
}
