package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/sakif/cellrunner/internal/apperror"
)

// Pool admits executions: at most MaxConcurrency run at once, at most
// QueueLength wait for a slot, everything beyond is rejected immediately.
//
// ADMISSION:
//
//	running < MaxConcurrency             → run now
//	running full, waiting < QueueLength  → wait for a slot (or ctx)
//	both full                            → ErrCapacity, HTTP 429
//
// The waiting counter is reserved before blocking on the semaphore, so a
// burst can never queue more than QueueLength callers.
type Pool struct {
	sem      *semaphore.Weighted
	slots    int64
	queueLen int64
	running  atomic.Int64
	waiting  atomic.Int64
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Running        int64 `json:"running"`
	Queued         int64 `json:"queued"`
	MaxConcurrency int64 `json:"maxConcurrency"`
	QueueLength    int64 `json:"queueLength"`
}

// NewPool creates a pool. maxConcurrency must be positive; queueLength may be
// zero (reject as soon as every slot is busy).
func NewPool(maxConcurrency, queueLength int) (*Pool, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("pool: max concurrency must be positive, got %d", maxConcurrency)
	}
	if queueLength < 0 {
		return nil, fmt.Errorf("pool: queue length must not be negative, got %d", queueLength)
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		slots:    int64(maxConcurrency),
		queueLen: int64(queueLength),
	}, nil
}

// Acquire takes a slot, waiting in the queue if one is free. It returns an
// apperror.ErrCapacity error when the queue is full, or ctx.Err() when the
// caller gives up while queued. release must be called exactly once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if !p.sem.TryAcquire(1) {
		if p.waiting.Add(1) > p.queueLen {
			p.waiting.Add(-1)
			return nil, apperror.CapacityExceeded(int(p.running.Load()), int(p.queueLen))
		}
		err := p.sem.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return nil, err
		}
	}
	p.running.Add(1)

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.running.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

// Stats returns the current occupancy.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Running:        p.running.Load(),
		Queued:         p.waiting.Load(),
		MaxConcurrency: p.slots,
		QueueLength:    p.queueLen,
	}
}
