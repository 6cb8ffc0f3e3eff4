package governor

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often a memory sampler is called.
const DefaultPollInterval = 50 * time.Millisecond

// Sampler reports whether the supervised execution is over its memory ceiling.
type Sampler func() bool

// Verdict records why, if at all, the watchdog terminated an execution.
type Verdict struct {
	TimedOut       bool
	Canceled       bool
	MemoryExceeded bool
	Elapsed        time.Duration
}

// Killed reports whether the watchdog fired the kill function.
func (v Verdict) Killed() bool {
	return v.TimedOut || v.Canceled || v.MemoryExceeded
}

// Watchdog supervises one running execution.
type Watchdog struct {
	start   time.Time
	done    chan struct{}
	result  chan Verdict
	stopped sync.Once
	verdict Verdict
}

// Watch starts supervising. kill must terminate the whole execution (process
// group, container exec, cgroup) and may be called at most once. sampler may be
// nil.
//
// The caller must call Stop once the process has exited.
func Watch(ctx context.Context, timeout time.Duration, kill func(), sampler Sampler) *Watchdog {
	w := &Watchdog{
		start:  time.Now(),
		done:   make(chan struct{}),
		result: make(chan Verdict, 1),
	}
	go w.run(ctx, timeout, kill, sampler)
	return w
}

func (w *Watchdog) run(ctx context.Context, timeout time.Duration, kill func(), sampler Sampler) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var tick <-chan time.Time
	if sampler != nil {
		ticker := time.NewTicker(DefaultPollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var v Verdict
	fire := func() {
		kill()
		<-w.done
	}

loop:
	for {
		select {
		case <-w.done:
			break loop
		case <-timer.C:
			v.TimedOut = true
			fire()
			break loop
		case <-ctx.Done():
			v.Canceled = true
			fire()
			break loop
		case <-tick:
			if sampler() {
				v.MemoryExceeded = true
				fire()
				break loop
			}
		}
	}
	v.Elapsed = time.Since(w.start)
	w.result <- v
}

// Stop ends supervision and returns the verdict. It is safe to call more than
// once.
func (w *Watchdog) Stop() Verdict {
	w.stopped.Do(func() {
		close(w.done)
		w.verdict = <-w.result
	})
	return w.verdict
}
