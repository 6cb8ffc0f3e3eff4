// Package governor bounds the resources of a sandboxed execution.
//
// It has two halves:
//
//   - Policy/Limits: turns the caller's optional constraints into concrete,
//     always-finite limits. Omitted values fall back to defaults; values above
//     the server-side maxima are rejected rather than silently clamped.
//   - Watch: a supervising goroutine that runs next to the sandboxed process
//     and kills it on deadline, on caller cancellation, or when a memory sampler
//     reports the ceiling was crossed.
package governor

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sakif/cellrunner/internal/apperror"
)

// Limits are the resolved bounds for one execution. Every field is finite.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	CPUTime        time.Duration
	MaxOutputBytes int
	MaxFileBytes   int64
	MaxProcesses   int64
	AllowNetwork   bool
}

// Policy holds the server-wide defaults and hard maxima.
type Policy struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MinTimeout     time.Duration

	DefaultMemoryBytes int64
	MaxMemoryBytes     int64
	MinMemoryBytes     int64

	MaxOutputBytes int
	MaxFileBytes   int64
	MaxProcesses   int64
	AllowNetwork   bool
}

// DefaultPolicy returns conservative limits for a Python sandbox.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     30 * time.Second,
		MinTimeout:     50 * time.Millisecond,

		DefaultMemoryBytes: 256 * humanize.MiByte,
		MaxMemoryBytes:     1 * humanize.GiByte,
		MinMemoryBytes:     32 * humanize.MiByte,

		MaxOutputBytes: 1 * humanize.MiByte,
		MaxFileBytes:   16 * humanize.MiByte,
		MaxProcesses:   64,
		AllowNetwork:   false,
	}
}

// Validate checks that the policy itself can never produce an unbounded run.
func (p Policy) Validate() error {
	if p.DefaultTimeout <= 0 || p.MaxTimeout <= 0 {
		return fmt.Errorf("governor: timeouts must be positive")
	}
	if p.DefaultTimeout > p.MaxTimeout {
		return fmt.Errorf("governor: default timeout %s exceeds max %s", p.DefaultTimeout, p.MaxTimeout)
	}
	if p.DefaultMemoryBytes <= 0 || p.MaxMemoryBytes <= 0 {
		return fmt.Errorf("governor: memory limits must be positive")
	}
	if p.DefaultMemoryBytes > p.MaxMemoryBytes {
		return fmt.Errorf("governor: default memory %s exceeds max %s",
			humanize.IBytes(uint64(p.DefaultMemoryBytes)), humanize.IBytes(uint64(p.MaxMemoryBytes)))
	}
	if p.MaxOutputBytes <= 0 {
		return fmt.Errorf("governor: output cap must be positive")
	}
	if p.MaxProcesses <= 0 {
		return fmt.Errorf("governor: process cap must be positive")
	}
	return nil
}

// Resolve turns requested constraints into Limits. Zero means "use the
// default"; negative values and values outside [min, max] are validation
// errors.
func (p Policy) Resolve(timeoutMs, memoryBytes int64) (Limits, error) {
	timeout := p.DefaultTimeout
	switch {
	case timeoutMs < 0:
		return Limits{}, apperror.ValidationFailed("constraints.timeout_ms", "timeout_ms must not be negative")
	case timeoutMs > 0:
		timeout = time.Duration(timeoutMs) * time.Millisecond
		if timeout > p.MaxTimeout {
			return Limits{}, apperror.ValidationFailed("constraints.timeout_ms",
				fmt.Sprintf("timeout_ms must be at most %d", p.MaxTimeout.Milliseconds()))
		}
		if timeout < p.MinTimeout {
			return Limits{}, apperror.ValidationFailed("constraints.timeout_ms",
				fmt.Sprintf("timeout_ms must be at least %d", p.MinTimeout.Milliseconds()))
		}
	}

	memory := p.DefaultMemoryBytes
	switch {
	case memoryBytes < 0:
		return Limits{}, apperror.ValidationFailed("constraints.memory_limit_bytes", "memory_limit_bytes must not be negative")
	case memoryBytes > 0:
		if memoryBytes > p.MaxMemoryBytes {
			return Limits{}, apperror.ValidationFailed("constraints.memory_limit_bytes",
				fmt.Sprintf("memory_limit_bytes must be at most %d (%s)", p.MaxMemoryBytes, humanize.IBytes(uint64(p.MaxMemoryBytes))))
		}
		if memoryBytes < p.MinMemoryBytes {
			return Limits{}, apperror.ValidationFailed("constraints.memory_limit_bytes",
				fmt.Sprintf("memory_limit_bytes must be at least %d (%s)", p.MinMemoryBytes, humanize.IBytes(uint64(p.MinMemoryBytes))))
		}
		memory = memoryBytes
	}

	return Limits{
		Timeout:        timeout,
		MemoryBytes:    memory,
		CPUTime:        cpuBudget(timeout),
		MaxOutputBytes: p.MaxOutputBytes,
		MaxFileBytes:   p.MaxFileBytes,
		MaxProcesses:   p.MaxProcesses,
		AllowNetwork:   p.AllowNetwork,
	}, nil
}

// cpuBudget is the RLIMIT_CPU backstop: the wall-clock watchdog normally
// fires first, the kernel limit catches a watchdog that could not.
func cpuBudget(timeout time.Duration) time.Duration {
	secs := (timeout + time.Second - 1) / time.Second
	return (secs + 1) * time.Second
}
