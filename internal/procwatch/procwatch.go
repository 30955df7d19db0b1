// Package procwatch answers "is the process that wrote this journal still running?"
// A bare pid is not enough because pids are reused, so an identity pairs the pid
// with the process creation time reported by the operating system.
package procwatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultTolerance absorbs rounding between how different platforms report creation times.
const DefaultTolerance = time.Second

// Identity names one specific process incarnation.
type Identity struct {
	PID       int
	StartedAt int64 // creation time, unix milliseconds
}

// Checker reports whether a recorded process is still alive.
type Checker interface {
	Alive(ctx context.Context, pid int, startedAt *int64) (bool, error)
}

// ProcessChecker implements Checker with gopsutil.
type ProcessChecker struct {
	Tolerance time.Duration
}

// NewProcessChecker returns a checker with the default creation-time tolerance.
func NewProcessChecker() *ProcessChecker {
	return &ProcessChecker{Tolerance: DefaultTolerance}
}

// Alive reports true when a process with pid exists, is not a zombie and, when
// startedAt is known, was created at that time. A process that exists under a
// different creation time is a reused pid and counts as dead.
func (c *ProcessChecker) Alive(ctx context.Context, pid int, startedAt *int64) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Exited between the two calls.
		return false, nil
	}

	if status, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false, nil
			}
		}
	}

	if startedAt == nil {
		return true, nil
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("read create time of pid %d: %w", pid, err)
	}
	diff := time.Duration(created-*startedAt) * time.Millisecond
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.tolerance(), nil
}

func (c *ProcessChecker) tolerance() time.Duration {
	if c.Tolerance <= 0 {
		return DefaultTolerance
	}
	return c.Tolerance
}

// Identify returns the identity of a running process.
func Identify(ctx context.Context, pid int) (Identity, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("find pid %d: %w", pid, err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("read create time of pid %d: %w", pid, err)
	}
	return Identity{PID: pid, StartedAt: created}, nil
}

// Self returns the identity of the calling process.
func Self(ctx context.Context) (Identity, error) {
	return Identify(ctx, os.Getpid())
}
