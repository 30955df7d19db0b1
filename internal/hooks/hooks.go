// Package hooks stops and resumes the processes that write to the live
// database while it is being replaced.
package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceController pauses and resumes services that depend on the database.
type ServiceController interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	Name() string
}

// Tracker is implemented by controllers that can report what Stop stopped
// and later resume exactly that, even from another process.
type Tracker interface {
	// StopTracked stops the services and returns the ids it stopped. The
	// slice is never nil and lists what was stopped even when err is set.
	StopTracked(ctx context.Context) ([]string, error)
	StartTracked(ctx context.Context, ids []string) error
}

// Suspend stops svc. It returns the stopped ids for a Tracker and nil otherwise.
func Suspend(ctx context.Context, svc ServiceController) ([]string, error) {
	t, ok := svc.(Tracker)
	if !ok {
		return nil, svc.Stop(ctx)
	}
	ids, err := t.StopTracked(ctx)
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// Resume restarts what Suspend stopped. With stopped nil it falls back to a
// plain Start.
func Resume(ctx context.Context, svc ServiceController, stopped []string) error {
	if t, ok := svc.(Tracker); ok && stopped != nil {
		return t.StartTracked(ctx, stopped)
	}
	return svc.Start(ctx)
}

// Noop is used when nothing needs to be paused.
type Noop struct{}

func (Noop) Stop(context.Context) error  { return nil }
func (Noop) Start(context.Context) error { return nil }
func (Noop) Name() string                { return "none" }

// CommandController runs operator-provided commands.
type CommandController struct {
	stop    []string
	start   []string
	timeout time.Duration
	log     zerolog.Logger
}

// NewCommandController returns a controller that runs stop and start as argv vectors.
func NewCommandController(stop, start []string, timeout time.Duration, logger zerolog.Logger) (*CommandController, error) {
	if len(stop) == 0 || len(start) == 0 {
		return nil, fmt.Errorf("stop and start commands are required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandController{stop: stop, start: start, timeout: timeout, log: logger}, nil
}

func (c *CommandController) Stop(ctx context.Context) error  { return c.run(ctx, "stop", c.stop) }
func (c *CommandController) Start(ctx context.Context) error { return c.run(ctx, "start", c.start) }
func (c *CommandController) Name() string                    { return "command" }

func (c *CommandController) run(ctx context.Context, action string, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		c.log.Error().Err(err).Str("action", action).Str("output", output).Msg("Service hook failed")
		return fmt.Errorf("%s services: %w", action, err)
	}
	c.log.Info().Str("action", action).Str("output", output).Msg("Service hook finished")
	return nil
}
