package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

const stateRunning = "running"

// API is the subset of the Docker client used here.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
}

// New creates a Docker client from the environment.
func New() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// ContainerController stops and starts every container carrying a label.
// StopTracked reports the ids it stopped so that StartTracked, possibly in
// another process, resumes only those. Start without ids resumes every
// labelled container that is not running.
type ContainerController struct {
	api     API
	label   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewContainerController returns a controller for containers matching label ("key=value" or "key").
func NewContainerController(api API, label string, timeout time.Duration, logger zerolog.Logger) *ContainerController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ContainerController{api: api, label: label, timeout: timeout, log: logger}
}

func (c *ContainerController) Name() string { return "docker" }

// Stop stops the running labelled containers.
func (c *ContainerController) Stop(ctx context.Context) error {
	_, err := c.StopTracked(ctx)
	return err
}

// StopTracked stops the running labelled containers and returns the ids of
// those it stopped, including on partial failure.
func (c *ContainerController) StopTracked(ctx context.Context) ([]string, error) {
	stopped := []string{}
	containers, err := c.list(ctx, false)
	if err != nil {
		return stopped, err
	}
	secs := int(c.timeout.Seconds())
	var errs []error
	for _, ctr := range containers {
		if err := c.api.ContainerStop(ctx, ctr.ID, container.StopOptions{Timeout: &secs}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name(ctr), err))
			continue
		}
		stopped = append(stopped, ctr.ID)
		c.log.Info().Str("container", name(ctr)).Msg("Stopped dependent container")
	}
	return stopped, errors.Join(errs...)
}

// StartTracked starts the containers in ids.
func (c *ContainerController) StartTracked(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", id, err))
			continue
		}
		c.log.Info().Str("container", id).Msg("Started dependent container")
	}
	return errors.Join(errs...)
}

// Start starts the labelled containers that are not running.
func (c *ContainerController) Start(ctx context.Context) error {
	containers, err := c.list(ctx, true)
	if err != nil {
		return err
	}
	var errs []error
	for _, ctr := range containers {
		if ctr.State == stateRunning {
			continue
		}
		if err := c.api.ContainerStart(ctx, ctr.ID, container.StartOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", name(ctr), err))
			continue
		}
		c.log.Info().Str("container", name(ctr)).Msg("Started dependent container")
	}
	return errors.Join(errs...)
}

func (c *ContainerController) list(ctx context.Context, all bool) ([]container.Summary, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", c.label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers with label %s: %w", c.label, err)
	}
	return containers, nil
}

func name(ctr container.Summary) string {
	if len(ctr.Names) > 0 {
		return ctr.Names[0]
	}
	return ctr.ID
}
