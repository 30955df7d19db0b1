package hooks

import (
	"fmt"

	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/docker"
	"github.com/rs/zerolog"
)

var _ Tracker = (*docker.ContainerController)(nil)

// FromConfig builds the controller selected by services.controller.
func FromConfig(cfg config.ServicesConfig, logger zerolog.Logger) (ServiceController, error) {
	switch cfg.Controller {
	case "", "none":
		return Noop{}, nil
	case "command":
		return NewCommandController(cfg.StopCommand, cfg.StartCommand, cfg.Timeout, logger)
	case "docker":
		cli, err := docker.New()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return docker.NewContainerController(cli, cfg.DockerLabel, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown service controller %q", cfg.Controller)
	}
}
