package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Backup   BackupConfig   `koanf:"backup"`
	Journal  JournalConfig  `koanf:"journal"`
	Restore  RestoreConfig  `koanf:"restore"`
	Services ServicesConfig `koanf:"services"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Settings SettingsConfig `koanf:"settings"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Host            string        `koanf:"host"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`
}

// DatabaseConfig points at the live SQLite database.
type DatabaseConfig struct {
	Path           string        `koanf:"path"`
	BusyTimeout    time.Duration `koanf:"busy_timeout"`
	RequiredTables []string      `koanf:"required_tables"`
}

// BackupConfig configures the snapshot store.
type BackupConfig struct {
	Dir string `koanf:"dir"`
}

// JournalConfig locates the restore status journal and its archive.
type JournalConfig struct {
	Path       string `koanf:"path"`
	ArchiveDir string `koanf:"archive_dir"`
}

// RestoreConfig tunes the restore worker and the startup reconciliation.
type RestoreConfig struct {
	ScratchDir       string        `koanf:"scratch_dir"`
	LogFile          string        `koanf:"log_file"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	WaitTimeout      time.Duration `koanf:"wait_timeout"`
	WaitPollInterval time.Duration `koanf:"wait_poll_interval"`
	WatchInterval    time.Duration `koanf:"watch_interval"`
	ExitOnFinish     bool          `koanf:"exit_on_finish"`
}

// ServicesConfig selects how dependent services are stopped and resumed around a restore.
type ServicesConfig struct {
	Controller   string        `koanf:"controller"` // none, command, docker
	StopCommand  []string      `koanf:"stop_command"`
	StartCommand []string      `koanf:"start_command"`
	DockerLabel  string        `koanf:"docker_label"`
	Timeout      time.Duration `koanf:"timeout"`
}

// ScheduleConfig holds the cron expressions for automatic backups.
type ScheduleConfig struct {
	Enabled     bool   `koanf:"enabled"`
	DailyCron   string `koanf:"daily_cron"`
	MonthlyCron string `koanf:"monthly_cron"`
	PruneCron   string `koanf:"prune_cron"`
}

// SettingsConfig controls caching of runtime settings stored in the database.
type SettingsConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// AuthConfig configures operator authentication for the API.
type AuthConfig struct {
	Disabled  bool          `koanf:"disabled"`
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console or json
}

// ScratchSnapshotPath is where the restore worker keeps the pre-restore copy of the live database.
func (c *Config) ScratchSnapshotPath() string {
	return filepath.Join(c.Restore.ScratchDir, "pre_restore.db")
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Backup.Dir == "" {
		errs = append(errs, errors.New("backup.dir is required"))
	}
	if c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required"))
	}
	if c.Journal.ArchiveDir == "" {
		errs = append(errs, errors.New("journal.archive_dir is required"))
	}
	if c.Restore.ScratchDir == "" {
		errs = append(errs, errors.New("restore.scratch_dir is required"))
	}
	if c.Restore.WaitPollInterval <= 0 {
		errs = append(errs, errors.New("restore.wait_poll_interval must be positive"))
	}
	switch c.Services.Controller {
	case "", "none", "docker":
	case "command":
		if len(c.Services.StopCommand) == 0 || len(c.Services.StartCommand) == 0 {
			errs = append(errs, errors.New("services.stop_command and services.start_command are required for the command controller"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown services.controller %q", c.Services.Controller))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ValidateAuth is checked by commands that serve or mint API tokens.
func (c *Config) ValidateAuth() error {
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required unless auth.disabled is set")
	}
	return nil
}
