package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix is stripped from environment variables before they are mapped to config keys.
// VAULTKEEP_DATABASE__PATH maps to database.path.
const EnvPrefix = "VAULTKEEP_"

// DefaultConfigPaths are searched in order when CONFIG_PATH is not set.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vaultkeep/config.yaml",
}

// Legacy variable names understood for compatibility with older deployments.
var legacyEnv = map[string]string{
	"PORT":          "server.port",
	"DATABASE_PATH": "database.path",
	"BACKUP_PATH":   "backup.dir",
	"JWT_SECRET":    "auth.jwt_secret",
	"LOG_LEVEL":     "logging.level",
}

// Keys that arrive as comma-separated strings from the environment.
var sliceKeys = []string{
	"server.cors_origins",
	"database.required_tables",
	"services.stop_command",
	"services.start_command",
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "",
			ShutdownTimeout: 5 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       30,
			RateWindow:      time.Minute,
		},
		Database: DatabaseConfig{
			Path:           "./data/warehouse.db",
			BusyTimeout:    5 * time.Second,
			RequiredTables: []string{"users", "roles", "permissions"},
		},
		Backup: BackupConfig{
			Dir: "./backups",
		},
		Journal: JournalConfig{
			Path:       "./temp_recovery/restore_status.json",
			ArchiveDir: "./temp_recovery/archive",
		},
		Restore: RestoreConfig{
			ScratchDir:       "./temp_recovery",
			LogFile:          "./temp_recovery/restore_worker.log",
			HandshakeTimeout: 15 * time.Second,
			WaitTimeout:      2 * time.Minute,
			WaitPollInterval: 2 * time.Second,
			WatchInterval:    2 * time.Second,
			ExitOnFinish:     true,
		},
		Services: ServicesConfig{
			Controller:  "none",
			DockerLabel: "vaultkeep.dependent=true",
			Timeout:     30 * time.Second,
		},
		Schedule: ScheduleConfig{
			Enabled:     true,
			DailyCron:   "0 2 * * *",
			MonthlyCron: "0 2 1 * *",
			PruneCron:   "0 3 * * *",
		},
		Settings: SettingsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from defaults, an optional YAML file and the environment,
// in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file; an empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSliceKeys(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ResolvedPath reports the config file Load would use, or "".
func ResolvedPath() string {
	return findConfigFile()
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to koanf keys. Returning "" skips the variable.
func envTransform(key string) string {
	if mapped, ok := legacyEnv[key]; ok {
		return mapped
	}
	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitSliceKeys(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
