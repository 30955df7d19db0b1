package main

import (
	"path/filepath"

	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/coordinator"
	"github.com/isdelr/vaultkeep/internal/hooks"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "vaultkeep",
		Short:         "Crash-safe backup and restore for a SQLite application database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: $CONFIG_PATH, ./config.yaml, /etc/vaultkeep/config.yaml)")

	root.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newReconcileCmd(flags),
		newBackupCmd(flags),
		newTokenCmd(flags),
	)
	return root
}

// load reads the configuration and reports the file it came from as an
// absolute path, so a spawned worker sees the same file whatever its cwd.
func (f *globalFlags) load() (*config.Config, string, error) {
	path := f.configPath
	if path == "" {
		path = config.ResolvedPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return cfg, path, nil
}

func journalStore(cfg *config.Config) *journal.Store {
	return journal.NewStore(cfg.Journal.Path, cfg.Journal.ArchiveDir)
}

func newCoordinator(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*coordinator.Coordinator, error) {
	svc, err := hooks.FromConfig(cfg.Services, logger)
	if err != nil {
		return nil, err
	}
	opts := coordinator.Options{
		LiveDBPath:     cfg.Database.Path,
		SnapshotPath:   cfg.ScratchSnapshotPath(),
		RequiredTables: cfg.Database.RequiredTables,
		HandshakeGrace: 2 * cfg.Restore.HandshakeTimeout,
		WaitTimeout:    cfg.Restore.WaitTimeout,
		PollInterval:   cfg.Restore.WaitPollInterval,
	}
	return coordinator.New(journalStore(cfg), procwatch.NewProcessChecker(), svc, opts, logger).WithMetrics(m), nil
}
