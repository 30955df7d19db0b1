package main

import (
	"context"

	"github.com/isdelr/vaultkeep/internal/hooks"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/logger"
	"github.com/isdelr/vaultkeep/internal/supervisor"
	"github.com/isdelr/vaultkeep/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   supervisor.WorkerCommand + " <backup_path> <journal_path>",
		Short: "Restore a backup over the live database",
		Long: `Restore a backup over the live database, recording progress in the journal.

The two positional arguments are the whole interface. Run with just those, the
worker creates the journal itself and records its own pid.

--token and --config are optional. serve passes --token after creating the
journal, and the worker then waits for its pid to be recorded before it starts.
--config defaults to the usual lookup.`,
		Args:   cobra.ExactArgs(2),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			log, closer, err := logger.InitFile(cfg.Logging.Level, cfg.Restore.LogFile)
			if err != nil {
				log = logger.Init(cfg.Logging.Level, "json")
				log.Warn().Err(err).Msg("Failed to open worker log file")
			} else {
				defer closer.Close()
			}

			svc, err := hooks.FromConfig(cfg.Services, log)
			if err != nil {
				return err
			}
			store := journal.NewStore(args[1], cfg.Journal.ArchiveDir)
			w := worker.New(store, svc, worker.Options{
				LiveDBPath:       cfg.Database.Path,
				SnapshotPath:     cfg.ScratchSnapshotPath(),
				RequiredTables:   cfg.Database.RequiredTables,
				HandshakeTimeout: cfg.Restore.HandshakeTimeout,
			}, log.With().Str("component", "restore-worker").Logger())

			// Detached from any terminal; an interrupted worker is a crash the
			// coordinator recovers from.
			if err := w.Run(context.Background(), args[0], token); err != nil {
				log.Error().Err(err).Str("state", string(w.State())).Msg("Restore failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "optional journal ownership token issued by serve; omit to create the journal")
	return cmd
}
