package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/logger"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/spf13/cobra"
)

func newBackupCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage database snapshots",
	}
	cmd.AddCommand(
		newBackupCreateCmd(flags),
		newBackupListCmd(flags),
		newBackupDeleteCmd(flags),
		newBackupPruneCmd(flags),
	)
	return cmd
}

// backupEnv opens what the backup commands share. The live database is
// refused while a restore journal exists.
type backupEnv struct {
	cfg     *config.Config
	db      *sql.DB
	backups *services.BackupService
}

func openBackupEnv(flags *globalFlags, needDB bool) (*backupEnv, error) {
	cfg, _, err := flags.load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	env := &backupEnv{cfg: cfg}
	var events services.EventServiceProvider
	if needDB {
		exists, err := journalStore(cfg).Exists()
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, services.ErrMaintenance
		}
		env.db, err = database.New(cfg.Database.Path, cfg.Database.BusyTimeout)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(env.db); err != nil {
			env.db.Close()
			return nil, err
		}
		events = services.NewEventService(env.db)
	}
	env.backups = services.NewBackupService(cfg.Database.Path, cfg.Backup.Dir, events, nil)
	return env, nil
}

func (e *backupEnv) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

func newBackupCreateCmd(flags *globalFlags) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Take a snapshot of the live database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseBackupKind(kind)
			if err != nil {
				return err
			}
			env, err := openBackupEnv(flags, true)
			if err != nil {
				return err
			}
			defer env.Close()

			b, err := env.backups.CreateBackup(cmd.Context(), k)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), b.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.KindUserFull), "daily, monthly or user_full")
	return cmd
}

func newBackupListCmd(flags *globalFlags) *cobra.Command {
	var (
		opts services.ListOptions
		kind string
		asc  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				k, err := models.ParseBackupKind(kind)
				if err != nil {
					return err
				}
				opts.Kind = k
			}
			opts.Desc = !asc
			env, err := openBackupEnv(flags, false)
			if err != nil {
				return err
			}
			defer env.Close()

			backups, err := env.backups.ListBackups(cmd.Context(), opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILENAME\tKIND\tCREATED\tSIZE\tVALID")
			for _, b := range backups {
				valid := "-"
				if b.Integrity != nil {
					valid = fmt.Sprint(b.Integrity.Valid)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", b.Filename, b.Kind, b.CreatedAt.Format("2006-01-02 15:04:05"), b.SizeBytes, valid)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.Keywords, "keyword", "", "only names containing every word")
	cmd.Flags().StringVar(&kind, "kind", "", "daily, monthly or user_full")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", services.SortByCreatedAt, "created_at, filename, kind or size")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "check each snapshot's integrity")
	return cmd
}

func newBackupDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <filename>",
		Short: "Delete one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openBackupEnv(flags, false)
			if err != nil {
				return err
			}
			defer env.Close()
			return env.backups.DeleteBackup(args[0])
		},
	}
}

func newBackupPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy from the runtime settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openBackupEnv(flags, true)
			if err != nil {
				return err
			}
			defer env.Close()

			provider := settings.NewProvider(settings.NewSQLStore(env.db), settings.CachePolicy{}, settings.DefaultBackupSettings())
			bs, err := provider.Backup(cmd.Context())
			if err != nil {
				return err
			}
			result, err := env.backups.PruneBackups(cmd.Context(), services.PrunePolicy{
				DailyRetentionDays: bs.DailyRetentionDays,
				MonthlyKeep:        bs.MonthlyKeep,
				UserFullKeep:       bs.UserFullKeep,
			})
			for _, name := range result.Deleted {
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", name)
			}
			return err
		},
	}
}
