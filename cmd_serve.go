package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/isdelr/vaultkeep/internal/api"
	"github.com/isdelr/vaultkeep/internal/auth"
	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/coordinator"
	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/logger"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/monitoring"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/isdelr/vaultkeep/internal/supervisor"
	"github.com/isdelr/vaultkeep/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Reconcile any interrupted restore, then serve the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateAuth(); err != nil {
				return err
			}
			log := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfgPath, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, cfgPath string, log zerolog.Logger) error {
	m := metrics.New()

	// Nothing may open the live database before the journal is resolved.
	coord, err := newCoordinator(cfg, m, log)
	if err != nil {
		return err
	}
	report, err := coord.Run(ctx)
	if err != nil {
		if errors.Is(err, coordinator.ErrRestoreInProgress) {
			log.Error().Str("backup", report.BackupFile).Msg("A restore worker still owns the database; start again once it has finished")
		}
		return err
	}
	log.Info().
		Str("outcome", string(report.Outcome)).
		Str("rollback", string(report.Rollback)).
		Bool("degraded", report.Degraded()).
		Msg("Startup reconciliation finished")

	if err := os.MkdirAll(cfg.Backup.Dir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	db, err := database.New(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("apply database migrations: %w", err)
	}

	events := services.NewEventService(db)
	recordReport(events, report, log)

	spawner, err := supervisor.NewExecSpawner(log)
	if err != nil {
		return err
	}
	store := journalStore(cfg)
	backups := services.NewBackupService(cfg.Database.Path, cfg.Backup.Dir, events, m)
	restores := services.NewRestoreService(backups, store, spawner, procwatch.NewProcessChecker(), events, m, cfgPath)
	system := services.NewSystemService(restores)
	system.SetReport(report)
	provider := settings.NewProvider(settings.NewSQLStore(db), settings.CachePolicy{TTL: cfg.Settings.CacheTTL}, settings.DefaultBackupSettings())

	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Disabled)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		log.Warn().Msg("API authentication is disabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := websocket.NewHub()
	var restartRequired atomic.Bool
	var onFinish func(*journal.Record)
	if cfg.Restore.ExitOnFinish {
		onFinish = func(rec *journal.Record) {
			// The database handles above point at the replaced file. Exiting
			// non-zero lets an on-failure restart policy bring us back into a
			// fresh reconciliation.
			log.Warn().Str("status", string(rec.Status)).Msg("Restore finished, shutting down for restart")
			restartRequired.Store(true)
			cancel()
		}
	}
	watcher := monitoring.NewRestoreWatcher(store, hub, m, cfg.Restore.WatchInterval, onFinish, log)
	scheduler := monitoring.NewScheduler(cfg.Schedule, backups, restores, provider, log)

	router := api.NewRouter(api.Deps{
		Server:   cfg.Server,
		Auth:     authn,
		Hub:      hub,
		Metrics:  m.Handler(),
		Backups:  backups,
		Restores: restores,
		Events:   events,
		System:   system,
		Settings: provider,
	})
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(log, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout + 5*time.Second})
	tree.AddBackground(hub)
	tree.AddBackground(watcher)
	if cfg.Schedule.Enabled {
		tree.AddBackground(scheduler)
	}
	tree.AddAPI(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	log.Info().Str("addr", srv.Addr).Msg("Server is ready to handle requests")
	err = serveResult(tree.Serve(ctx), restartRequired.Load())
	log.Info().Err(err).Msg("Server stopped")
	return err
}

// serveResult maps the supervisor's return to the command's. A shutdown for
// a finished restore is reported as errRestartRequired.
func serveResult(err error, restartRequired bool) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if restartRequired {
		return errRestartRequired
	}
	return nil
}

// recordReport persists the outcome of startup reconciliation as events, now
// that the database can be opened.
func recordReport(events services.EventServiceProvider, report coordinator.Report, log zerolog.Logger) {
	write := func(level, msg string) {
		var ref *string
		if report.BackupFile != "" {
			ref = &report.BackupFile
		}
		if err := events.CreateEvent("restore.reconcile", level, msg, ref); err != nil {
			log.Warn().Err(err).Msg("Failed to record reconciliation event")
		}
	}

	switch report.Outcome {
	case coordinator.OutcomeCompleted:
		write(models.LevelInfo, "Restore from "+report.BackupFile+" completed")
	case coordinator.OutcomeFailed, coordinator.OutcomeUnknown:
		msg := fmt.Sprintf("Restore ended %s; rollback %s", report.Outcome, report.Rollback)
		if report.WorkerCrashed {
			msg += "; " + journal.WorkerCrashedMessage
		}
		write(models.LevelWarn, msg)
	}
	if report.Rollback == coordinator.RollbackFailed {
		write(models.LevelError, "Rollback failed, the live database may be inconsistent: "+report.RollbackError)
	}
	if len(report.MissingTables) > 0 {
		write(models.LevelError, fmt.Sprintf("Live database is missing tables: %v", report.MissingTables))
	}
}
