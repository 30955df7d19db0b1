package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SettingsSource yields the current backup settings.
type SettingsSource interface {
	Backup(ctx context.Context) (settings.BackupSettings, error)
}

// Scheduler takes the automatic daily and monthly snapshots and applies retention.
type Scheduler struct {
	cfg      config.ScheduleConfig
	backups  services.BackupServiceProvider
	restores services.RestoreServiceProvider
	settings SettingsSource
	log      zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(cfg config.ScheduleConfig, backups services.BackupServiceProvider, restores services.RestoreServiceProvider, settings SettingsSource, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		backups:  backups,
		restores: restores,
		settings: settings,
		log:      logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Serve runs the cron jobs until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobs := []struct {
		spec string
		run  func(context.Context)
	}{
		{s.cfg.DailyCron, func(ctx context.Context) { s.RunBackup(ctx, models.KindDaily) }},
		{s.cfg.MonthlyCron, func(ctx context.Context) { s.RunBackup(ctx, models.KindMonthly) }},
		{s.cfg.PruneCron, s.RunPrune},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := c.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", j.spec, err)
		}
	}

	s.log.Info().Str("daily", s.cfg.DailyCron).Str("monthly", s.cfg.MonthlyCron).Str("prune", s.cfg.PruneCron).Msg("Starting backup scheduler")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("Stopping backup scheduler")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "backup-scheduler" }

// RunBackup takes one scheduled snapshot unless scheduling is disabled in the
// runtime settings, a restore owns the database, or a snapshot of the same
// kind already exists for the current day (daily) or month (monthly).
func (s *Scheduler) RunBackup(ctx context.Context, kind models.BackupKind) {
	if !s.enabled(ctx) {
		s.log.Debug().Str("kind", string(kind)).Msg("Scheduled backups disabled, skipping")
		return
	}
	if s.restores != nil && s.restores.InProgress() {
		s.log.Warn().Str("kind", string(kind)).Msg("Restore in progress, skipping scheduled backup")
		return
	}
	taken, err := s.alreadyTaken(ctx, kind)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to list existing backups")
	}
	if taken {
		s.log.Debug().Str("kind", string(kind)).Msg("Backup for this period already exists, skipping")
		return
	}
	if _, err := s.backups.CreateBackup(ctx, kind); err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("Scheduled backup failed")
	}
}

// alreadyTaken reports whether a daily backup exists since local midnight, or
// a monthly one since the first of the month.
func (s *Scheduler) alreadyTaken(ctx context.Context, kind models.BackupKind) (bool, error) {
	now := s.now()
	var from time.Time
	switch kind {
	case models.KindDaily:
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case models.KindMonthly:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return false, nil
	}
	existing, err := s.backups.ListBackups(ctx, services.ListOptions{Kind: kind, From: &from})
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

// RunPrune applies the retention policy from the runtime settings.
func (s *Scheduler) RunPrune(ctx context.Context) {
	if !s.enabled(ctx) {
		return
	}
	bs, err := s.settings.Backup(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load backup settings, skipping prune")
		return
	}
	result, err := s.backups.PruneBackups(ctx, services.PrunePolicy{
		DailyRetentionDays: bs.DailyRetentionDays,
		MonthlyKeep:        bs.MonthlyKeep,
		UserFullKeep:       bs.UserFullKeep,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Prune finished with errors")
	}
	s.log.Debug().Int("deleted", len(result.Deleted)).Msg("Prune finished")
}

func (s *Scheduler) enabled(ctx context.Context) bool {
	if !s.cfg.Enabled {
		return false
	}
	bs, err := s.settings.Backup(ctx)
	if err != nil {
		// Unreadable settings fall back to the defaults, which schedule.
		s.log.Warn().Err(err).Msg("Failed to load backup settings")
		return true
	}
	return bs.ScheduleEnabled
}
