// Package coordinator reconciles leftover restore state at startup. It runs
// before the database is opened for traffic and, except when a live worker
// still owns the database, always lets startup continue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/fsutil"
	"github.com/isdelr/vaultkeep/internal/hooks"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/rs/zerolog"
)

var (
	// ErrRestoreInProgress means a live worker still owns the database after the bounded wait.
	ErrRestoreInProgress = errors.New("restore in progress")
	// ErrRollbackFailed means the pre-restore snapshot could not be put back.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Outcome summarizes what a reconciliation found.
type Outcome string

const (
	OutcomeClean     Outcome = "clean"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeDeferred  Outcome = "deferred"
)

// RollbackResult is the fate of the rollback attempt.
type RollbackResult string

const (
	RollbackNone      RollbackResult = "not_needed"
	RollbackSucceeded RollbackResult = "succeeded"
	RollbackFailed    RollbackResult = "failed"
	RollbackSkipped   RollbackResult = "skipped"
)

// Report describes one reconciliation.
type Report struct {
	Outcome         Outcome        `json:"outcome"`
	JournalStatus   journal.Status `json:"journal_status,omitempty"`
	BackupFile      string         `json:"backup_file,omitempty"`
	WorkerCrashed   bool           `json:"worker_crashed"`
	Rollback        RollbackResult `json:"rollback"`
	RollbackError   string         `json:"rollback_error,omitempty"`
	ArchivedTo      string         `json:"archived_to,omitempty"`
	ServicesResumed bool           `json:"services_resumed"`
	MissingTables   []string       `json:"missing_tables,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// Degraded reports whether the application is starting in a state an operator should look at.
func (r *Report) Degraded() bool {
	return r.Rollback == RollbackFailed || len(r.MissingTables) > 0
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Options configures the coordinator.
type Options struct {
	LiveDBPath     string
	SnapshotPath   string
	RequiredTables []string
	// HandshakeGrace is how long a journal without a worker pid is presumed
	// to belong to a worker that is still starting.
	HandshakeGrace time.Duration
	WaitTimeout    time.Duration
	PollInterval   time.Duration
}

// Coordinator reconciles the restore journal.
type Coordinator struct {
	store    *journal.Store
	liveness procwatch.Checker
	services hooks.ServiceController
	metrics  *metrics.Metrics
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// New returns a coordinator. services may be nil.
func New(store *journal.Store, liveness procwatch.Checker, services hooks.ServiceController, opts Options, logger zerolog.Logger) *Coordinator {
	if services == nil {
		services = hooks.Noop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Coordinator{
		store:    store,
		liveness: liveness,
		services: services,
		opts:     opts,
		log:      logger,
		now:      time.Now,
	}
}

// WithMetrics attaches counters.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Run reconciles the journal and then checks the live database.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	report, err := c.Reconcile(ctx)
	if err != nil {
		return report, err
	}
	report.MissingTables = c.CheckConsistency(ctx)
	if len(report.MissingTables) > 0 {
		report.warn("live database is missing tables: %v", report.MissingTables)
	}
	report.FinishedAt = c.now()
	return report, nil
}

// Reconcile inspects the journal and drives it to rest. The only error it
// returns is ErrRestoreInProgress; every other problem is logged, recorded in
// the report and tolerated.
func (c *Coordinator) Reconcile(ctx context.Context) (Report, error) {
	report := Report{Rollback: RollbackNone, StartedAt: c.now()}
	deadline := c.now().Add(c.opts.WaitTimeout)

	for {
		rec, err := c.store.Read()
		switch {
		case errors.Is(err, journal.ErrAbsent):
			c.removeSnapshot(&report)
			return c.finish(report, OutcomeClean), nil

		case err != nil:
			raw, rawErr := c.store.ReadRaw()
			if rawErr != nil && !errors.Is(rawErr, journal.ErrAbsent) {
				report.warn("read raw journal: %v", rawErr)
			}
			c.log.Warn().Err(err).Msg("Journal unreadable, treating restore state as unknown")
			rec = journal.Unknown(raw, c.now(), err)
		}

		report.JournalStatus = rec.Status
		report.BackupFile = rec.BackupFile

		switch rec.Status {
		case journal.StatusInProgress:
			if c.workerAlive(ctx, rec) {
				if !c.now().Before(deadline) || ctx.Err() != nil {
					c.log.Warn().Str("backup", rec.BackupFile).Msg("Restore still in progress, refusing to start")
					return c.finish(report, OutcomeDeferred), ErrRestoreInProgress
				}
				c.log.Info().Str("backup", rec.BackupFile).Dur("poll", c.opts.PollInterval).Msg("Waiting for restore worker")
				c.sleep(ctx)
				continue
			}
			// The worker may have finished between the read and the liveness check.
			fresh, err := c.store.Read()
			if errors.Is(err, journal.ErrAbsent) || (err == nil && fresh.Status != journal.StatusInProgress) {
				continue
			}
			c.log.Warn().Err(journal.ErrWorkerCrashed).Str("backup", rec.BackupFile).Msg("Recovering from interrupted restore")
			report.WorkerCrashed = true
			if err := rec.Fail(c.now(), journal.ErrWorkerCrashed.Error()); err != nil {
				report.warn("mark journal failed: %v", err)
			} else if err := c.store.Write(rec); err != nil {
				report.warn("persist failed journal: %v", err)
			}
			c.recover(ctx, rec, &report)
			return c.finish(report, OutcomeFailed), nil

		case journal.StatusCompleted:
			c.archive(rec, &report)
			c.removeSnapshot(&report)
			return c.finish(report, OutcomeCompleted), nil

		case journal.StatusFailed:
			c.recover(ctx, rec, &report)
			return c.finish(report, OutcomeFailed), nil

		default:
			c.recover(ctx, rec, &report)
			return c.finish(report, OutcomeUnknown), nil
		}
	}
}

// CheckConsistency returns the required tables the live database lacks, or
// all of them when it cannot be opened. It never fails startup.
func (c *Coordinator) CheckConsistency(ctx context.Context) []string {
	exists, err := fsutil.Exists(c.opts.LiveDBPath)
	if err != nil || !exists {
		c.log.Warn().Str("path", c.opts.LiveDBPath).Msg("Live database not found")
		return append([]string(nil), c.opts.RequiredTables...)
	}
	db, err := database.OpenQueryOnly(c.opts.LiveDBPath)
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not open live database for consistency check")
		return append([]string(nil), c.opts.RequiredTables...)
	}
	defer db.Close()

	tables, err := database.Tables(ctx, db)
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not list tables of live database")
		return append([]string(nil), c.opts.RequiredTables...)
	}
	missing := database.MissingTables(tables, c.opts.RequiredTables)
	if len(missing) > 0 {
		c.log.Warn().Strs("missing", missing).Msg("Live database is missing required tables")
	}
	return missing
}

func (c *Coordinator) workerAlive(ctx context.Context, rec *journal.Record) bool {
	if rec.WorkerPID == nil {
		// The requester writes the pid right after spawning.
		if rec.StartedAt == nil {
			return false
		}
		return c.now().Sub(rec.StartedAt.Time) < c.opts.HandshakeGrace
	}
	pid := *rec.WorkerPID
	if pid == os.Getpid() {
		return false
	}
	alive, err := c.liveness.Alive(ctx, pid, rec.WorkerStartedAt)
	if err != nil {
		c.log.Warn().Err(err).Int("pid", pid).Msg("Liveness check failed, assuming worker is alive")
		return true
	}
	return alive
}

// recover handles a failed or unknown journal: roll back, archive, clean up,
// and resume services the worker left stopped.
func (c *Coordinator) recover(ctx context.Context, rec *journal.Record, report *Report) {
	c.rollback(ctx, rec, report)
	archived := c.archive(rec, report)
	// Keep the snapshot if the journal is still live so the next run can retry.
	if archived {
		c.removeSnapshot(report)
	}
	c.resumeServices(ctx, rec, report)
}

func (c *Coordinator) rollback(ctx context.Context, rec *journal.Record, report *Report) {
	unknown := rec.Status == journal.StatusUnknown
	switch {
	case !unknown && !rec.Steps.BackingUpCurrent:
		// The live database was never touched.
		report.Rollback = RollbackNone
		return
	case !unknown && rec.Steps.AllDone():
		report.Rollback = RollbackNone
		return
	}

	exists, err := fsutil.Exists(c.opts.SnapshotPath)
	if err != nil {
		c.rollbackFailed(report, err)
		return
	}
	if !exists {
		if unknown {
			report.Rollback = RollbackSkipped
			report.warn("no pre-restore snapshot at %s", c.opts.SnapshotPath)
			c.metrics.Rollback(string(RollbackSkipped))
			c.log.Warn().Str("snapshot", c.opts.SnapshotPath).Msg("No pre-restore snapshot to roll back to")
			return
		}
		c.rollbackFailed(report, fmt.Errorf("pre-restore snapshot %s is missing", c.opts.SnapshotPath))
		return
	}

	if err := fsutil.ReplaceFile(c.opts.SnapshotPath, c.opts.LiveDBPath); err != nil {
		c.rollbackFailed(report, err)
		return
	}
	if err := database.Validate(ctx, c.opts.LiveDBPath, nil); err != nil {
		report.warn("rolled-back database did not validate: %v", err)
	}
	report.Rollback = RollbackSucceeded
	c.metrics.Rollback(string(RollbackSucceeded))
	c.log.Info().Str("snapshot", c.opts.SnapshotPath).Msg("Rolled back live database to pre-restore snapshot")
}

func (c *Coordinator) rollbackFailed(report *Report, err error) {
	err = fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	report.Rollback = RollbackFailed
	report.RollbackError = err.Error()
	c.metrics.Rollback(string(RollbackFailed))
	c.log.Error().Err(err).Msg("System may be inconsistent, startup continues")
}

func (c *Coordinator) archive(rec *journal.Record, report *Report) bool {
	dst, err := c.store.Archive(rec)
	if err != nil {
		report.warn("archive journal: %v", err)
		c.log.Error().Err(err).Msg("Failed to archive journal")
		return false
	}
	report.ArchivedTo = dst
	if dst != "" {
		c.log.Info().Str("archive", dst).Msg("Journal archived")
	}
	return true
}

func (c *Coordinator) removeSnapshot(report *Report) {
	if err := fsutil.RemoveIfExists(c.opts.SnapshotPath); err != nil {
		report.warn("remove pre-restore snapshot: %v", err)
		return
	}
	if err := fsutil.RemoveIfExists(c.opts.SnapshotPath + ".tmp"); err != nil {
		report.warn("remove partial snapshot: %v", err)
	}
}

func (c *Coordinator) resumeServices(ctx context.Context, rec *journal.Record, report *Report) {
	// A stop that failed part way still records what it stopped.
	stopped := rec.Status == journal.StatusUnknown ||
		(rec.Steps.StoppingServices && !rec.Steps.StartingServices) ||
		(len(rec.StoppedServices) > 0 && !rec.Steps.StartingServices)
	if !stopped {
		return
	}
	if err := hooks.Resume(ctx, c.services, rec.StoppedServices); err != nil {
		report.warn("resume services: %v", err)
		c.log.Error().Err(err).Str("controller", c.services.Name()).Msg("Failed to resume dependent services")
		return
	}
	report.ServicesResumed = true
}

func (c *Coordinator) finish(report Report, outcome Outcome) Report {
	report.Outcome = outcome
	report.FinishedAt = c.now()
	c.metrics.Reconciled(string(outcome))
	c.log.Info().
		Str("outcome", string(outcome)).
		Str("rollback", string(report.Rollback)).
		Bool("worker_crashed", report.WorkerCrashed).
		Msg("Reconciliation finished")
	return report
}

func (c *Coordinator) sleep(ctx context.Context) {
	t := time.NewTimer(c.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
