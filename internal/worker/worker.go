// Package worker performs a restore as a sequence of stages, persisting the
// journal after each one so that a crash at any point leaves a record of the
// last stage that finished.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/fsutil"
	"github.com/isdelr/vaultkeep/internal/hooks"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOwner means the journal belongs to another restore. The worker
	// exits without touching it.
	ErrNotOwner = errors.New("journal is not owned by this worker")
	// ErrHandshakeTimeout means the requester never recorded this worker's pid.
	ErrHandshakeTimeout = errors.New("timed out waiting for journal handshake")
	// ErrInvalidArtifact means the backup file is missing, unreadable or not a SQLite database.
	ErrInvalidArtifact = errors.New("invalid backup artifact")
)

var sqliteMagic = []byte("SQLite format 3\x00")

// State is the worker's position in the restore.
type State string

const (
	StateNotStarted State = "not_started"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Options configures a restore.
type Options struct {
	LiveDBPath       string
	SnapshotPath     string
	RequiredTables   []string
	HandshakeTimeout time.Duration
	HandshakePoll    time.Duration
}

// Worker runs one restore.
type Worker struct {
	store    *journal.Store
	services hooks.ServiceController
	opts     Options
	log      zerolog.Logger

	now  func() time.Time
	self func(context.Context) (procwatch.Identity, error)

	state State
	rec   *journal.Record
}

// New returns a worker that records progress in store.
func New(store *journal.Store, services hooks.ServiceController, opts Options, logger zerolog.Logger) *Worker {
	if services == nil {
		services = hooks.Noop{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.HandshakePoll <= 0 {
		opts.HandshakePoll = 100 * time.Millisecond
	}
	return &Worker{
		store:    store,
		services: services,
		opts:     opts,
		log:      logger,
		now:      time.Now,
		self:     procwatch.Self,
		state:    StateNotStarted,
	}
}

// State returns the current state.
func (w *Worker) State() State { return w.state }

// Record returns the worker's copy of the journal, or nil before the handshake.
func (w *Worker) Record() *journal.Record {
	if w.rec == nil {
		return nil
	}
	return w.rec.Clone()
}

// Run restores backupPath over the live database. It returns nil once the
// journal is completed and an error otherwise. When token is empty and no
// journal exists the worker creates the journal itself.
func (w *Worker) Run(ctx context.Context, backupPath, token string) error {
	if err := w.claim(ctx, backupPath, token); err != nil {
		w.state = StateFailed
		return err
	}
	w.log.Info().Str("backup", backupPath).Msg("Restore started")

	if err := checkArtifact(backupPath); err != nil {
		return w.fail(err)
	}

	for _, stage := range journal.Stages {
		w.state = State(stage)
		w.log.Info().Str("stage", string(stage)).Msg("Stage started")
		if err := w.runStage(ctx, stage); err != nil {
			return w.fail(fmt.Errorf("%s: %w", stage, err))
		}
		if err := w.rec.CompleteStep(stage); err != nil {
			return w.fail(err)
		}
		if err := w.store.Write(w.rec); err != nil {
			// Progress can no longer be recorded. The journal still says
			// in_progress and the coordinator resolves it once this pid is gone.
			w.state = StateFailed
			w.log.Error().Err(err).Str("stage", string(stage)).Msg("Failed to persist journal")
			return err
		}
	}

	if err := w.rec.Complete(w.now()); err != nil {
		return w.fail(err)
	}
	if err := w.store.Write(w.rec); err != nil {
		w.state = StateFailed
		return err
	}
	w.state = StateCompleted
	w.log.Info().Str("backup", backupPath).Msg("Restore completed")
	return nil
}

func (w *Worker) runStage(ctx context.Context, stage journal.Stage) error {
	switch stage {
	case journal.StageStoppingServices:
		stopped, err := hooks.Suspend(ctx, w.services)
		w.rec.StoppedServices = stopped
		return err
	case journal.StageBackingUpCurrent:
		return w.snapshotLive(ctx)
	case journal.StageRestoringFromBackup:
		return fsutil.ReplaceFile(w.rec.BackupPath, w.opts.LiveDBPath)
	case journal.StageValidatingIntegrity:
		return database.Validate(ctx, w.opts.LiveDBPath, w.opts.RequiredTables)
	case journal.StageStartingServices:
		return hooks.Resume(ctx, w.services, w.rec.StoppedServices)
	case journal.StageCleaningUp:
		return fsutil.RemoveIfExists(w.opts.SnapshotPath)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// snapshotLive copies the live database, including content still in its WAL,
// to the pre-restore snapshot path.
func (w *Worker) snapshotLive(ctx context.Context) error {
	live, err := fsutil.Exists(w.opts.LiveDBPath)
	if err != nil {
		return err
	}
	if !live {
		w.log.Warn().Str("path", w.opts.LiveDBPath).Msg("No live database to snapshot")
		return nil
	}

	dir := filepath.Dir(w.opts.SnapshotPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := fsutil.RemoveIfExists(w.opts.SnapshotPath); err != nil {
		return err
	}
	tmp := w.opts.SnapshotPath + ".tmp"
	if err := fsutil.RemoveIfExists(tmp); err != nil {
		return err
	}

	db, err := database.New(w.opts.LiveDBPath, 0)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Checkpoint(ctx, db); err != nil {
		w.log.Warn().Err(err).Msg("Checkpoint before snapshot failed")
	}
	if err := database.VacuumInto(ctx, db, tmp); err != nil {
		fsutil.RemoveIfExists(tmp)
		return err
	}
	return fsutil.RenameDurable(tmp, w.opts.SnapshotPath)
}

// claim waits until the journal names this process as its worker, then
// records the process start time.
func (w *Worker) claim(ctx context.Context, backupPath, token string) error {
	self, err := w.self(ctx)
	if err != nil {
		return err
	}

	var rec *journal.Record
	if token == "" {
		rec, err = w.claimAnonymous(backupPath, self)
	} else {
		rec, err = w.awaitHandshake(ctx, token, self)
	}
	if err != nil {
		return err
	}

	if filepath.Clean(rec.BackupPath) != filepath.Clean(backupPath) {
		w.rec = rec
		return w.fail(fmt.Errorf("journal names backup %s, worker was asked for %s", rec.BackupPath, backupPath))
	}

	rec.AttachWorker(self.PID, self.StartedAt)
	if err := w.store.Write(rec); err != nil {
		return err
	}
	w.rec = rec
	return nil
}

func (w *Worker) claimAnonymous(backupPath string, self procwatch.Identity) (*journal.Record, error) {
	rec := journal.New(filepath.Base(backupPath), backupPath, "", w.now())
	rec.AttachWorker(self.PID, self.StartedAt)
	err := w.store.Create(rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, journal.ErrExists) {
		return nil, err
	}
	existing, err := w.store.Read()
	if err != nil {
		return nil, err
	}
	if existing.Status != journal.StatusInProgress || !existing.OwnedBy("") ||
		existing.WorkerPID == nil || *existing.WorkerPID != self.PID {
		return nil, ErrNotOwner
	}
	return existing, nil
}

func (w *Worker) awaitHandshake(ctx context.Context, token string, self procwatch.Identity) (*journal.Record, error) {
	deadline := time.NewTimer(w.opts.HandshakeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.opts.HandshakePoll)
	defer ticker.Stop()

	var last *journal.Record
	for {
		rec, err := w.store.Read()
		switch {
		case err == nil:
			if !rec.OwnedBy(token) || rec.Status != journal.StatusInProgress {
				return nil, ErrNotOwner
			}
			last = rec
			if rec.WorkerPID != nil && *rec.WorkerPID == self.PID {
				return rec, nil
			}
		case errors.Is(err, journal.ErrAbsent):
			return nil, ErrNotOwner
		default:
			// A corrupt read is not retried into a write.
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			w.rec = last
			return nil, w.fail(ErrHandshakeTimeout)
		case <-ticker.C:
		}
	}
}

// fail records err in the journal and returns it.
func (w *Worker) fail(cause error) error {
	w.state = StateFailed
	w.log.Error().Err(cause).Msg("Restore failed")
	if w.rec == nil {
		return cause
	}
	if err := w.rec.Fail(w.now(), cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	if err := w.store.Write(w.rec); err != nil {
		w.log.Error().Err(err).Msg("Failed to persist failed journal")
		return errors.Join(cause, err)
	}
	return cause
}

// checkArtifact verifies path is a readable file starting with the SQLite header.
func checkArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	if !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("%w: %s is not a SQLite database", ErrInvalidArtifact, path)
	}
	return nil
}
