package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/isdelr/vaultkeep/internal/supervisor"
	"github.com/rs/zerolog/log"
)

// RestoreStarted is returned once a worker has been spawned.
type RestoreStarted struct {
	PID        int            `json:"pid"`
	BackupFile string         `json:"backup_file"`
	Status     journal.Status `json:"status"`
}

// RestoreServiceProvider defines the interface for restore services.
type RestoreServiceProvider interface {
	StartRestore(ctx context.Context, filename string) (RestoreStarted, error)
	Status() (*journal.Record, error)
	InProgress() bool
}

// RestoreService starts restore workers. It writes the initial journal, which
// doubles as the cross-process lock, and then hands the work to a detached process.
type RestoreService struct {
	backups    BackupServiceProvider
	store      *journal.Store
	spawner    supervisor.Spawner
	liveness   procwatch.Checker
	events     EventServiceProvider
	metrics    *metrics.Metrics
	configPath string
	now        func() time.Time

	mu sync.Mutex
}

// NewRestoreService creates a new RestoreService.
func NewRestoreService(backups BackupServiceProvider, store *journal.Store, spawner supervisor.Spawner, liveness procwatch.Checker, events EventServiceProvider, m *metrics.Metrics, configPath string) *RestoreService {
	return &RestoreService{
		backups:    backups,
		store:      store,
		spawner:    spawner,
		liveness:   liveness,
		events:     events,
		metrics:    m,
		configPath: configPath,
		now:        time.Now,
	}
}

// StartRestore spawns a worker restoring the named backup and returns its pid
// without waiting for it. A second request while any journal exists is rejected.
func (s *RestoreService) StartRestore(ctx context.Context, filename string) (RestoreStarted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, err := s.backups.GetBackup(filename)
	if err != nil {
		return RestoreStarted{}, err
	}

	if exists, err := s.store.Exists(); err != nil {
		return RestoreStarted{}, fmt.Errorf("check journal: %w", err)
	} else if exists {
		return RestoreStarted{}, s.conflict(ctx)
	}

	token := uuid.NewString()
	rec := journal.New(backup.Filename, backup.Path, token, s.now())
	if err := s.store.Create(rec); err != nil {
		if errors.Is(err, journal.ErrExists) {
			return RestoreStarted{}, s.conflict(ctx)
		}
		return RestoreStarted{}, err
	}

	id, err := s.spawner.Spawn(ctx, supervisor.SpawnRequest{
		BackupPath:  backup.Path,
		JournalPath: s.store.Path(),
		Token:       token,
		ConfigPath:  s.configPath,
	})
	if err != nil {
		// No worker exists, so the live database was never touched and the lock can go.
		if rmErr := s.store.Remove(); rmErr != nil {
			log.Error().Err(rmErr).Msg("Failed to release journal after spawn failure")
		}
		recordEvent(s.events, "restore.start", models.LevelError, "Failed to start restore worker: "+err.Error(), &backup.Filename)
		return RestoreStarted{}, err
	}

	if id.StartedAt != 0 {
		rec.AttachWorker(id.PID, id.StartedAt)
	} else {
		pid := id.PID
		rec.WorkerPID = &pid
	}
	// The worker waits for this write before touching the journal.
	if err := s.store.Write(rec); err != nil {
		log.Error().Err(err).Int("pid", id.PID).Msg("Failed to record restore worker pid")
		return RestoreStarted{}, fmt.Errorf("record worker pid: %w", err)
	}

	s.metrics.RestoreStarted()
	s.metrics.SetRestoreInProgress(true)
	log.Info().Int("pid", id.PID).Str("backup", backup.Filename).Msg("Restore started")
	recordEvent(s.events, "restore.start", models.LevelInfo, "Restore started from "+backup.Filename, &backup.Filename)

	return RestoreStarted{PID: id.PID, BackupFile: backup.Filename, Status: journal.StatusInProgress}, nil
}

func (s *RestoreService) conflict(ctx context.Context) error {
	s.metrics.RestoreConflict()
	rec, err := s.store.Read()
	if err != nil {
		// Unreadable journals are resolved by the next startup.
		return ErrReconcilePending
	}
	if rec.Status != journal.StatusInProgress {
		return ErrReconcilePending
	}
	if rec.WorkerPID == nil {
		return ErrConcurrentRestore
	}
	alive, err := s.liveness.Alive(ctx, *rec.WorkerPID, rec.WorkerStartedAt)
	if err != nil || alive {
		return ErrConcurrentRestore
	}
	return ErrReconcilePending
}

// Status returns the live journal, or journal.ErrAbsent.
func (s *RestoreService) Status() (*journal.Record, error) {
	return s.store.Read()
}

// InProgress reports whether a journal exists, whatever its state.
func (s *RestoreService) InProgress() bool {
	exists, err := s.store.Exists()
	return err != nil || exists
}
