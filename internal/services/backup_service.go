package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/fsutil"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/rs/zerolog/log"
)

const backupTimeLayout = "20060102_150405"

var backupNamePattern = regexp.MustCompile(`^(daily|monthly|user_full)_(.+)_(\d{8}_\d{6})\.db$`)

// Sort keys accepted by ListBackups.
const (
	SortByCreatedAt = "created_at"
	SortByFilename  = "filename"
	SortByKind      = "kind"
	SortBySize      = "size"
)

// ListOptions filters and orders a backup listing.
type ListOptions struct {
	Keywords string // whitespace separated; all must appear in the filename
	Kind     models.BackupKind
	From     *time.Time
	To       *time.Time
	SortBy   string
	Desc     bool
	Verify   bool
}

// PrunePolicy is the retention applied by PruneBackups. Zero values keep everything.
type PrunePolicy struct {
	DailyRetentionDays int
	MonthlyKeep        int
	UserFullKeep       int
}

// PruneResult lists what a prune removed.
type PruneResult struct {
	Deleted []string                  `json:"deleted"`
	ByKind  map[models.BackupKind]int `json:"by_kind"`
}

// BackupServiceProvider defines the interface for backup services.
type BackupServiceProvider interface {
	CreateBackup(ctx context.Context, kind models.BackupKind) (models.Backup, error)
	ListBackups(ctx context.Context, opts ListOptions) ([]models.Backup, error)
	GetBackup(filename string) (models.Backup, error)
	VerifyBackup(ctx context.Context, filename string) (models.Integrity, error)
	DeleteBackup(filename string) error
	PruneBackups(ctx context.Context, policy PrunePolicy) (PruneResult, error)
}

// BackupService manages the snapshot store. It is the only writer of the store directory.
type BackupService struct {
	livePath     string
	backupPath   string
	eventService EventServiceProvider
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewBackupService creates a new BackupService for the database at livePath.
func NewBackupService(livePath, backupPath string, eventService EventServiceProvider, m *metrics.Metrics) *BackupService {
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		log.Warn().Err(err).Str("path", backupPath).Msg("Failed to create backup directory")
	}
	return &BackupService{
		livePath:     livePath,
		backupPath:   backupPath,
		eventService: eventService,
		metrics:      m,
		now:          time.Now,
	}
}

// CreateBackup writes a consistent snapshot of the live database into the
// store. The copy is made with VACUUM INTO on an ordinary connection, so it
// includes committed data still in the WAL and does not block other readers.
func (s *BackupService) CreateBackup(ctx context.Context, kind models.BackupKind) (models.Backup, error) {
	b, err := s.createBackup(ctx, kind)
	if err != nil {
		s.metrics.BackupFailed()
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to create backup")
		recordEvent(s.eventService, "backup.create", models.LevelError, err.Error(), nil)
		return models.Backup{}, err
	}
	s.metrics.BackupCreated(string(kind))
	log.Info().Str("file", b.Filename).Int64("size", b.SizeBytes).Msg("Backup created")
	recordEvent(s.eventService, "backup.create", models.LevelInfo, fmt.Sprintf("Created %s backup %s", kind, b.Filename), &b.Filename)
	return b, nil
}

func (s *BackupService) createBackup(ctx context.Context, kind models.BackupKind) (models.Backup, error) {
	if _, err := models.ParseBackupKind(string(kind)); err != nil {
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	// sql.Open would create a missing database.
	if _, err := os.Stat(s.livePath); err != nil {
		return models.Backup{}, fmt.Errorf("%w: live database: %v", ErrSnapshotWrite, err)
	}
	if err := os.MkdirAll(s.backupPath, 0755); err != nil {
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}

	name, err := s.freeName(kind)
	if err != nil {
		return models.Backup{}, err
	}
	final := filepath.Join(s.backupPath, name)
	tmp := filepath.Join(s.backupPath, "."+name+".tmp")
	if err := fsutil.RemoveIfExists(tmp); err != nil {
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}

	db, err := database.New(s.livePath, 0)
	if err != nil {
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	defer db.Close()

	if err := database.VacuumInto(ctx, db, tmp); err != nil {
		fsutil.RemoveIfExists(tmp)
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	if err := syncFile(tmp); err != nil {
		fsutil.RemoveIfExists(tmp)
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	if err := fsutil.RenameDurable(tmp, final); err != nil {
		fsutil.RemoveIfExists(tmp)
		return models.Backup{}, fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}

	// An artifact that fails its own check is never offered for restore.
	integrity := verify(ctx, final)
	if !integrity.Valid {
		fsutil.RemoveIfExists(final)
		return models.Backup{}, fmt.Errorf("%w: new artifact failed verification: %s", ErrSnapshotWrite, integrity.Error)
	}
	b, err := s.GetBackup(name)
	if err != nil {
		return models.Backup{}, err
	}
	b.Integrity = &integrity
	return b, nil
}

// freeName returns an unused artifact name, moving the timestamp forward when
// two snapshots land in the same second.
func (s *BackupService) freeName(kind models.BackupKind) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(s.livePath), filepath.Ext(s.livePath))
	at := s.now()
	for i := 0; i < 60; i++ {
		name := fmt.Sprintf("%s_%s_%s.db", kind, stem, at.Add(time.Duration(i)*time.Second).Format(backupTimeLayout))
		exists, err := fsutil.Exists(filepath.Join(s.backupPath, name))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %s backup", ErrSnapshotWrite, kind)
}

// ListBackups returns the artifacts matching opts. Files in the store whose
// names do not follow the artifact pattern are ignored.
func (s *BackupService) ListBackups(ctx context.Context, opts ListOptions) ([]models.Backup, error) {
	entries, err := os.ReadDir(s.backupPath)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.Backup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	keywords := strings.Fields(strings.ToLower(opts.Keywords))
	backups := []models.Backup{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, ok := s.parse(e.Name())
		if !ok {
			continue
		}
		if !matches(b, keywords, opts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		b.SizeBytes = info.Size()
		backups = append(backups, b)
	}

	sortBackups(backups, opts.SortBy, opts.Desc)

	if opts.Verify {
		for i := range backups {
			integrity := verify(ctx, backups[i].Path)
			backups[i].Integrity = &integrity
		}
	}
	return backups, nil
}

func matches(b models.Backup, keywords []string, opts ListOptions) bool {
	name := strings.ToLower(b.Filename)
	for _, k := range keywords {
		if !strings.Contains(name, k) {
			return false
		}
	}
	if opts.Kind != "" && b.Kind != opts.Kind {
		return false
	}
	if opts.From != nil && b.CreatedAt.Before(*opts.From) {
		return false
	}
	if opts.To != nil && b.CreatedAt.After(*opts.To) {
		return false
	}
	return true
}

func sortBackups(backups []models.Backup, by string, desc bool) {
	less := func(i, j int) bool {
		a, b := backups[i], backups[j]
		switch by {
		case SortByFilename:
			return a.Filename < b.Filename
		case SortByKind:
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			return a.CreatedAt.Before(b.CreatedAt)
		case SortBySize:
			if a.SizeBytes != b.SizeBytes {
				return a.SizeBytes < b.SizeBytes
			}
			return a.Filename < b.Filename
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.Filename < b.Filename
		}
	}
	if desc {
		sort.SliceStable(backups, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(backups, less)
}

// GetBackup returns the artifact with exactly this name.
func (s *BackupService) GetBackup(filename string) (models.Backup, error) {
	if err := checkFilename(filename); err != nil {
		return models.Backup{}, err
	}
	b, ok := s.parse(filename)
	if !ok {
		return models.Backup{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	info, err := os.Stat(b.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Backup{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return models.Backup{}, err
	}
	b.SizeBytes = info.Size()
	return b, nil
}

// VerifyBackup checks that the artifact is a sound SQLite database with at least one table.
func (s *BackupService) VerifyBackup(ctx context.Context, filename string) (models.Integrity, error) {
	b, err := s.GetBackup(filename)
	if err != nil {
		return models.Integrity{}, err
	}
	return verify(ctx, b.Path), nil
}

func verify(ctx context.Context, path string) models.Integrity {
	if err := database.Validate(ctx, path, nil); err != nil {
		return models.Integrity{Valid: false, Error: err.Error()}
	}
	db, err := database.OpenQueryOnly(path)
	if err != nil {
		return models.Integrity{Valid: false, Error: err.Error()}
	}
	defer db.Close()
	tables, err := database.Tables(ctx, db)
	if err != nil {
		return models.Integrity{Valid: false, Error: err.Error()}
	}
	return models.Integrity{Valid: true, Tables: tables}
}

// DeleteBackup removes exactly the named artifact.
func (s *BackupService) DeleteBackup(filename string) error {
	b, err := s.GetBackup(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(b.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return fmt.Errorf("delete backup %s: %w", filename, err)
	}
	log.Info().Str("file", filename).Msg("Backup deleted")
	recordEvent(s.eventService, "backup.delete", models.LevelInfo, "Deleted backup "+filename, &filename)
	return nil
}

// PruneBackups applies retention: daily snapshots older than the retention
// window are removed; monthly and user_full snapshots keep the newest N.
func (s *BackupService) PruneBackups(ctx context.Context, policy PrunePolicy) (PruneResult, error) {
	result := PruneResult{Deleted: []string{}, ByKind: map[models.BackupKind]int{}}
	all, err := s.ListBackups(ctx, ListOptions{SortBy: SortByCreatedAt, Desc: true})
	if err != nil {
		return result, err
	}

	cutoff := s.now().AddDate(0, 0, -policy.DailyRetentionDays)
	kept := map[models.BackupKind]int{}
	var errs []error
	for _, b := range all {
		var drop bool
		switch b.Kind {
		case models.KindDaily:
			drop = policy.DailyRetentionDays > 0 && b.CreatedAt.Before(cutoff)
		case models.KindMonthly:
			drop = policy.MonthlyKeep > 0 && kept[b.Kind] >= policy.MonthlyKeep
		case models.KindUserFull:
			drop = policy.UserFullKeep > 0 && kept[b.Kind] >= policy.UserFullKeep
		}
		if !drop {
			kept[b.Kind]++
			continue
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		result.Deleted = append(result.Deleted, b.Filename)
		result.ByKind[b.Kind]++
	}

	for kind, n := range result.ByKind {
		s.metrics.BackupPruned(string(kind), n)
	}
	if len(result.Deleted) > 0 {
		log.Info().Int("deleted", len(result.Deleted)).Msg("Pruned backups")
		recordEvent(s.eventService, "backup.prune", models.LevelInfo, fmt.Sprintf("Pruned %d backups", len(result.Deleted)), nil)
	}
	return result, errors.Join(errs...)
}

func (s *BackupService) parse(name string) (models.Backup, bool) {
	m := backupNamePattern.FindStringSubmatch(name)
	if m == nil {
		return models.Backup{}, false
	}
	created, err := time.ParseInLocation(backupTimeLayout, m[3], time.Local)
	if err != nil {
		return models.Backup{}, false
	}
	return models.Backup{
		Filename:  name,
		Path:      filepath.Join(s.backupPath, name),
		Kind:      models.BackupKind(m[1]),
		CreatedAt: created,
	}, true
}

func checkFilename(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
