package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/isdelr/vaultkeep/internal/fsutil"
	"github.com/moby/sys/atomicwriter"
)

const archiveTimeLayout = "20060102_150405.000000000"

// Store persists the journal at a fixed path and archives finished records.
type Store struct {
	path       string
	archiveDir string
	now        func() time.Time
}

// NewStore returns a store for the journal at path, archiving into archiveDir.
func NewStore(path, archiveDir string) *Store {
	return &Store{path: path, archiveDir: archiveDir, now: time.Now}
}

// Path is the location of the live journal.
func (s *Store) Path() string { return s.path }

// ArchiveDir is where finished journals are kept.
func (s *Store) ArchiveDir() string { return s.archiveDir }

// Create writes rec only if no live journal exists. It is the lock acquisition
// for a new restore; a second caller gets ErrExists.
func (s *Store) Create(rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := fsutil.WriteExclusive(s.path, data, 0644); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create journal: %w", err)
	}
	return nil
}

// Write replaces the live journal with rec. Readers see either the previous
// record or rec in full.
func (s *Store) Write(rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return fsutil.SyncDir(filepath.Dir(s.path))
}

// Read returns the live record. It returns ErrAbsent when there is no journal
// and an error wrapping ErrCorrupt when the file cannot be understood.
func (s *Store) Read() (*Record, error) {
	data, err := s.ReadRaw()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ReadRaw returns the live journal bytes, or ErrAbsent.
func (s *Store) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return data, nil
}

// Exists reports whether a live journal file is present, readable or not.
func (s *Store) Exists() (bool, error) {
	return fsutil.Exists(s.path)
}

// Archive copies rec into the archive directory under a timestamped name and
// then removes the live journal. With no live journal it does nothing and
// returns "". The archive is append-only: existing entries are never replaced.
func (s *Store) Archive(rec *Record) (string, error) {
	exists, err := s.Exists()
	if err != nil {
		return "", fmt.Errorf("archive journal: %w", err)
	}
	if !exists {
		return "", nil
	}

	data, err := Encode(rec)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return "", fmt.Errorf("archive journal: %w", err)
	}

	base := "restore_status_" + s.now().Format(archiveTimeLayout)
	var dst string
	for i := 0; ; i++ {
		name := base + ".json"
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ".json"
		}
		dst = filepath.Join(s.archiveDir, name)
		err = fsutil.WriteExclusive(dst, data, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("archive journal: %w", err)
		}
	}

	if err := s.Remove(); err != nil {
		return dst, err
	}
	return dst, nil
}

// Remove deletes the live journal. A missing journal is not an error.
func (s *Store) Remove() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove journal: %w", err)
	}
	return fsutil.SyncDir(filepath.Dir(s.path))
}

// Archived lists archived journal files, oldest first.
func (s *Store) Archived() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.archiveDir, "restore_status_*.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
