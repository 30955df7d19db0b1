package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrIntegrityCheckFailed is returned when a database file is unreadable,
// fails SQLite's own check, or lacks a required table.
var ErrIntegrityCheckFailed = errors.New("database integrity check failed")

// DSN builds a modernc sqlite data source name with the given pragmas.
func DSN(path string, pragmas ...string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// New opens the live database in WAL mode so that readers are not blocked
// while a backup copy is taken.
func New(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	db, err := sql.Open("sqlite", DSN(path,
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"wal_autocheckpoint(1000)",
		"foreign_keys(1)",
	))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenQueryOnly opens an existing database file without allowing writes.
func OpenQueryOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", DSN(path, "busy_timeout(5000)", "query_only(1)"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate brings the application schema up to date.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Tables lists user tables, sorted.
func Tables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, rows.Err()
}

// MissingTables returns the entries of required that are not present in tables.
func MissingTables(tables, required []string) []string {
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// QuickCheck runs PRAGMA quick_check.
func QuickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

// Validate opens the file at path and verifies it is a sound SQLite database
// containing every required table. Any failure wraps ErrIntegrityCheckFailed.
func Validate(ctx context.Context, path string, required []string) error {
	db, err := OpenQueryOnly(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIntegrityCheckFailed, path, err)
	}
	defer db.Close()

	if err := QuickCheck(ctx, db); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityCheckFailed, err)
	}
	tables, err := Tables(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: list tables: %v", ErrIntegrityCheckFailed, err)
	}
	if len(tables) == 0 {
		return fmt.Errorf("%w: database has no tables", ErrIntegrityCheckFailed)
	}
	if missing := MissingTables(tables, required); len(missing) > 0 {
		return fmt.Errorf("%w: missing tables %s", ErrIntegrityCheckFailed, strings.Join(missing, ", "))
	}
	return nil
}

// Checkpoint folds the write-ahead log back into the main database file.
func Checkpoint(ctx context.Context, db *sql.DB) error {
	var busy, logFrames, checkpointed int
	if err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// VacuumInto writes a consistent, self-contained copy of db to dst.
// dst must not exist. Readers and writers of db are not blocked beyond a
// normal read transaction.
func VacuumInto(ctx context.Context, db *sql.DB, dst string) error {
	escaped := strings.ReplaceAll(dst, "'", "''")
	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+escaped+"'"); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}
