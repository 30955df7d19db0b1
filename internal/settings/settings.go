// Package settings serves runtime settings stored in the database through a
// provider object with an explicit cache policy.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const backupKey = "backup"

// ErrInvalid rejects settings that cannot be applied.
var ErrInvalid = errors.New("invalid settings")

// BackupSettings controls scheduled snapshots and retention.
type BackupSettings struct {
	ScheduleEnabled    bool `json:"schedule_enabled"`
	DailyRetentionDays int  `json:"daily_retention_days"`
	MonthlyKeep        int  `json:"monthly_keep"`
	UserFullKeep       int  `json:"user_full_keep"`
}

// DefaultBackupSettings is used until an operator stores their own.
func DefaultBackupSettings() BackupSettings {
	return BackupSettings{
		ScheduleEnabled:    true,
		DailyRetentionDays: 30,
		MonthlyKeep:        12,
		UserFullKeep:       60,
	}
}

// Validate rejects negative retention values. Zero keeps everything.
func (b BackupSettings) Validate() error {
	if b.DailyRetentionDays < 0 || b.MonthlyKeep < 0 || b.UserFullKeep < 0 {
		return fmt.Errorf("%w: retention values must not be negative", ErrInvalid)
	}
	return nil
}

// Store reads and writes raw setting values.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// SQLStore keeps settings in the system_settings table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store backed by db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	return err
}

// CachePolicy decides how long a loaded value is served before reloading.
// A zero TTL disables caching.
type CachePolicy struct {
	TTL time.Duration
}

// Provider caches settings from a Store.
type Provider struct {
	store    Store
	policy   CachePolicy
	defaults BackupSettings
	now      func() time.Time

	mu       sync.Mutex
	cached   *BackupSettings
	loadedAt time.Time
}

// NewProvider returns a provider that falls back to defaults for unset values.
func NewProvider(store Store, policy CachePolicy, defaults BackupSettings) *Provider {
	return &Provider{store: store, policy: policy, defaults: defaults, now: time.Now}
}

// Backup returns the current backup settings.
func (p *Provider) Backup(ctx context.Context) (BackupSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.policy.TTL > 0 && p.now().Sub(p.loadedAt) < p.policy.TTL {
		return *p.cached, nil
	}

	out := p.defaults
	raw, ok, err := p.store.Get(ctx, backupKey)
	if err != nil {
		return out, fmt.Errorf("load backup settings: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return p.defaults, fmt.Errorf("decode backup settings: %w", err)
		}
	}
	p.cached = &out
	p.loadedAt = p.now()
	return out, nil
}

// UpdateBackup validates and stores s, then drops the cache.
func (p *Provider) UpdateBackup(ctx context.Context, s BackupSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, backupKey, string(data)); err != nil {
		return fmt.Errorf("store backup settings: %w", err)
	}
	p.Invalidate()
	return nil
}

// Invalidate forces the next read to hit the store.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
