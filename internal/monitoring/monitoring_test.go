package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/isdelr/vaultkeep/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackups struct {
	services.BackupServiceProvider
	existing []models.Backup
	listed   []services.ListOptions
	listErr  error
	created  []models.BackupKind
	pruned   []services.PrunePolicy
}

func (f *fakeBackups) ListBackups(_ context.Context, opts services.ListOptions) ([]models.Backup, error) {
	f.listed = append(f.listed, opts)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Backup
	for _, b := range f.existing {
		if opts.Kind != "" && b.Kind != opts.Kind {
			continue
		}
		if opts.From != nil && b.CreatedAt.Before(*opts.From) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeBackups) CreateBackup(_ context.Context, kind models.BackupKind) (models.Backup, error) {
	f.created = append(f.created, kind)
	return models.Backup{Kind: kind}, nil
}

func (f *fakeBackups) PruneBackups(_ context.Context, p services.PrunePolicy) (services.PruneResult, error) {
	f.pruned = append(f.pruned, p)
	return services.PruneResult{}, nil
}

type fakeRestores struct {
	services.RestoreServiceProvider
	inProgress bool
}

func (f *fakeRestores) InProgress() bool { return f.inProgress }

type fixedSettings struct {
	s   settings.BackupSettings
	err error
}

func (f fixedSettings) Backup(context.Context) (settings.BackupSettings, error) { return f.s, f.err }

func TestSchedulerRunBackup(t *testing.T) {
	cfg := config.ScheduleConfig{Enabled: true}
	on := fixedSettings{s: settings.DefaultBackupSettings()}

	t.Run("takes snapshot", func(t *testing.T) {
		b := &fakeBackups{}
		NewScheduler(cfg, b, &fakeRestores{}, on, zerolog.Nop()).RunBackup(context.Background(), models.KindDaily)
		assert.Equal(t, []models.BackupKind{models.KindDaily}, b.created)
	})

	t.Run("skips during restore", func(t *testing.T) {
		b := &fakeBackups{}
		NewScheduler(cfg, b, &fakeRestores{inProgress: true}, on, zerolog.Nop()).RunBackup(context.Background(), models.KindDaily)
		assert.Empty(t, b.created)
	})

	t.Run("skips when disabled at runtime", func(t *testing.T) {
		off := settings.DefaultBackupSettings()
		off.ScheduleEnabled = false
		b := &fakeBackups{}
		NewScheduler(cfg, b, &fakeRestores{}, fixedSettings{s: off}, zerolog.Nop()).RunBackup(context.Background(), models.KindMonthly)
		assert.Empty(t, b.created)
	})

	t.Run("skips when a backup of the kind exists for the period", func(t *testing.T) {
		now := time.Date(2024, 3, 15, 2, 0, 0, 0, time.Local)
		b := &fakeBackups{existing: []models.Backup{
			{Kind: models.KindDaily, CreatedAt: time.Date(2024, 3, 15, 0, 30, 0, 0, time.Local)},
			{Kind: models.KindMonthly, CreatedAt: time.Date(2024, 3, 1, 2, 0, 0, 0, time.Local)},
		}}
		s := NewScheduler(cfg, b, &fakeRestores{}, on, zerolog.Nop())
		s.now = func() time.Time { return now }

		s.RunBackup(context.Background(), models.KindDaily)
		s.RunBackup(context.Background(), models.KindMonthly)
		assert.Empty(t, b.created)
		require.Len(t, b.listed, 2)
		assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local), *b.listed[0].From)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local), *b.listed[1].From)
	})

	t.Run("older backups do not count", func(t *testing.T) {
		now := time.Date(2024, 3, 15, 2, 0, 0, 0, time.Local)
		b := &fakeBackups{existing: []models.Backup{
			{Kind: models.KindDaily, CreatedAt: time.Date(2024, 3, 14, 23, 59, 0, 0, time.Local)},
			{Kind: models.KindMonthly, CreatedAt: time.Date(2024, 2, 29, 2, 0, 0, 0, time.Local)},
			{Kind: models.KindUserFull, CreatedAt: time.Date(2024, 3, 15, 1, 0, 0, 0, time.Local)},
		}}
		s := NewScheduler(cfg, b, &fakeRestores{}, on, zerolog.Nop())
		s.now = func() time.Time { return now }

		s.RunBackup(context.Background(), models.KindDaily)
		s.RunBackup(context.Background(), models.KindMonthly)
		assert.Equal(t, []models.BackupKind{models.KindDaily, models.KindMonthly}, b.created)
	})

	t.Run("listing failure still takes the backup", func(t *testing.T) {
		b := &fakeBackups{listErr: errors.New("permission denied")}
		NewScheduler(cfg, b, &fakeRestores{}, on, zerolog.Nop()).RunBackup(context.Background(), models.KindDaily)
		assert.Equal(t, []models.BackupKind{models.KindDaily}, b.created)
	})

	t.Run("skips when disabled in config", func(t *testing.T) {
		b := &fakeBackups{}
		NewScheduler(config.ScheduleConfig{}, b, &fakeRestores{}, on, zerolog.Nop()).RunBackup(context.Background(), models.KindMonthly)
		assert.Empty(t, b.created)
	})
}

func TestSchedulerRunPrune(t *testing.T) {
	b := &fakeBackups{}
	s := settings.BackupSettings{ScheduleEnabled: true, DailyRetentionDays: 7, MonthlyKeep: 3, UserFullKeep: 5}
	NewScheduler(config.ScheduleConfig{Enabled: true}, b, &fakeRestores{}, fixedSettings{s: s}, zerolog.Nop()).RunPrune(context.Background())
	require.Len(t, b.pruned, 1)
	assert.Equal(t, services.PrunePolicy{DailyRetentionDays: 7, MonthlyKeep: 3, UserFullKeep: 5}, b.pruned[0])

	b = &fakeBackups{}
	NewScheduler(config.ScheduleConfig{Enabled: true}, b, &fakeRestores{}, fixedSettings{err: errors.New("db gone")}, zerolog.Nop()).RunPrune(context.Background())
	assert.Empty(t, b.pruned)
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	s := NewScheduler(config.ScheduleConfig{Enabled: true, DailyCron: "not a cron"}, &fakeBackups{}, nil, fixedSettings{}, zerolog.Nop())
	err := s.Serve(context.Background())
	assert.ErrorContains(t, err, "invalid cron expression")
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (h *recordingHub) BroadcastJSON(msg websocket.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func TestRestoreWatcher(t *testing.T) {
	dir := t.TempDir()
	store := journal.NewStore(filepath.Join(dir, "restore_status.json"), filepath.Join(dir, "archive"))
	hub := &recordingHub{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	var finished []*journal.Record
	w := NewRestoreWatcher(store, hub, m, time.Second, func(r *journal.Record) { finished = append(finished, r) }, zerolog.Nop())

	w.Check()
	assert.Empty(t, hub.msgs)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RestoreInProgress))

	rec := journal.New("daily_x_20240101_020000.db", "/b/daily_x_20240101_020000.db", "", time.Now())
	require.NoError(t, store.Write(rec))
	w.Check()
	w.Check()
	require.Len(t, hub.msgs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestoreInProgress))
	assert.Empty(t, finished)

	require.NoError(t, rec.Fail(time.Now(), "boom"))
	require.NoError(t, store.Write(rec))
	w.Check()
	require.Len(t, hub.msgs, 2)
	require.Len(t, finished, 1)
	assert.Equal(t, journal.StatusFailed, finished[0].Status)

	require.NoError(t, store.Remove())
	w.Check()
	require.Len(t, hub.msgs, 3)
	assert.Equal(t, websocket.ActionRestoreStatus, hub.msgs[2].Action)
	assert.Nil(t, hub.msgs[2].Payload)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RestoreInProgress))
}

func TestRestoreWatcherIgnoresStaleTerminalJournal(t *testing.T) {
	dir := t.TempDir()
	store := journal.NewStore(filepath.Join(dir, "restore_status.json"), filepath.Join(dir, "archive"))
	old := time.Now().Add(-time.Hour)
	rec := journal.New("daily_x_20240101_020000.db", "/b/daily_x_20240101_020000.db", "", old)
	require.NoError(t, rec.Fail(old, "boom"))
	require.NoError(t, store.Write(rec))

	called := false
	w := NewRestoreWatcher(store, nil, nil, time.Second, func(*journal.Record) { called = true }, zerolog.Nop())
	w.Check()
	assert.False(t, called)
}
