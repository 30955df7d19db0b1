package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/isdelr/vaultkeep/internal/auth"
	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/isdelr/vaultkeep/internal/supervisor"
	"github.com/isdelr/vaultkeep/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSpawner struct{ calls int }

func (s *stubSpawner) Spawn(context.Context, supervisor.SpawnRequest) (procwatch.Identity, error) {
	s.calls++
	return procwatch.Identity{PID: 31337}, nil
}

type aliveChecker struct{}

func (aliveChecker) Alive(context.Context, int, *int64) (bool, error) { return true, nil }

type testAPI struct {
	router  http.Handler
	token   string
	backups *services.BackupService
	store   *journal.Store
	spawner *stubSpawner
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	live := filepath.Join(dir, "warehouse.db")
	db, err := database.New(live, 0)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	events := services.NewEventService(db)
	backups := services.NewBackupService(live, filepath.Join(dir, "backups"), events, m)
	store := journal.NewStore(filepath.Join(dir, "scratch", "restore_status.json"), filepath.Join(dir, "scratch", "archive"))
	spawner := &stubSpawner{}
	restores := services.NewRestoreService(backups, store, spawner, aliveChecker{}, events, m, "")
	authn, err := auth.New("test-secret", time.Hour, false)
	require.NoError(t, err)
	token, err := authn.GenerateToken("tester")
	require.NoError(t, err)

	router := NewRouter(Deps{
		Server:   config.Defaults().Server,
		Auth:     authn,
		Hub:      websocket.NewHub(),
		Metrics:  m.Handler(),
		Backups:  backups,
		Restores: restores,
		Events:   events,
		System:   services.NewSystemService(restores),
		Settings: settings.NewProvider(settings.NewSQLStore(db), settings.CachePolicy{}, settings.DefaultBackupSettings()),
	})
	return &testAPI{router: router, token: token, backups: backups, store: store, spawner: spawner}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	a := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/backups", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBackupLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/backups", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.KindUserFull, created.Kind)

	rec = a.do(t, http.MethodGet, "/api/v1/backups?kind=user_full&verify=true&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].Integrity)
	assert.True(t, listed[0].Integrity.Valid)

	rec = a.do(t, http.MethodGet, "/api/v1/backups/"+created.Filename+"/verify", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/backups/"+created.Filename, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodDelete, "/api/v1/backups/"+created.Filename, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRejectsBadQuery(t *testing.T) {
	a := newTestAPI(t)
	for _, q := range []string{"kind=hourly", "from=yesterday", "days_back=-1", "sort_by=color", "order=up", "verify=maybe"} {
		rec := a.do(t, http.MethodGet, "/api/v1/backups?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRestoreFlow(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/backups/user_full_missing_20240101_000000.db/restore", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/v1/restore/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	b, err := a.backups.CreateBackup(context.Background(), models.KindUserFull)
	require.NoError(t, err)

	rec = a.do(t, http.MethodPost, "/api/v1/backups/"+b.Filename+"/restore", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started services.RestoreStarted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, 31337, started.PID)
	assert.Equal(t, b.Filename, started.BackupFile)
	assert.Equal(t, journal.StatusInProgress, started.Status)

	rec = a.do(t, http.MethodGet, "/api/v1/restore/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status journal.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, b.Filename, status.BackupFile)

	// A second request while the worker is alive is a conflict.
	rec = a.do(t, http.MethodPost, "/api/v1/backups/"+b.Filename+"/restore", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), services.ErrConcurrentRestore.Error())

	// While the journal exists the database is off limits.
	rec = a.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, a.spawner.calls)

	rec = a.do(t, http.MethodGet, "/api/v1/system/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sys services.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sys))
	assert.True(t, sys.RestoreInProgress)
}

func TestRestoreRejectedWhileTerminalJournalAwaitsRestart(t *testing.T) {
	a := newTestAPI(t)
	b, err := a.backups.CreateBackup(context.Background(), models.KindUserFull)
	require.NoError(t, err)

	finished := journal.New(b.Filename, b.Path, "", time.Now())
	require.NoError(t, finished.Fail(time.Now(), "validating_integrity: boom"))
	require.NoError(t, a.store.Write(finished))

	rec := a.do(t, http.MethodPost, "/api/v1/backups/"+b.Filename+"/restore", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), services.ErrReconcilePending.Error())
	assert.Zero(t, a.spawner.calls)
}

func TestBackupSettings(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/settings/backup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s settings.BackupSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, settings.DefaultBackupSettings(), s)

	rec = a.do(t, http.MethodPut, "/api/v1/settings/backup", `{"schedule_enabled":false,"daily_retention_days":7,"monthly_keep":2,"user_full_keep":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/settings/backup", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.False(t, s.ScheduleEnabled)
	assert.Equal(t, 7, s.DailyRetentionDays)

	rec = a.do(t, http.MethodPut, "/api/v1/settings/backup", `{"daily_retention_days":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodPut, "/api/v1/settings/backup", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsRecorded(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/v1/backups", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "backup.create", events[0].Type)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vaultkeep_")
}
