package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/isdelr/vaultkeep/internal/database"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var required = []string{"users", "roles", "permissions"}

type env struct {
	dir      string
	live     string
	snapshot string
	store    *journal.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:      dir,
		live:     filepath.Join(dir, "data", "warehouse.db"),
		snapshot: filepath.Join(dir, "scratch", "pre_restore.db"),
		store:    journal.NewStore(filepath.Join(dir, "scratch", "restore_status.json"), filepath.Join(dir, "scratch", "archive")),
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(e.live), 0755))
	db, err := database.New(e.live, 0)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	require.NoError(t, db.Close())
	return e
}

func (e *env) exec(t *testing.T, query string) {
	t.Helper()
	db, err := database.New(e.live, 0)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(query)
	require.NoError(t, err)
}

func (e *env) countRoles(t *testing.T, path string) int {
	t.Helper()
	db, err := database.OpenQueryOnly(path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM roles").Scan(&n))
	return n
}

func (e *env) backup(t *testing.T, name string) string {
	t.Helper()
	db, err := database.New(e.live, 0)
	require.NoError(t, err)
	defer db.Close()
	dst := filepath.Join(e.dir, name)
	require.NoError(t, database.VacuumInto(context.Background(), db, dst))
	return dst
}

func (e *env) worker(services *recordingController) *Worker {
	return New(e.store, services, Options{
		LiveDBPath:       e.live,
		SnapshotPath:     e.snapshot,
		RequiredTables:   required,
		HandshakeTimeout: 200 * time.Millisecond,
		HandshakePoll:    10 * time.Millisecond,
	}, zerolog.Nop())
}

type recordingController struct {
	calls  []string
	failOn string
}

func (r *recordingController) Stop(context.Context) error {
	r.calls = append(r.calls, "stop")
	if r.failOn == "stop" {
		return errors.New("cannot stop")
	}
	return nil
}

func (r *recordingController) Start(context.Context) error {
	r.calls = append(r.calls, "start")
	return nil
}

func (r *recordingController) Name() string { return "recording" }

func TestRestoreRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.exec(t, "INSERT INTO roles (name) VALUES ('viewer')")
	before := e.countRoles(t, e.live)
	artifact := e.backup(t, "user_full_warehouse_20240101_020000.db")

	e.exec(t, "INSERT INTO roles (name) VALUES ('editor'), ('auditor')")
	e.exec(t, "CREATE TABLE scratch (id INTEGER)")
	require.Equal(t, before+2, e.countRoles(t, e.live))

	ctl := &recordingController{}
	w := e.worker(ctl)
	require.NoError(t, w.Run(context.Background(), artifact, ""))

	assert.Equal(t, StateCompleted, w.State())
	assert.Equal(t, []string{"stop", "start"}, ctl.calls)
	assert.Equal(t, before, e.countRoles(t, e.live))
	assert.NoFileExists(t, e.snapshot)

	db, err := database.OpenQueryOnly(e.live)
	require.NoError(t, err)
	defer db.Close()
	tables, err := database.Tables(context.Background(), db)
	require.NoError(t, err)
	assert.NotContains(t, tables, "scratch")

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	assert.True(t, rec.Steps.AllDone())
	require.NotNil(t, rec.WorkerPID)
	assert.Equal(t, os.Getpid(), *rec.WorkerPID)
	assert.NotNil(t, rec.WorkerStartedAt)
	assert.NotNil(t, rec.CompletedAt)
}

func TestIntegrityFailureLeavesSnapshot(t *testing.T) {
	e := newEnv(t)

	other := filepath.Join(e.dir, "other.db")
	db, err := database.New(other, 0)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE users (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, database.Checkpoint(context.Background(), db))
	require.NoError(t, db.Close())

	w := e.worker(&recordingController{})
	err = w.Run(context.Background(), other, "")
	require.ErrorIs(t, err, database.ErrIntegrityCheckFailed)
	assert.Equal(t, StateFailed, w.State())

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, journal.StageRestoringFromBackup, rec.Steps.LastCompleted())
	assert.Contains(t, rec.Message(), "validating_integrity")
	assert.FileExists(t, e.snapshot)
}

func TestInvalidArtifactFailsBeforeAnyStage(t *testing.T) {
	e := newEnv(t)
	bogus := filepath.Join(e.dir, "bogus.db")
	require.NoError(t, os.WriteFile(bogus, []byte("definitely not sqlite"), 0644))

	ctl := &recordingController{}
	w := e.worker(ctl)
	err := w.Run(context.Background(), bogus, "")
	require.ErrorIs(t, err, ErrInvalidArtifact)
	assert.Empty(t, ctl.calls)

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, journal.Stage(""), rec.Steps.LastCompleted())

	err = e.worker(ctl).Run(context.Background(), filepath.Join(e.dir, "missing.db"), "")
	assert.ErrorIs(t, err, ErrNotOwner, "a finished journal is not reclaimed")
}

func TestStopFailureIsTerminal(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	w := e.worker(&recordingController{failOn: "stop"})
	require.Error(t, w.Run(context.Background(), artifact, ""))

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.False(t, rec.Steps.StoppingServices)
	assert.NoFileExists(t, e.snapshot)
}

type trackedController struct {
	recordingController
	ids     []string
	resumed []string
}

func (r *trackedController) StopTracked(ctx context.Context) ([]string, error) {
	if err := r.Stop(ctx); err != nil {
		return r.ids[:1], err
	}
	return r.ids, nil
}

func (r *trackedController) StartTracked(_ context.Context, ids []string) error {
	r.calls = append(r.calls, "start-tracked")
	r.resumed = append(r.resumed, ids...)
	return nil
}

func TestTrackedServicesRecordedAndResumed(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	ctl := &trackedController{ids: []string{"web", "cron"}}
	w := New(e.store, ctl, Options{LiveDBPath: e.live, SnapshotPath: e.snapshot, RequiredTables: required}, zerolog.Nop())
	require.NoError(t, w.Run(context.Background(), artifact, ""))

	assert.Equal(t, []string{"stop", "start-tracked"}, ctl.calls)
	assert.Equal(t, []string{"web", "cron"}, ctl.resumed)
	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "cron"}, rec.StoppedServices)
}

func TestPartialStopIsRecorded(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	ctl := &trackedController{recordingController: recordingController{failOn: "stop"}, ids: []string{"web", "cron"}}
	w := New(e.store, ctl, Options{LiveDBPath: e.live, SnapshotPath: e.snapshot, RequiredTables: required}, zerolog.Nop())
	require.Error(t, w.Run(context.Background(), artifact, ""))

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.False(t, rec.Steps.StoppingServices)
	assert.Equal(t, []string{"web"}, rec.StoppedServices)
}

func TestUntrackedControllerLeavesStoppedServicesNull(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	require.NoError(t, e.worker(&recordingController{}).Run(context.Background(), artifact, ""))
	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Nil(t, rec.StoppedServices)
}

func TestTokenHandshake(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	rec := journal.New("a.db", artifact, "tok", time.Now())
	rec.AttachWorker(os.Getpid(), 0)
	require.NoError(t, e.store.Create(rec))

	w := e.worker(&recordingController{})
	require.NoError(t, w.Run(context.Background(), artifact, "tok"))

	got, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, got.Status)
	assert.NotZero(t, *got.WorkerStartedAt)
}

func TestForeignTokenIsNotTouched(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")

	rec := journal.New("a.db", artifact, "theirs", time.Now())
	require.NoError(t, e.store.Create(rec))
	before, err := e.store.ReadRaw()
	require.NoError(t, err)

	err = e.worker(&recordingController{}).Run(context.Background(), artifact, "mine")
	require.ErrorIs(t, err, ErrNotOwner)

	after, err := e.store.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHandshakeTimeoutFailsJournal(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")
	require.NoError(t, e.store.Create(journal.New("a.db", artifact, "tok", time.Now())))

	err := e.worker(&recordingController{}).Run(context.Background(), artifact, "tok")
	require.ErrorIs(t, err, ErrHandshakeTimeout)

	rec, err := e.store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
}

func TestMissingLiveDatabaseSkipsSnapshot(t *testing.T) {
	e := newEnv(t)
	artifact := e.backup(t, "a.db")
	require.NoError(t, os.Remove(e.live))
	for _, s := range []string{"-wal", "-shm"} {
		os.Remove(e.live + s)
	}

	require.NoError(t, e.worker(&recordingController{}).Run(context.Background(), artifact, ""))
	require.NoError(t, database.Validate(context.Background(), e.live, required))
}
