package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "restore_status.json"), filepath.Join(dir, "archive"))
	s.now = func() time.Time { return t0 }
	return s
}

func TestReadAbsent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read()
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	r := New("a.db", "/b/a.db", "tok", t0)
	r.AttachWorker(1234, 5678)
	require.NoError(t, r.CompleteStep(StageStoppingServices))
	require.NoError(t, s.Write(r))

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 1234, *got.WorkerPID)
	assert.Equal(t, int64(5678), *got.WorkerStartedAt)
	assert.True(t, got.OwnedBy("tok"))
	assert.True(t, got.Steps.StoppingServices)
	assert.True(t, got.StartedAt.Equal(t0))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left beside the journal")
}

func TestWriteRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	err := s.Write(&Record{Status: "paused"})
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestCreateIsExclusive(t *testing.T) {
	s := newTestStore(t)
	first := New("a.db", "/b/a.db", "one", t0)
	second := New("b.db", "/b/b.db", "two", t0)

	require.NoError(t, s.Create(first))
	require.ErrorIs(t, s.Create(second), ErrExists)

	got, err := s.Read()
	require.NoError(t, err)
	assert.True(t, got.OwnedBy("one"))
}

func TestReadCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{\"status\": "), 0644))

	_, err := s.Read()
	require.ErrorIs(t, err, ErrCorrupt)

	raw, err := s.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "{\"status\": ", string(raw))
}

func TestArchiveMovesAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	r := New("a.db", "/b/a.db", "", t0)
	require.NoError(t, s.Write(r))
	require.NoError(t, r.Fail(t0, "boom"))

	dst, err := s.Archive(r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.ArchiveDir(), "restore_status_20240101_020000.000000000.json"), dst)
	assert.NoFileExists(t, s.Path())

	archived, err := os.ReadFile(dst)
	require.NoError(t, err)
	got, err := Decode(archived)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	dst, err = s.Archive(r)
	require.NoError(t, err)
	assert.Empty(t, dst)

	list, err := s.Archived()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestArchiveNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(New("a.db", "/b/a.db", "", t0)))
		_, err := s.Archive(New("a.db", "/b/a.db", "", t0))
		require.NoError(t, err)
	}
	list, err := s.Archived()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestRemoveMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gone", "restore_status.json"), t.TempDir())
	assert.NoError(t, s.Remove())
}
