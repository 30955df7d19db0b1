package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceFileSwapsContentAndDropsSidecars(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "live.db")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(dst+"-wal", []byte("wal"), 0644))
	require.NoError(t, os.WriteFile(dst+"-shm", []byte("shm"), 0644))

	require.NoError(t, ReplaceFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.NoFileExists(t, dst+"-wal")
	assert.NoFileExists(t, dst+"-shm")
	assert.FileExists(t, src)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestReplaceFileMissingSourceLeavesDestination(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "live.db")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0644))

	err := ReplaceFile(filepath.Join(dir, "absent.db"), dst)
	require.Error(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestWriteExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "lock.json")

	require.NoError(t, WriteExclusive(path, []byte("first"), 0644))
	err := WriteExclusive(path, []byte("second"), 0644)
	require.ErrorIs(t, err, fs.ErrExist)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveHelpers(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.db")

	assert.NoError(t, RemoveIfExists(p))
	assert.NoError(t, RemoveSidecars(p))

	require.NoError(t, os.WriteFile(p, nil, 0644))
	ok, err := Exists(p)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, RemoveIfExists(p))
	ok, err = Exists(p)
	require.NoError(t, err)
	assert.False(t, ok)
}
