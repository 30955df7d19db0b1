// Package fsutil holds the small set of durable file operations the restore
// path depends on: copies that are fsynced, replaces that are atomic, and
// cleanup of SQLite sidecar files.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// SidecarSuffixes are the companion files SQLite keeps next to a database in WAL mode.
var SidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// Exists reports whether path exists. Errors other than "not exist" are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// SyncDir flushes directory metadata so a preceding rename survives a power loss.
// Windows does not support syncing a directory handle; there it only checks the
// directory can be opened.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && runtime.GOOS != "windows" {
		return err
	}
	return nil
}

// CopyFile copies src to dst, creating or truncating dst, and fsyncs the result.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}

// ReplaceFile atomically replaces dst with a copy of src. The copy is staged in
// a temporary file beside dst so the final rename never crosses filesystems;
// readers of dst see either the old or the new content, never a partial file.
// Stale SQLite sidecars of dst are removed before the rename.
func ReplaceFile(src, dst string) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := CopyFile(src, tmpName); err != nil {
		return err
	}
	if err := RemoveSidecars(dst); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return SyncDir(dir)
}

// RenameDurable renames src to dst and syncs the destination directory.
func RenameDurable(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(dst))
}

// RemoveSidecars deletes the -wal, -shm and -journal files of a database path.
func RemoveSidecars(dbPath string) error {
	var errs []error
	for _, suffix := range SidecarSuffixes {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveIfExists removes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteExclusive writes data to path only if path does not already exist.
// The content is written and synced under a temporary name and then hard-linked
// into place, so the file appears complete or not at all. It returns an error
// satisfying errors.Is(err, fs.ErrExist) when path is taken.
func WriteExclusive(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".new-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, path); err != nil {
		return err
	}
	return SyncDir(dir)
}
