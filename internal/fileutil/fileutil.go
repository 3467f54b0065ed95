package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// TempSuffix marks in-progress destination files. Final paths never carry it,
// and the detector's default exclusions keep it out of admission.
const TempSuffix = ".fanout-partial"

// TempPathFor returns the temp file path colocated with the final path so the
// eventual rename stays on the same volume and therefore atomic.
func TempPathFor(finalPath string) string {
	return finalPath + TempSuffix
}

// IsTempPath reports whether a path carries the in-progress suffix.
func IsTempPath(path string) bool {
	return filepath.Ext(path) == TempSuffix
}

// EnsureParentDir creates the parent directory of path if missing.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// FreeSpace reports the bytes available to unprivileged writers on the
// filesystem containing path.
func FreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
