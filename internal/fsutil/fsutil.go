// Package fsutil holds the filesystem helpers shared by every persistent
// component: path validation, directory creation and atomic file replacement.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcliao/agentdb/internal/errs"
)

// MemoryPath is the sentinel path that selects a purely in-memory store.
const MemoryPath = ":memory:"

// IsMemoryPath reports whether path is the in-memory sentinel.
func IsMemoryPath(path string) bool {
	return path == MemoryPath
}

// ValidatePath rejects paths that are empty or contain null bytes.
// The in-memory sentinel is always accepted.
func ValidatePath(op, path string) error {
	if IsMemoryPath(path) {
		return nil
	}
	if path == "" {
		return errs.Validation(op, "path is required")
	}
	if strings.ContainsRune(path, 0) {
		return errs.Security(op, "path contains null byte")
	}
	return nil
}

// EnsureDir creates the parent directory of path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path. A crash at any point leaves either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpPath) // best-effort cleanup
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename %s: %w", path, err)
	}
	return nil
}

// FileSize returns the size of path, or 0 when it does not exist.
func FileSize(path string) int64 {
	if IsMemoryPath(path) {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// SaveCorrupt writes data next to path as path.corrupt-<unix nanos> and
// returns the name it used.
func SaveCorrupt(path string, data []byte) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := WriteFileAtomic(aside, data, 0o644); err != nil {
		return "", err
	}
	return aside, nil
}
