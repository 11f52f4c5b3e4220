// Package util provides host sizing, file and formatting helpers.
package util

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MinFreeSpaceMB is the free space below which a warning is raised for the
// output directory (in MB).
const MinFreeSpaceMB = 100

// TempFile is a file written under a temporary name and moved into place
// once complete.
type TempFile struct {
	*os.File
	path   string
	target string
}

// Path returns the temporary path.
func (t *TempFile) Path() string { return t.path }

// Commit closes the file and renames it to its target path.
func (t *TempFile) Commit() error {
	if err := t.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", t.path, err)
	}
	if err := os.Rename(t.path, t.target); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", t.path, t.target, err)
	}
	t.path = ""
	return nil
}

// Cleanup closes and removes the temporary file. It is a no-op after
// Commit.
func (t *TempFile) Cleanup() error {
	if t.path == "" {
		return nil
	}
	closeErr := t.Close()
	if err := os.Remove(t.path); err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}
	return nil
}

// EnsureDirectoryWritable checks if a directory exists and is writable.
func EnsureDirectoryWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	// Check if directory is writable by attempting to create a test file
	testPath := filepath.Join(path, ".vp9pipe_write_test")
	f, err := os.Create(testPath)
	if err != nil {
		return fmt.Errorf("directory is not writable: %s", path)
	}
	_ = f.Close()
	_ = os.Remove(testPath)

	return nil
}

// GetAvailableSpace returns the available disk space in bytes for the given path.
// Returns 0 if the space cannot be determined.
func GetAvailableSpace(path string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return stat.Bavail * uint64(stat.Bsize)
}

// CheckDiskSpace reports whether path has at least MinFreeSpaceMB free and
// calls warn if not. Space that cannot be determined counts as sufficient.
func CheckDiskSpace(path string, warn func(format string, args ...any)) bool {
	available := GetAvailableSpace(path)
	if available == 0 {
		return true
	}

	availableMB := available / (1024 * 1024)
	if availableMB < MinFreeSpaceMB {
		if warn != nil {
			warn("Low disk space in %s: %d MB available (minimum recommended: %d MB)",
				path, availableMB, MinFreeSpaceMB)
		}
		return false
	}
	return true
}

// CreateTempFile creates a temporary file next to target. Commit moves it to
// target.
func CreateTempFile(target, prefix string) (*TempFile, error) {
	dir := filepath.Dir(target)
	if err := EnsureDirectoryWritable(dir); err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	randomSuffix, err := generateRandomString(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random string: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.tmp", prefix, randomSuffix)
	filePath := filepath.Join(dir, filename)

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}

	return &TempFile{File: f, path: filePath, target: target}, nil
}

// CleanupStaleTempFiles removes temporary files matching the prefix older than maxAge.
// Returns the number of files cleaned up.
func CleanupStaleTempFiles(dir, prefix string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	cleanedCount := 0
	now := time.Now()
	prefixMatch := prefix + "_"

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}

		// Only process files in the top level
		if d.IsDir() {
			if path != dir {
				return fs.SkipDir
			}
			return nil
		}

		name := d.Name()
		if !strings.HasPrefix(name, prefixMatch) || !strings.HasSuffix(name, ".tmp") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(path); err == nil {
				cleanedCount++
			}
		}
		return nil
	})
	if err != nil {
		return cleanedCount, fmt.Errorf("failed to read directory for cleanup: %w", err)
	}

	return cleanedCount, nil
}

// generateRandomString generates a random hex string of the given length.
func generateRandomString(length int) (string, error) {
	bytes := make([]byte, (length+1)/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
