//go:build !windows

// Package storage manages destination files: space preflight, preallocated
// .part files, and completion renames.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/progress"
)

// AvailableSpace returns the bytes available to unprivileged users on the
// filesystem holding path. Missing path components are walked up until an
// existing directory is found.
func AvailableSpace(path string) (uint64, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "failed to resolve path")
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "failed to stat filesystem")
	}
	// #nosec G115 -- filesystem block counts fit uint64
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// CheckAvailableSpace fails when the download would not fit, or would leave
// less than minFree bytes behind.
func CheckAvailableSpace(path string, requiredBytes, minFree int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, err := AvailableSpace(path)
	if err != nil {
		return err
	}

	// #nosec G115 -- requiredBytes and minFree are validated non-negative
	need := uint64(requiredBytes) + uint64(minFree)
	if available < need {
		return errors.New(errors.CodeInsufficientSpace,
			fmt.Sprintf("insufficient disk space: need %s, available %s",
				progress.FormatBytes(requiredBytes+minFree),
				progress.FormatBytes(int64(available))))
	}
	return nil
}
