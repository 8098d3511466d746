package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/aoyama86/segpull/pkg/errors"
)

// PartSuffix marks in-flight download files. The bare destination name only
// ever holds validated, complete content.
const PartSuffix = ".part"

// PartPath returns the in-flight path for a destination.
func PartPath(destination string) string {
	return destination + PartSuffix
}

// PartFile is the preallocated scratch file segments write into. It
// satisfies io.WriterAt, so concurrent segments write their own offsets
// without coordination.
type PartFile struct {
	file        *os.File
	path        string
	destination string
}

// OpenPart opens (or creates) the part file for a destination and
// preallocates it to size when the size is known. Existing content is
// preserved for resume.
func OpenPart(destination string, size int64) (*PartFile, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to create destination directory")
	}

	path := PartPath(destination)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to open part file")
	}

	if size > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, errors.CodeStorageError, "failed to stat part file")
		}
		if info.Size() != size {
			if err := preallocate(f, size); err != nil {
				f.Close()
				return nil, errors.Wrap(err, errors.CodeStorageError, "failed to preallocate part file")
			}
		}
	}

	return &PartFile{file: f, path: path, destination: destination}, nil
}

// WriteAt writes at an absolute offset within the file.
func (p *PartFile) WriteAt(b []byte, off int64) (int, error) {
	return p.file.WriteAt(b, off)
}

// Sync flushes buffered writes to disk.
func (p *PartFile) Sync() error {
	return p.file.Sync()
}

// Close closes the file without renaming; the part file stays on disk for a
// later resume.
func (p *PartFile) Close() error {
	return p.file.Close()
}

// Path returns the on-disk part file path.
func (p *PartFile) Path() string {
	return p.path
}

// Finalize syncs, closes and renames the part file onto its destination.
// Only call after every segment completed and the checksum validated.
func (p *PartFile) Finalize() error {
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return errors.Wrap(err, errors.CodeStorageError, "failed to sync part file")
	}
	if err := p.file.Close(); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "failed to close part file")
	}
	if err := os.Rename(p.path, p.destination); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "failed to move completed file into place")
	}
	return nil
}

// Discard closes and deletes the part file, used on cancellation.
func (p *PartFile) Discard() error {
	p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CodeStorageError, "failed to remove part file")
	}
	return nil
}

// FindOrphanParts lists part files under dir that no known task claims.
// known maps absolute part paths still owned by tasks.
func FindOrphanParts(dir string, known map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to scan download directory")
	}

	var orphans []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PartSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if !known[path] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}
