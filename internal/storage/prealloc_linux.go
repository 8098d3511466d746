//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes with fallocate so concurrent positioned
// writes never race filesystem extension, falling back to truncate on
// filesystems without fallocate support.
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}
