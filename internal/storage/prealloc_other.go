//go:build !linux

package storage

import "os"

// preallocate extends the file to size. Non-linux platforms rely on sparse
// truncation rather than a real block reservation.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
