//go:build windows

// Package storage manages destination files: space preflight, preallocated
// .part files, and completion renames.
package storage

// AvailableSpace is not implemented on windows; downloads proceed without a
// space preflight.
func AvailableSpace(path string) (uint64, error) {
	return 0, nil
}

// CheckAvailableSpace is a no-op on windows.
func CheckAvailableSpace(path string, requiredBytes, minFree int64) error {
	return nil
}
