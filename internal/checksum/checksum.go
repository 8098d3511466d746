// Package checksum validates completed downloads against expected digests.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/types"
)

// newHasher returns the hash implementation for an algorithm.
func newHasher(algorithm types.ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case types.ChecksumMD5:
		return md5.New(), nil
	case types.ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %q", algorithm)
	}
}

// ComputeFile streams the file through the hash and returns the hex digest.
// The file is never loaded into memory whole.
func ComputeFile(ctx context.Context, path string, algorithm types.ChecksumAlgorithm) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStorageError, "failed to open file for checksum")
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, errors.CodeStorageError, "failed to read file for checksum")
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyFile computes the file's digest and compares it case-insensitively
// against the expected hex string. A mismatch returns ErrChecksumMismatch
// with both digests in the message.
func VerifyFile(ctx context.Context, path string, algorithm types.ChecksumAlgorithm, expected string) error {
	actual, err := ComputeFile(ctx, path, algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s (%s)",
			errors.ErrChecksumMismatch, strings.ToLower(expected), actual, algorithm)
	}
	return nil
}
