// Package store provides Repository implementations over pluggable key-value
// backends: in-memory (tests, embedding), filesystem (CLI), redis and s3
// (shared deployments).
//
// The repository serializes task, segment and mirror records as JSON
// documents; backends only need Put/Get/Delete/List semantics. Only the
// engine that owns a task mutates it, so read-modify-write cycles are
// serialized with a repository-level lock rather than backend transactions.
package store

import (
	"context"
	"errors"
)

// Common storage errors.
var (
	ErrKeyNotFound   = errors.New("key not found in store")
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// KV is the minimal contract a state backend must provide.
type KV interface {
	// Put stores a document under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Get retrieves the document at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the document at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
