// Package kvstore defines a small TTL'd key-value port used by the session
// manager for session records. Values are opaque bytes; keys are flat
// strings namespaced by the caller.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Expire for absent or expired keys.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the key-value port. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get retrieves the value for key. Returns ErrNotFound when the key is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Expire resets the key's ttl. Returns ErrNotFound for absent keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys with the given prefix. The idle reaper uses it to
	// enumerate session records; implementations may return expired keys,
	// callers must treat a subsequent ErrNotFound as already-reaped.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
