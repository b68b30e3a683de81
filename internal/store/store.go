// Package store defines the shared key-value store contract used by the
// quota ledger, the document scope index, and the rate limiter.
//
// The contract is deliberately small: atomic integer operations, set
// operations, and expiring counters. Any store offering atomic numeric and
// set primitives with TTL satisfies it; the production implementation is
// Redis. State lives outside process memory so it survives gateway restarts
// and is shared across concurrently running gateway instances.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the shared store could not be reached.
// Callers treat it as a retryable internal failure, never as partial success.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// Store is the shared-store contract.
//
// All mutating operations are atomic per key: concurrent IncrBy calls on the
// same key never lose updates, and SAdd/SRem are set-wise atomic. This is
// what lets the gateway avoid in-process locks and read-modify-write cycles.
type Store interface {
	// GetInt64 returns the integer value at key, or 0 if the key is absent.
	GetInt64(ctx context.Context, key string) (int64, error)

	// IncrBy atomically adds delta to the integer at key, creating it at 0
	// first if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Incr is IncrBy with delta 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on key. Expired keys read as absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// SAdd adds members to the set at key, creating it if absent.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	// An absent key yields an empty slice, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
