// Package ephemeral defines the TTL key-value contract backing every
// short-lived record the spec describes: authorization codes, challenges,
// revocation entries, DPoP jti replay guards, PAR requests, device codes,
// and refresh-token families. Durable, long-lived records (clients, users,
// roles, signing keys) live in the relational storage package instead.
//
// Every domain package that keeps short-lived state (authcode, devicecode,
// par, refreshfamily, dpop, revoke) builds on this Store rather than owning
// its own storage backend: authcode, devicecode and refreshfamily advance a
// record's state with CompareAndSwap, dpop records proof jtis with SetNX, par
// consumes a pushed request with Get followed by Delete, and revoke writes
// its entries with Set. Because a
// single key always resolves to a single backing instance (one Redis
// keyspace, one in-memory map), CompareAndSwap on a given key gives the
// "durable single-instance actor keyed by a partitioning identifier"
// serialization the concurrency model requires, without any in-process
// locking.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("ephemeral: not found")

// Store is the TTL key-value contract. All methods must be safe for
// concurrent use by multiple request handlers and, in a multi-instance
// deployment, by multiple server processes.
type Store interface {
	// Get returns the current value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally stores value for key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value for key only if key does not already exist. It
	// returns false, nil if the key was already present.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap atomically replaces the value at key with newValue iff
	// the value currently stored is byte-identical to oldValue, refreshing
	// the TTL to ttl on success. If the key is missing, oldValue must be
	// nil for the swap to succeed (treating "absent" as a valid prior
	// state). It returns false, nil when the comparison fails — callers
	// must not treat that as an error, only as a failed compare-and-swap.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backing store is reachable, for health checks.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
