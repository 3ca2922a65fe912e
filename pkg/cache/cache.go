// Package cache provides the bounded key/value store shared by the
// invalidation consumer and the query coordinator. All mutation goes through
// version-guarded primitives so concurrent refresh and invalidate operations
// on the same key cannot lose updates.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is not cached. A miss is never
// authoritative: eviction under memory pressure is silent, and callers must
// fall through to the record store.
var ErrMiss = errors.New("cache miss")

// Entry is a cached record value. Version is the commit sequence of the last
// applied change; it is monotonically non-decreasing for a given key.
// Deleted marks a tombstone: a short-lived negative marker installed by a
// delete event to stop stale re-population races.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	Deleted   bool
	ExpiresAt time.Time // zero means no expiry
}

// Expired reports whether the entry's TTL has lapsed. Expired entries may
// still be returned by Get so the read path can degrade to serving stale
// data during a store outage.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache is the store boundary: get, version-guarded put, version-guarded
// invalidation, and tombstoning delete. Implementations must make each
// mutation atomic per key.
type Cache interface {
	// Get returns the entry for key, or ErrMiss. Tombstones and expired
	// entries are returned as-is; interpretation is the caller's.
	Get(ctx context.Context, key string) (Entry, error)

	// PutIfNewer stores e only if e.Version is strictly greater than the
	// current version for the key. Returns whether the write was applied.
	// This is the idempotence primitive: redelivered events are no-ops.
	PutIfNewer(ctx context.Context, e Entry, ttl time.Duration) (bool, error)

	// Invalidate removes the entry for key unless the cached version is
	// already newer than version. Returns whether anything was evicted.
	Invalidate(ctx context.Context, key string, version int64) (bool, error)

	// Delete installs a tombstone for key with the given version and a short
	// negative TTL, unless the cached version is strictly newer. Deleting an
	// absent key is a safe no-op that still leaves the tombstone.
	Delete(ctx context.Context, key string, version int64, negTTL time.Duration) error

	// Len reports the number of resident entries, tombstones included.
	Len(ctx context.Context) (int, error)

	Close() error
}
