// Package cache holds the dashboard cache: the latest cycle's diff batch and
// derived metrics, published after each committed cycle for read-side
// consumers.
//
// The cache is explicitly owned and passed by reference; it is constructed
// once at process start and handed to the engine and to read-side accessors.
// There is no ambient global. The source of truth stays in the ledger; a
// cold or flushed cache only costs a recomputation.
package cache

import (
	"context"
	"time"
)

// Cache is the abstraction over the dashboard cache backends.
// MemoryCache serves development and single-instance deployments; RedisCache
// serves deployments where a dashboard process reads from a separate engine
// process.
type Cache interface {
	// Get retrieves a value by key. Returns ErrCacheMiss if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// GetOrSet retrieves a value or computes and stores it if missing.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// Error is a sentinel cache error.
type Error string

func (e Error) Error() string { return string(e) }

// ErrCacheMiss indicates the key was not found in cache.
const ErrCacheMiss Error = "cache miss"

// Well-known keys published by the engine after each committed cycle.
const (
	KeyLatestDiff   = "serialtrack:latest_diff"
	KeyDistribution = "serialtrack:metrics:distribution"
	KeyActivity     = "serialtrack:metrics:activity"
)
