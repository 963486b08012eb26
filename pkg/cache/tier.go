// Package cache provides the two-tier caching layer: a bounded
// in-process LRU tier in front of a durable shared tier, with reads
// promoting shared hits back into the local tier.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a cache miss.
	ErrNotFound = errors.New("cache: key not found")
	// ErrClosed reports use of a tier after Close.
	ErrClosed = errors.New("cache: tier closed")
)

// Tier is one cache level. Implementations must be safe for concurrent
// use. Get returns ErrNotFound on a miss; any other error means the
// tier itself failed.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePattern removes every key with the given prefix and reports
	// how many were dropped.
	DeletePattern(ctx context.Context, prefix string) (int, error)
	Close() error
}
