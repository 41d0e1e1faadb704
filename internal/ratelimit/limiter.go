// Package ratelimit implements sliding-window attempt limiting keyed by
// (identifier, source address). The auth service depends only on the Limiter
// contract; backends exist for a single process (in-memory map) and for
// multi-instance deployments (shared Redis store).
package ratelimit

import (
	"context"
	"time"
)

// Limiter counts attempts per (identifier, address) key within a trailing
// window. Allow does not itself register an attempt; callers record failed
// attempts explicitly and reset the key after a verified success.
type Limiter interface {
	// Allow reports whether another attempt is currently permitted.
	Allow(ctx context.Context, identifier, addr string) (bool, error)

	// Record registers an attempt at the current time.
	Record(ctx context.Context, identifier, addr string) error

	// Reset clears all recorded attempts for the key.
	Reset(ctx context.Context, identifier, addr string) error

	// RetryAfter returns how long until the key is allowed again.
	// Zero means the key is not currently limited.
	RetryAfter(ctx context.Context, identifier, addr string) (time.Duration, error)
}
