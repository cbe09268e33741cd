// Package store provides the TTL-capable key-value facade backing all
// persistent broker state (session records and rate-limit counters).
//
// Values are opaque strings; callers serialize JSON themselves.  The single
// concrete implementation is Redis, but handlers and managers depend only on
// the Store interface so tests can substitute miniredis or an in-memory fake.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or its TTL has
// elapsed. It is the only "expected" error from the facade; everything else
// is a transport failure.
var ErrMiss = errors.New("store: key not found")

// Store is the minimal contract the broker needs from its key-value backend.
type Store interface {
	// SetEx stores value under key with the given TTL, overwriting any
	// previous value and resetting the TTL.
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error

	// Get returns the value stored under key, or ErrMiss when absent.
	Get(ctx context.Context, key string) (string, error)

	// IncrAndExpire atomically increments the integer counter at key and
	// (re)sets its TTL, returning the post-increment count.  The key is
	// created at 1 when absent.
	IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key.  A zero or negative
	// duration means the key is absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
