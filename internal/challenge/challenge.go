// Package challenge is the shared expiring key-value store for one-time
// secrets: OTP codes and WebAuthn ceremony state. Every value can be read
// exactly once, and a value that was never read disappears after its TTL,
// so several service instances can share the same store.
package challenge

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("challenge: not found or expired")
	ErrInvalidCode = errors.New("challenge: invalid code")
	ErrInvalidTTL  = errors.New("challenge: ttl must be positive")
)

// Store holds values with an explicit TTL. GetAndConsume is atomic: of two
// concurrent callers for the same key at most one receives the value.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetAndConsume(ctx context.Context, key string) ([]byte, error)
}
