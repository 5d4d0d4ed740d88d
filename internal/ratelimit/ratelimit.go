// Package ratelimit provides fixed-window rate limiting for OTP requests,
// concern reports and the public API.
//
// A window opens on the first hit for a key and expires Window later. Check
// and increment are a single atomic step per key, so concurrent requests
// cannot slip past the limit.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrLimited is returned by callers that translate a refused Decision into an error.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Config configures a fixed window.
type Config struct {
	// Limit is the maximum number of hits per key per window
	Limit int
	// Window is the window length, measured from the first hit
	Window time.Duration
}

// DefaultConfig returns the per-IP API defaults.
func DefaultConfig() Config {
	return Config{
		Limit:  120,
		Window: time.Minute,
	}
}

// Decision is the outcome of one counted hit.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// RetryAfter is how long until the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Counter counts one hit for key and reports whether it is within the limit.
type Counter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed: count <= int64(limit),
		Count:   int(count),
		Limit:   limit,
		ResetAt: resetAt,
	}
}
