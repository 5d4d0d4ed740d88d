package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowLua string

var fixedWindowScript = redis.NewScript(fixedWindowLua)

// RedisWindow is a fixed-window counter shared across instances. INCR and
// PEXPIRE run inside one Lua script, which Redis executes atomically.
type RedisWindow struct {
	rdb    redis.Scripter
	cfg    Config
	prefix string
}

// NewRedisWindow creates a Redis-backed limiter. prefix namespaces the keys
// of one limiter scope (e.g. "rl:otp:").
func NewRedisWindow(rdb redis.Scripter, prefix string, cfg Config) *RedisWindow {
	return &RedisWindow{rdb: rdb, cfg: cfg, prefix: prefix}
}

// Allow counts a hit for key.
func (w *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, w.rdb, []string{w.prefix + key}, w.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	resetAt := time.Now().Add(time.Duration(res[1]) * time.Millisecond)
	return decide(res[0], w.cfg.Limit, resetAt), nil
}

var _ Counter = (*RedisWindow)(nil)
