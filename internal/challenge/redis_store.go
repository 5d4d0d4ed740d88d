package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps challenges in Redis with SET PX and reads them with
// GETDEL, so consumption is atomic across instances.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed challenge store. Keys are namespaced
// with prefix.
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAndConsume(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return raw, nil
}

var _ Store = (*RedisStore)(nil)
