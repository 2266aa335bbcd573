package pointer

import (
	"context"
	"fmt"
	"strings"

	"bhaichat/internal/domain"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bhaichat:"

// RedisKV implements domain.KV on a Redis server, so several clients of one
// user can share the active conversation pointer.
type RedisKV struct {
	client *goredis.Client
}

func NewRedisKV(ctx context.Context, redisURL string) (*RedisKV, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("pointer cache: redis url is not set")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pointer cache: invalid redis url: %w", err)
	}
	return NewRedisKVFromOptions(ctx, opts)
}

func NewRedisKVFromOptions(ctx context.Context, opts *goredis.Options) (*RedisKV, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pointer cache: redis ping failed: %w", err)
	}
	return &RedisKV{client: client}, nil
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err()
}

func (s *RedisKV) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisKV) Close() error {
	return s.client.Close()
}

var _ domain.KV = (*RedisKV)(nil)
