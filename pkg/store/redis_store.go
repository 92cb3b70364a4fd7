package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps entries in Redis under a profile namespace, so every
// device pointed at the same Redis and profile shares one durable store.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend builds a Redis-backed store.
func NewRedisBackend(addr, password, profile string) (*RedisBackend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: fmt.Sprintf("storefront:%s:", safeProfile(profile)),
	}, nil
}

func (s *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisBackend) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (s *RedisBackend) Close() error {
	return s.client.Close()
}
