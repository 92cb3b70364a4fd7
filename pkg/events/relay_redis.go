package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "storefront:storage-changes"

// RedisRelay carries storage changes over Redis pub/sub, so every process
// pointed at the same Redis observes writes made by the others.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisRelay builds a relay publishing on channel.
func NewRedisRelay(addr, password, channel string) (*RedisRelay, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisRelay{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		channel: channel,
		logger:  slog.Default(),
	}, nil
}

func (r *RedisRelay) Broadcast(ctx context.Context, change StorageChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func(StorageChange)) (func() error, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no change published after
	// Listen returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	msgs := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			var change StorageChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn("discard malformed storage change", "channel", r.channel, "err", err)
				continue
			}
			deliver(change)
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			stopErr = sub.Close()
			<-done
		})
		return stopErr
	}
	return stop, nil
}

// Close releases the Redis connection pool.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
