package collector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFactory builds publishers over a pub/sub channel.
type RedisFactory struct {
	addr    string
	channel string
}

// NewRedisFactory creates the factory for one channel.
func NewRedisFactory(addr, channel string) *RedisFactory {
	return &RedisFactory{addr: addr, channel: channel}
}

// Identity keys and labels this destination.
func (f *RedisFactory) Identity() string {
	return fmt.Sprintf("redis(addr=%s, channel=%s)", f.addr, f.channel)
}

// Build dials redis and verifies the connection with a ping.
func (f *RedisFactory) Build(ctx context.Context) (Handle, error) {
	client := redis.NewClient(&redis.Options{Addr: f.addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisHandle{client: client, channel: f.channel}, nil
}

type redisHandle struct {
	client  *redis.Client
	channel string
}

func (h *redisHandle) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.channel, body).Err()
}

func (h *redisHandle) Close() {
	_ = h.client.Close()
}
