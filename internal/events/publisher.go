package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Publisher fans transcript updates out to other processes. Messages are
// fire-and-forget; nothing is persisted.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close() error                               { return nil }

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes JSON payloads with PUBLISH.
type RedisPublisher struct {
	client redisClient
	prefix string
}

func NewRedisPublisher(ctx context.Context, redisURL, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Channel returns the prefixed channel name for a capture session.
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(channel), raw).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", p.Channel(channel), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NewPublisher returns a RedisPublisher when redisURL is set and a
// NopPublisher otherwise.
func NewPublisher(ctx context.Context, redisURL, prefix string) (Publisher, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NopPublisher{}, nil
	}
	return NewRedisPublisher(ctx, redisURL, prefix)
}
