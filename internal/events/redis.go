package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bidledger/internal/config"
)

// RedisPublisher publishes events with PUBLISH on a per-entity channel.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, event.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Channel(), err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
