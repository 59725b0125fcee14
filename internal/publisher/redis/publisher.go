// Package redis publishes dead letters onto a Redis list, so an operator can
// inspect or replay them with LRANGE / RPOP.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0").
	URL string
	// Key is the list dead letters are pushed onto. The topic passed to
	// Publish is used when Key is empty.
	Key            string
	ConnectTimeout time.Duration
}

// Publisher LPUSHes JSON payloads.
type Publisher struct {
	client *redis.Client
	key    string
}

// New connects and pings the server.
func New(opts Options) (*Publisher, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Publisher{client: client, key: opts.Key}, nil
}

// Publish pushes the JSON payload and returns the new list length as the id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	key := p.key
	if key == "" {
		key = topic
	}
	n, err := p.client.LPush(ctx, key, data).Result()
	if err != nil {
		return "", fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return fmt.Sprintf("%s:%d", key, n), nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
