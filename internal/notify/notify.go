// Package notify publishes structural change events to a Redis pub/sub
// channel. Delivery is best effort: a failed publish is logged and dropped,
// it never affects the committed mutation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Change is one structural mutation as subscribers see it.
type Change struct {
	Change string `json:"change"`
	NodeID string `json:"nodeId"`
	Kind   string `json:"kind,omitempty"`
	Title  string `json:"title,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     int64  `json:"at"`
}

// RedisNotifier fans change events out over one Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to Redis and verifies the connection before
// returning.
func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisNotifier{client: client, channel: channel}, nil
}

// NewRedisNotifierWithClient creates a notifier from an existing Redis client
func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Publish sends one change event. Errors are logged, not returned.
func (n *RedisNotifier) Publish(ctx context.Context, change Change) {
	if change.At == 0 {
		change.At = time.Now().Unix()
	}
	payload, err := json.Marshal(change)
	if err != nil {
		log.Printf("notify: marshal change: %v", err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Printf("notify: publish %s: %v", change.Change, err)
	}
}

// Close closes the Redis connection
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ping checks if Redis is reachable
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
