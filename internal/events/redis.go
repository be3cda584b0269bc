package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events to a redis pub/sub channel. Delivery is best
// effort: subscribers that are offline miss events, which matches the
// fire-and-forget publisher contract.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to addr and verifies the connection with a ping.
func NewRedisSink(addr, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: connect %s: %w", addr, err)
	}

	if channel == "" {
		channel = "gate.events"
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Publish sends the event as JSON to the configured channel.
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

// Close releases the underlying client.
func (s *RedisSink) Close() error { return s.client.Close() }
