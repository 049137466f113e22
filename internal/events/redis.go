package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events over Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a redis-backed bus from a connection URL.
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes to the given channels and invokes fn for every
// decoded event until ctx is cancelled. Malformed payloads are skipped.
func (b *RedisBus) Listen(ctx context.Context, fn Subscriber, channels ...string) error {
	if len(channels) == 0 {
		channels = []string{ChannelAgent, ChannelTransaction, ChannelGlobal}
	}
	sub := b.client.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			fn(msg.Channel, &e)
		}
	}
}

var _ Bus = (*RedisBus)(nil)
