package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/dontdude/goxec/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel job events travel on.
const DefaultChannel = "goxec:jobs:events"

// RedisFeed implements domain.StatusFeed using Redis Pub/Sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// Ensure RedisFeed satisfies the interface
var _ domain.StatusFeed = (*RedisFeed)(nil)

// NewRedisFeed returns a feed on channel. The caller owns the client.
func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{client: client, channel: channel, logger: slog.Default()}
}

// Broadcast publishes the event to every subscriber.
func (r *RedisFeed) Broadcast(ctx context.Context, event domain.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe subscribes to the channel and streams events to a Go channel
// until ctx is cancelled.
func (r *RedisFeed) Subscribe(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.JobEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event domain.JobEvent
				if err := sonic.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.Error("Failed to unmarshal event", "error", err)
					continue
				}

				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
