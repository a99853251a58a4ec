package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RelayChannel is the pub/sub channel connecting workers to servers
const RelayChannel = "colloquium:broadcast"

// RedisPublisher publishes envelopes for every server's hub to deliver
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a publisher on an existing client
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish sends env over the relay channel
func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, RelayChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// StartRelay subscribes to the relay channel and feeds envelopes to hub.
// The subscription is confirmed before StartRelay returns.
func StartRelay(rdb *redis.Client, hub *Hub, logger *slog.Logger) (stop func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())

	pubsub := rdb.Subscribe(ctx, RelayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", RelayChannel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error("Invalid relay envelope", "error", err)
				continue
			}
			if err := hub.Publish(ctx, env); err != nil {
				logger.Error("Relay delivery failed",
					"conversation_id", env.ConversationID,
					"type", env.Type,
					"error", err,
				)
			}
		}
	}()

	logger.Info("Broadcast relay started", "channel", RelayChannel)

	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}
