package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one domain event. Returning an error leaves the entry
// pending so it is redelivered.
type Handler func(ctx context.Context, ev Event) error

// EventConsumer reads domain events with a consumer group
type EventConsumer struct {
	rdb          *redis.Client
	groupName    string
	consumerName string
	block        time.Duration
}

// NewEventConsumer creates the consumer group if needed and returns a consumer.
// The client's read timeout must exceed the 5s block.
func NewEventConsumer(ctx context.Context, rdb *redis.Client, consumerName string) (*EventConsumer, error) {
	// Start ID "0" means read from beginning if group is new
	err := rdb.XGroupCreateMkStream(ctx, StreamDomainEvents, GroupEventDispatchers, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &EventConsumer{
		rdb:          rdb,
		groupName:    GroupEventDispatchers,
		consumerName: consumerName,
		block:        5 * time.Second,
	}, nil
}

// Consume runs a blocking loop until ctx is cancelled
func (c *EventConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.poll(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Failed to read from stream", "error", err)
		}
	}
}

// poll reads and handles one batch, returning how many entries were acknowledged
func (c *EventConsumer) poll(ctx context.Context, handler Handler) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerName,
		Streams:  []string{StreamDomainEvents, ">"},
		Count:    10,
		Block:    c.block,
	}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		// Blocking reads time out when nothing arrives within the block window
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil
		}
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			payloadStr, ok := message.Values["payload"].(string)
			if !ok {
				slog.Error("Invalid event payload", "message_id", message.ID)
				c.ack(ctx, message.ID)
				continue
			}

			var ev Event
			if err := json.Unmarshal([]byte(payloadStr), &ev); err != nil {
				slog.Error("Failed to unmarshal event", "error", err, "message_id", message.ID)
				c.ack(ctx, message.ID)
				continue
			}

			if err := handler(ctx, ev); err != nil {
				slog.Error("Event handler failed", "error", err, "event", ev.Name, "manuscript_id", ev.ManuscriptID)
				// Entry stays in the PEL for redelivery
				continue
			}

			c.ack(ctx, message.ID)
			acked++
		}
	}
	return acked, nil
}

func (c *EventConsumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, StreamDomainEvents, c.groupName, id).Err(); err != nil {
		slog.Error("Failed to ACK message", "error", err, "message_id", id)
	}
}

// StartEventConsumer starts the consumer in a background goroutine and
// returns a stop function
func StartEventConsumer(rdb *redis.Client, consumerName string, handler Handler) (stop func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := NewEventConsumer(ctx, rdb, consumerName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	go func() {
		if err := consumer.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Event consumer stopped with error", "error", err)
		}
	}()

	slog.Info("Event consumer started", "consumer", consumerName)

	return cancel, nil
}
