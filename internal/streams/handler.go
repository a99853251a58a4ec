package streams

import (
	"context"
	"fmt"
	"log/slog"
)

// SubscriberLookup lists the enabled bots declaring a handler for an event
type SubscriberLookup interface {
	SubscribersOf(event string) []string
}

// EnqueueFunc queues one bot-event job
type EnqueueFunc func(ctx context.Context, botID string, ev Event) error

// FanOut returns a handler that enqueues one job per subscribed bot. The first
// enqueue failure aborts, leaving the entry pending; jobs already queued for
// earlier bots may be queued again on redelivery.
func FanOut(subscribers SubscriberLookup, enqueue EnqueueFunc) Handler {
	return func(ctx context.Context, ev Event) error {
		bots := subscribers.SubscribersOf(ev.Name)
		for _, botID := range bots {
			if err := enqueue(ctx, botID, ev); err != nil {
				return fmt.Errorf("failed to enqueue %s for bot %s: %w", ev.Name, botID, err)
			}
		}

		slog.Info("Dispatched domain event",
			"event", ev.Name,
			"manuscript_id", ev.ManuscriptID,
			"bots", len(bots),
		)
		return nil
	}
}
