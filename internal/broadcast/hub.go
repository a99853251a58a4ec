// Package broadcast delivers conversation events to live subscribers, running
// every message through the visibility engine once per subscriber.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"gorm.io/gorm"
)

// Event types
const (
	EventMessage        = "message"
	EventMessageUpdated = "message-updated"
	EventPhaseChanged   = "phase-changed"
	EventStatusChanged  = "status-changed"
	EventHeartbeat      = "heartbeat"
)

// Envelope is one event addressed to a conversation. Message events carry
// only MessageID; the payload is projected per subscriber. Other events carry
// Data and are delivered unfiltered.
type Envelope struct {
	ConversationID uint   `json:"conversationId"`
	ManuscriptID   uint   `json:"manuscriptId,omitempty"`
	Type           string `json:"type"`
	MessageID      uint   `json:"messageId,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// IsMessage reports whether the envelope needs per-subscriber filtering
func (e Envelope) IsMessage() bool {
	return e.Type == EventMessage || e.Type == EventMessageUpdated
}

// Publisher pushes envelopes to subscribers, locally or through a relay
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Sink writes encoded events to one connection
type Sink interface {
	Send(event string, data []byte) error
}

// Subscriber is one live connection with the viewer resolved at subscribe time
type Subscriber struct {
	ID             string
	ConversationID uint
	Viewer         visibility.Viewer

	sink Sink
	once sync.Once
	done chan struct{}
}

// Done is closed when the hub drops the subscriber
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub is the process-wide registry of subscribers, keyed by conversation
type Hub struct {
	db     *gorm.DB
	engine *visibility.Engine
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint]map[string]*Subscriber
}

// NewHub creates an empty hub
func NewHub(db *gorm.DB, engine *visibility.Engine, logger *slog.Logger) *Hub {
	return &Hub{
		db:     db,
		engine: engine,
		logger: logger,
		subs:   make(map[uint]map[string]*Subscriber),
	}
}

// Subscribe registers sink for a conversation
func (h *Hub) Subscribe(conversationID uint, viewer visibility.Viewer, sink Sink) *Subscriber {
	sub := &Subscriber{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Viewer:         viewer,
		sink:           sink,
		done:           make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[string]*Subscriber)
		h.subs[conversationID] = set
	}
	set[sub.ID] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes sub, pruning the conversation when it empties
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.ConversationID]; ok {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.subs, sub.ConversationID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Count returns the number of subscribers of a conversation
func (h *Hub) Count(conversationID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// Conversations returns how many conversations have subscribers
func (h *Hub) Conversations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber, e.g. on shutdown
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[uint]map[string]*Subscriber)
	h.mu.Unlock()

	for _, set := range all {
		for _, sub := range set {
			sub.close()
		}
	}
}

func (h *Hub) subscribers(conversationID uint) []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[conversationID]
	out := make([]*Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// Publish delivers env to the conversation's subscribers. Write failures drop
// the failing subscriber and are never returned; only errors loading the
// message itself are.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	subs := h.subscribers(env.ConversationID)
	if len(subs) == 0 {
		return nil
	}

	if env.IsMessage() {
		return h.publishMessage(ctx, env, subs)
	}

	data, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", env.Type, err)
	}
	for _, sub := range subs {
		h.send(sub, env.Type, data)
	}
	return nil
}

func (h *Hub) publishMessage(ctx context.Context, env Envelope, subs []*Subscriber) error {
	var msg models.Message
	if err := h.db.WithContext(ctx).First(&msg, env.MessageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.logger.Warn("Broadcast message vanished", "message_id", env.MessageID)
			return nil
		}
		return fmt.Errorf("failed to load message %d: %w", env.MessageID, err)
	}

	manuscriptID := env.ManuscriptID
	if manuscriptID == 0 {
		var conv models.Conversation
		if err := h.db.WithContext(ctx).Select("id", "manuscript_id").First(&conv, msg.ConversationID).Error; err != nil {
			return fmt.Errorf("failed to load conversation %d: %w", msg.ConversationID, err)
		}
		manuscriptID = conv.ManuscriptID
	}

	snap, err := h.engine.LoadSnapshot(ctx, manuscriptID)
	if err != nil {
		return err
	}
	msgs := []models.Message{msg}
	authors, err := h.engine.PrefetchAuthors(ctx, snap, msgs)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		views, err := h.engine.ProjectPrefetched(ctx, sub.Viewer, snap, msgs, authors)
		if err != nil {
			h.logger.Error("Failed to project message for subscriber",
				"message_id", msg.ID,
				"subscriber", sub.ID,
				"error", err,
			)
			continue
		}
		if len(views) == 0 {
			continue
		}
		data, err := json.Marshal(views[0])
		if err != nil {
			h.logger.Error("Failed to encode message view", "message_id", msg.ID, "error", err)
			continue
		}
		h.send(sub, env.Type, data)
	}
	return nil
}

func (h *Hub) send(sub *Subscriber, event string, data []byte) {
	if err := sub.sink.Send(event, data); err != nil {
		h.logger.Warn("Dropping dead subscriber",
			"conversation_id", sub.ConversationID,
			"subscriber", sub.ID,
			"error", err,
		)
		h.Unsubscribe(sub)
	}
}
