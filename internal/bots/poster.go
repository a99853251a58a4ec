package bots

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// Poster stores bot messages and broadcasts them after the insert commits
type Poster struct {
	db     *gorm.DB
	pub    broadcast.Publisher
	logger *slog.Logger
}

// NewPoster creates a poster. pub may be nil to skip broadcasting.
func NewPoster(db *gorm.DB, pub broadcast.Publisher, logger *slog.Logger) *Poster {
	return &Poster{db: db, pub: pub, logger: logger}
}

// PostBotMessage writes out into the conversation as bot
func (p *Poster) PostBotMessage(ctx context.Context, conversationID uint, bot *Bot, out OutgoingMessage) (*models.Message, error) {
	if bot.Installation == nil || bot.Installation.UserID == 0 {
		return nil, fmt.Errorf("bot %s has no system account", bot.ID())
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("bot %s posted an empty message", bot.ID())
	}
	privacy := out.Privacy
	if privacy == "" {
		privacy = models.PrivacyAuthorVisible
	}

	actions := make([]models.MessageAction, len(out.Actions))
	copy(actions, out.Actions)
	for i := range actions {
		if actions[i].ID == "" {
			actions[i].ID = uuid.New().String()
		}
		if actions[i].Handler.BotID == "" {
			actions[i].Handler.BotID = bot.ID()
		}
	}

	msg := models.Message{
		ConversationID: conversationID,
		AuthorID:       bot.Installation.UserID,
		Content:        out.Content,
		Privacy:        privacy,
		IsBot:          true,
		Metadata: models.MessageMetadata{
			BotID:   bot.ID(),
			IsError: out.IsError,
			Actions: actions,
		},
	}
	if err := p.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to store bot message: %w", err)
	}

	if p.pub != nil {
		env := broadcast.Envelope{ConversationID: conversationID, Type: broadcast.EventMessage, MessageID: msg.ID}
		if err := p.pub.Publish(ctx, env); err != nil {
			p.logger.Warn("Failed to broadcast bot message",
				"bot_id", bot.ID(),
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
	return &msg, nil
}
