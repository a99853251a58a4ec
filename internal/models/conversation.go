package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation participant roles
const (
	ParticipantModerator = "MODERATOR"
	ParticipantMember    = "PARTICIPANT"
)

// Conversation is a discussion thread attached to exactly one manuscript
type Conversation struct {
	gorm.Model
	ManuscriptID uint       `gorm:"not null;index"`
	Title        string     `gorm:"not null;default:''"`
	Manuscript   Manuscript `gorm:"constraint:OnDelete:CASCADE;"`

	Participants []ConversationParticipant `gorm:"constraint:OnDelete:CASCADE;"`
}

// ConversationParticipant records an explicit invitation into a conversation
type ConversationParticipant struct {
	gorm.Model
	ConversationID uint   `gorm:"not null;uniqueIndex:idx_conversation_participant"`
	UserID         uint   `gorm:"not null;uniqueIndex:idx_conversation_participant"`
	Role           string `gorm:"not null;default:'PARTICIPANT'"`
}

// Privacy is the author-chosen floor on a message's visibility
type Privacy string

const (
	PrivacyPublic        Privacy = "PUBLIC"
	PrivacyAuthorVisible Privacy = "AUTHOR_VISIBLE"
	PrivacyReviewerOnly  Privacy = "REVIEWER_ONLY"
	PrivacyEditorOnly    Privacy = "EDITOR_ONLY"
	PrivacyAdminOnly     Privacy = "ADMIN_ONLY"
)

// Valid reports whether p is a known privacy level
func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyAuthorVisible, PrivacyReviewerOnly, PrivacyEditorOnly, PrivacyAdminOnly:
		return true
	}
	return false
}

// Message is a single post in a conversation
type Message struct {
	gorm.Model
	ConversationID uint            `gorm:"not null;index"`
	AuthorID       uint            `gorm:"not null;index"`
	Content        string          `gorm:"type:text;not null"`
	Privacy        Privacy         `gorm:"not null;default:'AUTHOR_VISIBLE'"`
	IsBot          bool            `gorm:"default:false"`
	Metadata       MessageMetadata `gorm:"type:jsonb;serializer:json"`
	Revision       int             `gorm:"not null;default:0"` // bumped on every metadata rewrite
}

// MessageMetadata carries bot bookkeeping and triggerable actions
type MessageMetadata struct {
	BotID   string          `json:"botId,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Actions []MessageAction `json:"actions,omitempty"`
}

// FindAction returns the action with the given id
func (m *MessageMetadata) FindAction(id string) (*MessageAction, bool) {
	for i := range m.Actions {
		if m.Actions[i].ID == id {
			return &m.Actions[i], true
		}
	}
	return nil, false
}

// MessageAction is a single-use button attached to a bot message
type MessageAction struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Handler      ActionHandler `json:"handler"`
	TargetUserID *uint         `json:"targetUserId,omitempty"`
	TargetRoles  []string      `json:"targetRoles,omitempty"`
	Triggered    bool          `json:"triggered"`
	TriggeredBy  *uint         `json:"triggeredBy,omitempty"`
	TriggeredAt  *time.Time    `json:"triggeredAt,omitempty"`
}

// ActionHandler names the bot action executed when a MessageAction is triggered
type ActionHandler struct {
	BotID  string            `json:"botId"`
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}
