package models

import (
	"time"

	"gorm.io/gorm"
)

// Global user roles
const (
	UserRoleUser   = "user"
	UserRoleEditor = "editor"
	UserRoleAdmin  = "admin"
	UserRoleBot    = "bot" // system account owned by a bot installation
)

// User represents a platform account with a global role
type User struct {
	gorm.Model
	Email       string `gorm:"uniqueIndex:idx_users_email_not_deleted,where:deleted_at IS NULL;not null"`
	Name        string `gorm:"not null;default:''"`
	Role        string `gorm:"not null;default:'user'"` // enum: user, editor, admin, bot
	LastLoginAt *time.Time
}

// IsBot reports whether the account belongs to a bot installation
func (u User) IsBot() bool {
	return u.Role == UserRoleBot
}
