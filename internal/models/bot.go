package models

import (
	"time"

	"github.com/jimdaga/colloquium/internal/crypto"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var secretBox *crypto.SecretBox

// InitEncryption installs the box used to seal secret bot configuration.
// Must be called before any database operations involving BotInstallation.
func InitEncryption(base64Key string) error {
	box, err := crypto.NewSecretBox(base64Key)
	if err != nil {
		return err
	}
	secretBox = box
	return nil
}

// BotRun status constants
const (
	BotRunStatusPending    = "pending"
	BotRunStatusProcessing = "processing"
	BotRunStatusCompleted  = "completed"
	BotRunStatusFailed     = "failed"
)

// BotInstallation is a bot installed on the journal with its granted permissions
type BotInstallation struct {
	gorm.Model
	BotID       string         `gorm:"uniqueIndex;not null"`
	Name        string         `gorm:"not null"`
	Description string         `gorm:"type:text"`
	Version     string         `gorm:"not null"`
	Permissions []string       `gorm:"type:jsonb;serializer:json"`
	Events      []string       `gorm:"type:jsonb;serializer:json"`
	Config      map[string]any `gorm:"type:jsonb;serializer:json"`
	SecretKeys  []string       `gorm:"type:jsonb;serializer:json;column:secret_keys"`
	IsEnabled   bool           `gorm:"default:true"`
	UserID      uint           `gorm:"not null;index"` // the bot's system account
	User        User           `gorm:"constraint:OnDelete:CASCADE;"`
}

// HasPermission reports whether the installation was granted perm
func (b *BotInstallation) HasPermission(perm string) bool {
	for _, p := range b.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// BeforeSave seals every configured secret key
func (b *BotInstallation) BeforeSave(tx *gorm.DB) error {
	return b.transformSecrets(secretBox.Seal)
}

// AfterSave restores plaintext secrets on the in-memory row
func (b *BotInstallation) AfterSave(tx *gorm.DB) error {
	return b.transformSecrets(secretBox.Open)
}

// AfterFind opens sealed secrets after loading
func (b *BotInstallation) AfterFind(tx *gorm.DB) error {
	return b.transformSecrets(secretBox.Open)
}

func (b *BotInstallation) transformSecrets(fn func(string) (string, error)) error {
	if secretBox == nil {
		// Secrets stay plaintext until encryption is initialized (tests, local dev)
		return nil
	}
	for _, key := range b.SecretKeys {
		value, ok := b.Config[key].(string)
		if !ok || value == "" {
			continue
		}
		out, err := fn(value)
		if err != nil {
			return err
		}
		b.Config[key] = out
	}
	return nil
}

// BotRun tracks a single asynchronous bot execution
type BotRun struct {
	gorm.Model
	BotRunID     string         `gorm:"uniqueIndex;not null"`
	BotID        string         `gorm:"not null;index"`
	ManuscriptID uint           `gorm:"not null;index"`
	Trigger      string         `gorm:"not null"` // mention, event, pipeline, action
	Status       string         `gorm:"not null;default:'pending';index"`
	Input        datatypes.JSON `gorm:"type:jsonb"`
	Output       datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage string         `gorm:"column:error_message;type:text"`
	Attempts     int            `gorm:"not null;default:0"`
	StartedAt    *time.Time     `gorm:"column:started_at"`
	CompletedAt  *time.Time     `gorm:"column:completed_at"`
}
