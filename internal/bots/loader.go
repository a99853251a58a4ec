package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jimdaga/colloquium/internal/models"
	"gorm.io/gorm"
)

// botEmailDomain hosts the system accounts bots post as
const botEmailDomain = "bots.colloquium.local"

// Load discovers manifests in dir, pairs each with its compiled-in
// definition, syncs the installation rows and returns the registry.
//
// Non-fatal: a manifest without a definition, or whose default config fails
// its schema, is logged and skipped.
func Load(ctx context.Context, db *gorm.DB, dir string, defs []Definition, logger *slog.Logger) (*Registry, error) {
	manifests, err := DiscoverManifests(dir, logger)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Definition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	registry := NewRegistry()
	for _, m := range manifests {
		def, ok := byID[m.ID]
		if !ok {
			logger.Warn("Skipping bot manifest without a definition", "bot_id", m.ID)
			continue
		}
		if err := ValidateConfig(m.SchemaPath(), m.DefaultConfig); err != nil {
			logger.Warn("Skipping bot with invalid default config", "bot_id", m.ID, "error", err)
			continue
		}

		inst, err := SyncInstallation(ctx, db, m, def)
		if err != nil {
			logger.Warn("Failed to sync bot installation", "bot_id", m.ID, "error", err)
			continue
		}
		if err := registry.Register(&Bot{Manifest: m, Definition: def, Installation: inst}); err != nil {
			logger.Warn("Skipping duplicate bot", "bot_id", m.ID, "error", err)
			continue
		}
		logger.Info("Installed bot", "bot_id", m.ID, "version", m.Version, "enabled", inst.IsEnabled)
	}

	logger.Info("Loaded bots", "count", registry.Count(), "dir", dir)
	return registry, nil
}

// SyncInstallation upserts the bot's system user and installation row.
// Existing config and the enabled flag are operator state and are kept.
func SyncInstallation(ctx context.Context, db *gorm.DB, m *Manifest, def Definition) (*models.BotInstallation, error) {
	var inst models.BotInstallation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureBotUser(tx, m)
		if err != nil {
			return err
		}

		result := tx.Where("bot_id = ?", m.ID).First(&inst)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			config := make(map[string]any, len(m.DefaultConfig))
			for k, v := range m.DefaultConfig {
				config[k] = v
			}
			inst = models.BotInstallation{
				BotID:       m.ID,
				Name:        m.Name,
				Description: m.Description,
				Version:     m.Version,
				Permissions: m.Permissions,
				Events:      def.EventNames(),
				Config:      config,
				SecretKeys:  m.SecretKeys,
				IsEnabled:   m.IsEnabled(),
				UserID:      user.ID,
			}
			if err := tx.Create(&inst).Error; err != nil {
				return err
			}
			if !m.IsEnabled() {
				// is_enabled defaults to true, so false is written explicitly
				inst.IsEnabled = false
				return tx.Model(&inst).Update("is_enabled", false).Error
			}
			return nil
		} else if result.Error != nil {
			return result.Error
		}

		for k, v := range m.DefaultConfig {
			if _, ok := inst.Config[k]; !ok {
				if inst.Config == nil {
					inst.Config = map[string]any{}
				}
				inst.Config[k] = v
			}
		}
		inst.Name = m.Name
		inst.Description = m.Description
		inst.Version = m.Version
		inst.Permissions = m.Permissions
		inst.Events = def.EventNames()
		inst.SecretKeys = m.SecretKeys
		inst.UserID = user.ID
		return tx.Save(&inst).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync bot %s: %w", m.ID, err)
	}
	return &inst, nil
}

func ensureBotUser(tx *gorm.DB, m *Manifest) (*models.User, error) {
	email := fmt.Sprintf("%s@%s", m.ID, botEmailDomain)
	var user models.User
	result := tx.Where("email = ?", email).First(&user)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		user = models.User{Email: email, Name: m.Name, Role: models.UserRoleBot}
		if err := tx.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	} else if result.Error != nil {
		return nil, result.Error
	}

	if user.Name != m.Name || user.Role != models.UserRoleBot {
		if err := tx.Model(&user).Updates(map[string]interface{}{"name": m.Name, "role": models.UserRoleBot}).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}
