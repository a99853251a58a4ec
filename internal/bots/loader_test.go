package bots

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSyncsInstallations(t *testing.T) {
	db := dbtest.Open(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "welcome", ManifestFile), `id: welcome
name: Reviewer Welcome
version: 1.0.0
permissions: [read_manuscript, manage_reviewers]
default_config:
  greeting: Hello
`)
	writeFile(t, filepath.Join(dir, "orphan", ManifestFile), "id: orphan\nversion: 1.0.0\n")
	writeFile(t, filepath.Join(dir, "strict", ManifestFile), `id: strict
version: 1.0.0
config_schema_path: schema.json
default_config:
  threshold: 5
`)
	writeFile(t, filepath.Join(dir, "strict", "schema.json"), `{"type":"object","properties":{"threshold":{"type":"number","maximum":1}}}`)

	defs := []Definition{
		{ID: "welcome", Events: map[string]EventHandler{"reviewer.assigned": nil}},
		{ID: "strict"},
	}
	ctx := context.Background()

	registry, err := Load(ctx, db, dir, defs, testLogger())
	require.NoError(t, err)
	require.Equal(t, 1, registry.Count(), "orphan has no definition and strict fails its schema")

	bot, ok := registry.Get("welcome")
	require.True(t, ok)
	assert.Equal(t, "Reviewer Welcome", bot.Name())
	assert.Equal(t, []string{"reviewer.assigned"}, bot.Installation.Events)
	assert.True(t, bot.Installation.HasPermission(PermManageReviewers))

	var user models.User
	require.NoError(t, db.First(&user, bot.Installation.UserID).Error)
	assert.True(t, user.IsBot())

	// Operator changes survive a reload; new default keys are merged in
	require.NoError(t, db.Model(&models.BotInstallation{}).Where("bot_id = ?", "welcome").
		Updates(map[string]interface{}{"is_enabled": false}).Error)
	var inst models.BotInstallation
	require.NoError(t, db.Where("bot_id = ?", "welcome").First(&inst).Error)
	inst.Config["greeting"] = "Welcome"
	require.NoError(t, db.Save(&inst).Error)

	writeFile(t, filepath.Join(dir, "welcome", ManifestFile), `id: welcome
name: Reviewer Welcome
version: 1.1.0
permissions: [read_manuscript, manage_reviewers]
default_config:
  greeting: Hello
  sign_off: The editors
`)
	registry, err = Load(ctx, db, dir, defs, testLogger())
	require.NoError(t, err)
	bot, ok = registry.Get("welcome")
	require.True(t, ok)
	assert.False(t, bot.Enabled())
	assert.Equal(t, "1.1.0", bot.Installation.Version)
	assert.Equal(t, "Welcome", bot.Installation.Config["greeting"])
	assert.Equal(t, "The editors", bot.Installation.Config["sign_off"])

	var users int64
	require.NoError(t, db.Model(&models.User{}).Where("role = ?", models.UserRoleBot).Count(&users).Error)
	assert.Equal(t, int64(1), users)
}
