package database_test

import (
	"testing"

	"github.com/jimdaga/colloquium/internal/database"
	"github.com/jimdaga/colloquium/internal/database/dbtest"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDevDataIsIdempotent(t *testing.T) {
	db := dbtest.Open(t)

	require.NoError(t, database.SeedDevData(db))
	require.NoError(t, database.SeedDevData(db))

	var users, manuscripts, messages, assignments int64
	require.NoError(t, db.Model(&models.User{}).Count(&users).Error)
	require.NoError(t, db.Model(&models.Manuscript{}).Count(&manuscripts).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&messages).Error)
	require.NoError(t, db.Model(&models.ReviewAssignment{}).Where("due_at IS NOT NULL").Count(&assignments).Error)

	assert.Equal(t, int64(5), users)
	assert.Equal(t, int64(1), manuscripts)
	assert.Equal(t, int64(4), messages)
	assert.Equal(t, int64(2), assignments)
}
