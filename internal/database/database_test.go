package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader-space/internal/models"
)

func TestNewDatabase(t *testing.T) {
	db, err := NewDatabase("file::memory:")
	require.NoError(t, err)

	for _, m := range []interface{}{
		&models.Trade{}, &models.PositionLog{}, &models.Signal{}, &models.BrokerAPIKey{}, &models.PhemexTrade{},
	} {
		assert.True(t, db.Migrator().HasTable(m))
	}

	// Migrating twice keeps existing rows.
	require.NoError(t, db.Create(&models.Signal{Name: "s", Status: models.SignalStatusReceived}).Error)
	require.NoError(t, AutoMigrate(db))

	var count int64
	db.Model(&models.Signal{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
