package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/domain"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Tables...))

	a := NewApplication(config.DefaultAppConfig)
	a.OverrideDB(db)
	a.configManager = NewConfigManager(a)
	return a
}

func TestConfigManagerRoundTrip(t *testing.T) {
	a := newTestApp(t)
	mgr := a.ConfigMgr()

	require.NoError(t, mgr.SetValue("ops", "IncidentRetentionDays", "30"))
	assert.Equal(t, "30", mgr.GetString("ops", "IncidentRetentionDays"))
	assert.EqualValues(t, 30, mgr.GetInt64("ops", "IncidentRetentionDays"))
	assert.Equal(t, 30, mgr.GetInt("ops", "IncidentRetentionDays"))

	// update replaces, not duplicates
	require.NoError(t, mgr.SetValue("ops", "IncidentRetentionDays", "60"))
	assert.Equal(t, "60", mgr.GetString("ops", "IncidentRetentionDays"))
	var count int64
	a.DB().Model(&domain.SysConfig{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestConfigManagerMissingKey(t *testing.T) {
	a := newTestApp(t)
	assert.Empty(t, a.GetSettingsStringValue("ops", "NoSuchKey"))
	assert.Zero(t, a.GetSettingsInt64Value("ops", "NoSuchKey"))
	assert.False(t, a.GetSettingsBoolValue("ops", "NoSuchKey"))
}

func TestConfigManagerBool(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.ConfigMgr().SetValue("ops", "NotifyEmailEnabled", "true"))
	assert.True(t, a.GetSettingsBoolValue("ops", "NotifyEmailEnabled"))
}

func TestCheckSettingsInitializesDefaults(t *testing.T) {
	a := newTestApp(t)
	a.checkSettings()
	a.checkSettings() // idempotent

	var count int64
	a.DB().Model(&domain.SysConfig{}).Count(&count)
	assert.EqualValues(t, int64(len(defaultConfigSchemas)), count)
	assert.Equal(t, "90", a.GetSettingsStringValue("ops", "IncidentRetentionDays"))
}
