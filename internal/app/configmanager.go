package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/pkg/common"
)

const configCacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// ConfigManager reads category/name settings rows with a short-lived cache
// so hot paths do not hit the database on every lookup.
type ConfigManager struct {
	app   DBProvider
	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(app DBProvider) *ConfigManager {
	return &ConfigManager{
		app:   app,
		cache: make(map[string]cachedValue),
	}
}

func (m *ConfigManager) GetString(category, name string) string {
	key := category + "." + name

	m.mu.RLock()
	if c, ok := m.cache[key]; ok && time.Since(c.loadedAt) < configCacheTTL {
		m.mu.RUnlock()
		return c.value
	}
	m.mu.RUnlock()

	var row domain.SysConfig
	err := m.app.DB().Where("type = ? and name = ?", category, name).First(&row).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			zap.L().Error("config lookup failed",
				zap.String("category", category),
				zap.String("name", name),
				zap.Error(err))
		}
		return ""
	}

	m.mu.Lock()
	m.cache[key] = cachedValue{value: row.Value, loadedAt: time.Now()}
	m.mu.Unlock()
	return row.Value
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.GetString(category, name))
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.GetString(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	v := m.GetString(category, name)
	return v == common.ENABLED || cast.ToBool(v)
}

// SetValue upserts a settings row and refreshes the cache entry.
func (m *ConfigManager) SetValue(category, name, value string) error {
	db := m.app.DB()
	var row domain.SysConfig
	err := db.Where("type = ? and name = ?", category, name).First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		err = db.Create(&domain.SysConfig{
			ID:    common.UUIDint64(),
			Type:  category,
			Name:  name,
			Value: value,
		}).Error
	case err == nil:
		err = db.Model(&domain.SysConfig{}).Where("id = ?", row.ID).
			Update("value", value).Error
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[category+"."+name] = cachedValue{value: value, loadedAt: time.Now()}
	m.mu.Unlock()
	return nil
}
