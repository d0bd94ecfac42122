package app

import (
	"strings"

	"go.uber.org/zap"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/pkg/common"
)

type configSchema struct {
	Key         string
	Default     string
	Description string
}

// defaultConfigSchemas are the settings rows every deployment gets on first
// boot. Operators tune them through the sys_config table afterwards.
var defaultConfigSchemas = []configSchema{
	{Key: "whatsapp.SendTimeoutSeconds", Default: "30", Description: "Outbound message send timeout"},
	{Key: "whatsapp.MigrateSweepMinutes", Default: "10", Description: "Linked-identifier thread migration sweep interval"},
	{Key: "ops.IncidentRetentionDays", Default: "90", Description: "Days to keep closed incidents before pruning"},
	{Key: "ops.OprLogRetentionDays", Default: "365", Description: "Days to keep operator action logs"},
	{Key: "ops.NotifyEmailEnabled", Default: common.DISABLED, Description: "Send incident notifications by email"},
}

func (a *Application) checkSettings() {
	// Iterate over all configuration definitions, checking and initializing
	// missing entries
	for sortid, schema := range defaultConfigSchemas {
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		category := parts[0]
		name := parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     common.UUIDint64(),
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", schema.Default))
		}
	}
}
