package domain

import "time"

// SysConfig is a category/name settings row managed by the ConfigManager.
type SysConfig struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Sort      int       `json:"sort"`
	Type      string    `json:"type" gorm:"index:ix_config_type_name,priority:1"`
	Name      string    `json:"name" gorm:"index:ix_config_type_name,priority:2"`
	Value     string    `json:"value"`
	Remark    string    `json:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SysConfig) TableName() string {
	return "sys_config"
}

// SysOprLog records operator-visible actions taken through the admin API.
type SysOprLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	OprName   string    `json:"opr_name"`
	OptAction string    `json:"opt_action"`
	OptDesc   string    `json:"opt_desc"`
	OptTime   time.Time `json:"opt_time" gorm:"index"`
}

func (SysOprLog) TableName() string {
	return "sys_opr_log"
}
