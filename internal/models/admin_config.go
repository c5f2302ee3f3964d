package models

import (
	"time"

	"gorm.io/datatypes"
)

// SystemPrompt 共识模型系统提示词版本记录
type SystemPrompt struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	Version   int       `gorm:"uniqueIndex;not null" json:"version"`
	Content   string    `gorm:"type:longtext;not null" json:"content"`
	IsActive  bool      `gorm:"index;not null;default:false" json:"is_active"`
	Remark    string    `gorm:"size:500" json:"remark"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SystemPrompt) TableName() string {
	return "system_prompt"
}

// TradingConfig 运行时可调的全局交易参数
type TradingConfig struct {
	ID              string                      `gorm:"primaryKey;size:26" json:"id"`
	Symbols         datatypes.JSONSlice[string] `gorm:"type:json" json:"symbols"`   // 关注的交易对列表
	IntervalMinutes int                         `json:"interval_minutes"`           // 自动驾驶周期
	HaltTTLMinutes  int                         `json:"halt_ttl_minutes"`           // 风控暂停自动恢复时间
	RetentionDays   int                         `json:"retention_days"`             // 应急动作记录保留天数
	MaxBatchSize    int                         `json:"max_batch_size"`             // 聚合请求单批最大符号数
	CreatedAt       time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TradingConfig) TableName() string {
	return "trading_config"
}
