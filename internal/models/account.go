package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account 交易账户，每个账户独立运行自己的决策流水线
type Account struct {
	ID           string                      `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Name         string                      `gorm:"type:varchar(100);not null" json:"name"`
	Mode         string                      `gorm:"type:varchar(20);not null;default:'balanced'" json:"mode"` // conservative/balanced/aggressive/beast_mode
	Entitlements datatypes.JSONSlice[string] `gorm:"type:json" json:"entitlements"`                            // 允许使用的策略列表

	// 个性化覆盖：仅允许覆盖AI模型权重与决策频率，风控参数始终取模式默认值
	OverrideModelWeights datatypes.JSONMap `gorm:"type:json" json:"override_model_weights"`
	OverrideFrequencySec int               `gorm:"type:int;default:0" json:"override_frequency_sec"` // 0表示不覆盖

	Enabled            bool    `gorm:"not null;default:true" json:"enabled"`
	AutopilotIntensity int     `gorm:"type:int;default:2" json:"autopilot_intensity"` // 每个周期最多启动的任务数
	DailyTradeCeiling  int     `gorm:"type:int;default:20" json:"daily_trade_ceiling"`
	ProfitCeiling      float64 `gorm:"type:decimal(20,8);default:0" json:"profit_ceiling"`    // 已实现盈利达到该值后暂停自动交易，0表示不设上限
	MinBalanceFloor    float64 `gorm:"type:decimal(20,8);default:0" json:"min_balance_floor"` // 余额低于此值时跳过自动交易

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}
