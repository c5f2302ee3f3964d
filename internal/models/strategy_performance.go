package models

import (
	"time"

	"gorm.io/gorm"
)

// StrategyPerformance 策略历史表现，按账户与策略聚合
type StrategyPerformance struct {
	ID          string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	AccountID   string         `gorm:"type:varchar(26);not null;uniqueIndex:idx_account_strategy" json:"account_id"`
	Strategy    string         `gorm:"type:varchar(40);not null;uniqueIndex:idx_account_strategy" json:"strategy"`
	TradeCount  int            `gorm:"type:int;not null;default:0" json:"trade_count"`
	WinCount    int            `gorm:"type:int;not null;default:0" json:"win_count"`
	TotalPnl    float64        `gorm:"type:decimal(20,8);not null;default:0" json:"total_pnl"`
	AvgProfit   float64        `gorm:"type:decimal(20,8);not null;default:0" json:"avg_profit"`  // 平均每笔盈亏
	SuccessRate float64        `gorm:"type:decimal(10,4);not null;default:0" json:"success_rate"` // 胜率 0~1
	LastTradeAt *time.Time     `json:"last_trade_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (StrategyPerformance) TableName() string {
	return "strategy_performances"
}
