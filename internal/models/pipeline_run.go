package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineRun 决策流水线执行记录
type PipelineRun struct {
	ID            string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	AccountID     string         `gorm:"type:varchar(26);not null;index" json:"account_id"`
	TriggerSource string         `gorm:"type:varchar(20);not null" json:"trigger_source"` // manual/autopilot
	Mode          string         `gorm:"type:varchar(20);not null" json:"mode"`           // 执行时生效的交易模式
	Status        string         `gorm:"type:varchar(20);not null;index" json:"status"`   // completed/failed/halted
	Phases        datatypes.JSON `gorm:"type:json" json:"phases"`                         // 各阶段执行记录
	FailedPhase   string         `gorm:"type:varchar(30)" json:"failed_phase"`            // 失败时终止于哪个阶段
	TradesPlaced  int            `gorm:"type:int" json:"trades_placed"`                   // 本次下单数量
	DurationMs    int64          `gorm:"type:bigint" json:"duration_ms"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName 指定表名
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}
