package models

import (
	"time"

	"gorm.io/datatypes"
)

// EmergencyAction 应急响应审计记录，处置内容落库后不再修改，恢复时仅回填 resolved_at
type EmergencyAction struct {
	ID             string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	AccountID      string         `gorm:"type:varchar(26);not null;index" json:"account_id"`
	Level          string         `gorm:"type:varchar(20);not null;index" json:"level"` // warning/critical/emergency
	PrevLevel      string         `gorm:"type:varchar(20)" json:"prev_level"`           // 升级前的等级
	Metrics        datatypes.JSON `gorm:"type:json" json:"metrics"`                     // 触发时的风险指标快照
	Actions        datatypes.JSON `gorm:"type:json" json:"actions"`                     // 已执行的子动作及结果
	SafeHavenAsset string         `gorm:"type:varchar(10)" json:"safe_haven_asset"`     // emergency级别选定的避险资产
	LatencyMs      int64          `gorm:"not null" json:"latency_ms"`                   // 从触发到落库的处置耗时(毫秒)
	Success        bool           `gorm:"not null" json:"success"`                      // 所有子动作是否全部成功
	ResolvedAt     *time.Time     `gorm:"index" json:"resolved_at"`                     // 人工恢复时间，空表示仍在生效
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName 指定表名
func (EmergencyAction) TableName() string {
	return "emergency_actions"
}
