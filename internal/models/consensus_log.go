package models

import (
	"time"

	"gorm.io/gorm"
)

// ConsensusLog 共识模型通信日志
type ConsensusLog struct {
	ID               string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	AccountID        string         `gorm:"type:varchar(26);index" json:"account_id"`
	RunID            string         `gorm:"type:varchar(26);index" json:"run_id"` // 关联的流水线执行ID
	Symbol           string         `gorm:"type:varchar(20);index" json:"symbol"`
	Strategy         string         `gorm:"type:varchar(40)" json:"strategy"`
	Model            string         `json:"model"`             // 使用的AI模型
	Approve          bool           `json:"approve"`           // 模型是否赞成该信号
	Confidence       float64        `json:"confidence"`        // 模型给出的置信度 0~1
	Reasoning        string         `gorm:"type:longtext" json:"reasoning"`
	PromptTokens     int            `json:"prompt_tokens"`     // 提示词token数
	CompletionTokens int            `json:"completion_tokens"` // 完成token数
	Duration         int64          `json:"duration"`          // 请求耗时(毫秒)
	Error            string         `json:"error"`             // 错误信息(如果有)
	ExecutedAt       time.Time      `gorm:"not null;index" json:"executed_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (ConsensusLog) TableName() string {
	return "consensus_logs"
}
