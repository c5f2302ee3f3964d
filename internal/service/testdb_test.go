package service

import (
	"testing"

	"github.com/dushixiang/argus/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 打开内存数据库并迁移服务测试需要的表
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库按连接隔离，限制成单连接避免读到空库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Account{},
		&models.AccountHistory{},
		&models.Trade{},
		&models.EmergencyAction{},
		&models.PipelineRun{},
		&models.StrategyPerformance{},
		&models.ConsensusLog{},
		&models.AdminUser{},
		&models.SystemPrompt{},
		&models.TradingConfig{},
	)
	require.NoError(t, err)
	return db
}
