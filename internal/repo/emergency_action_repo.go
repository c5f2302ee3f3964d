package repo

import (
	"context"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewEmergencyActionRepo(db *gorm.DB) *EmergencyActionRepo {
	return &EmergencyActionRepo{
		Repository: orz.NewRepository[models.EmergencyAction, string](db),
	}
}

type EmergencyActionRepo struct {
	orz.Repository[models.EmergencyAction, string]
}

// FindRecentByAccount 获取账户最近的应急记录
func (r EmergencyActionRepo) FindRecentByAccount(ctx context.Context, accountID string, limit int) ([]models.EmergencyAction, error) {
	var actions []models.EmergencyAction
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}

// MarkResolvedByAccount 将账户所有未解除的应急记录标记为已解除，返回影响行数
func (r EmergencyActionRepo) MarkResolvedByAccount(ctx context.Context, accountID string) (int64, error) {
	db := r.GetDB(ctx)
	result := db.Table(r.GetTableName()).
		Where("account_id = ? and resolved_at is null", accountID).
		Update("resolved_at", time.Now())
	return result.RowsAffected, result.Error
}

// PurgeOlderThan 清理超过保留期的记录，返回删除数量
func (r EmergencyActionRepo) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	db := r.GetDB(ctx)
	result := db.Table(r.GetTableName()).
		Where("created_at < ?", cutoff).
		Delete(&models.EmergencyAction{})
	return result.RowsAffected, result.Error
}
