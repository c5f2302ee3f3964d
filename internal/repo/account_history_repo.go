package repo

import (
	"context"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewAccountHistoryRepo(db *gorm.DB) *AccountHistoryRepo {
	return &AccountHistoryRepo{
		Repository: orz.NewRepository[models.AccountHistory, string](db),
	}
}

type AccountHistoryRepo struct {
	orz.Repository[models.AccountHistory, string]
}

// FindInitialBalance 获取账户的初始余额记录
func (r AccountHistoryRepo) FindInitialBalance(ctx context.Context, accountID string) (m models.AccountHistory, err error) {
	db := r.GetDB(ctx)
	err = db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("recorded_at ASC").
		First(&m).Error
	return m, err
}

// FindPeakBalance 获取账户的峰值余额记录
func (r AccountHistoryRepo) FindPeakBalance(ctx context.Context, accountID string) (m models.AccountHistory, err error) {
	db := r.GetDB(ctx)
	err = db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("peak_balance DESC").
		First(&m).Error
	return m, err
}

// FindFirstSince 获取指定时间之后的第一条记录，用于计算日内盈亏基准
func (r AccountHistoryRepo) FindFirstSince(ctx context.Context, accountID string, since time.Time) (m models.AccountHistory, err error) {
	db := r.GetDB(ctx)
	err = db.Table(r.GetTableName()).
		Where("account_id = ? AND recorded_at >= ?", accountID, since).
		Order("recorded_at ASC").
		First(&m).Error
	return m, err
}

// FindAllOrderByRecordedAt 获取账户的全部历史记录（按时间排序）
func (r AccountHistoryRepo) FindAllOrderByRecordedAt(ctx context.Context, accountID string) ([]models.AccountHistory, error) {
	var histories []models.AccountHistory
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("recorded_at ASC").
		Find(&histories).Error
	return histories, err
}
