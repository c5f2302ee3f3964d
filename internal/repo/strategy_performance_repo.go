package repo

import (
	"context"
	"errors"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewStrategyPerformanceRepo(db *gorm.DB) *StrategyPerformanceRepo {
	return &StrategyPerformanceRepo{
		Repository: orz.NewRepository[models.StrategyPerformance, string](db),
	}
}

type StrategyPerformanceRepo struct {
	orz.Repository[models.StrategyPerformance, string]
}

// FindByAccountAndStrategy 查找账户下指定策略的表现记录，不存在时返回nil
func (r StrategyPerformanceRepo) FindByAccountAndStrategy(ctx context.Context, accountID, strategy string) (*models.StrategyPerformance, error) {
	var perf models.StrategyPerformance
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ? AND strategy = ?", accountID, strategy).
		First(&perf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &perf, nil
}

// FindByAccount 获取账户下所有策略的表现记录
func (r StrategyPerformanceRepo) FindByAccount(ctx context.Context, accountID string) ([]models.StrategyPerformance, error) {
	var perfs []models.StrategyPerformance
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Find(&perfs).Error
	return perfs, err
}
