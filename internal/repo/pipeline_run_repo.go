package repo

import (
	"context"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewPipelineRunRepo(db *gorm.DB) *PipelineRunRepo {
	return &PipelineRunRepo{
		Repository: orz.NewRepository[models.PipelineRun, string](db),
	}
}

type PipelineRunRepo struct {
	orz.Repository[models.PipelineRun, string]
}

// FindRecentByAccount 获取账户最近的流水线执行记录
func (r PipelineRunRepo) FindRecentByAccount(ctx context.Context, accountID string, limit int) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
