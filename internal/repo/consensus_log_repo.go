package repo

import (
	"context"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewConsensusLogRepo(db *gorm.DB) *ConsensusLogRepo {
	return &ConsensusLogRepo{
		Repository: orz.NewRepository[models.ConsensusLog, string](db),
	}
}

type ConsensusLogRepo struct {
	orz.Repository[models.ConsensusLog, string]
}

// FindByRunID 获取一次流水线执行的全部共识日志
func (r ConsensusLogRepo) FindByRunID(ctx context.Context, runID string) ([]models.ConsensusLog, error) {
	var logs []models.ConsensusLog
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
