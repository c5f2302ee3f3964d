package repo

import (
	"context"
	"errors"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewTradeRepo(db *gorm.DB) *TradeRepo {
	return &TradeRepo{
		Repository: orz.NewRepository[models.Trade, string](db),
	}
}

type TradeRepo struct {
	orz.Repository[models.Trade, string]
}

// FindRecentTrades 获取账户最近的交易记录
func (r TradeRepo) FindRecentTrades(ctx context.Context, accountID string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ?", accountID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// FindRecentCloses 获取账户最近的平仓记录，用于统计连续亏损
func (r TradeRepo) FindRecentCloses(ctx context.Context, accountID string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ? AND type = ?", accountID, "close").
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// FindLastOpenBySymbol 查找某交易对最近一笔开仓，平仓时用来回溯策略归属
func (r TradeRepo) FindLastOpenBySymbol(ctx context.Context, accountID, symbol string) (*models.Trade, error) {
	var trade models.Trade
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ? AND symbol = ? AND type = ?", accountID, symbol, "open").
		Order("executed_at DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// CountOpensSince 统计指定时间后的开仓次数，用于单日交易上限
func (r TradeRepo) CountOpensSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var count int64
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("account_id = ? AND type = ? AND executed_at >= ?", accountID, "open", since).
		Count(&count).Error
	return count, err
}
