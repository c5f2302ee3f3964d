package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PerformanceService 策略表现统计服务
type PerformanceService struct {
	logger *zap.Logger

	*orz.Service
	*repo.StrategyPerformanceRepo
}

// NewPerformanceService 创建策略表现服务
func NewPerformanceService(db *gorm.DB, logger *zap.Logger) *PerformanceService {
	return &PerformanceService{
		logger:                  logger,
		Service:                 orz.NewService(db),
		StrategyPerformanceRepo: repo.NewStrategyPerformanceRepo(db),
	}
}

// RankedStrategy 带综合评分的策略
type RankedStrategy struct {
	Strategy    string  `json:"strategy"`
	Score       float64 `json:"score"`
	TradeCount  int     `json:"trade_count"`
	SuccessRate float64 `json:"success_rate"`
	AvgProfit   float64 `json:"avg_profit"`
}

// RecordOutcome 记录一次交易结果并更新策略统计
func (s *PerformanceService) RecordOutcome(ctx context.Context, accountID, strategy string, pnl float64) error {
	perf, err := s.StrategyPerformanceRepo.FindByAccountAndStrategy(ctx, accountID, strategy)
	if err != nil {
		return fmt.Errorf("failed to load strategy performance: %w", err)
	}

	now := time.Now()
	if perf == nil {
		perf = &models.StrategyPerformance{
			ID:        ulid.Make().String(),
			AccountID: accountID,
			Strategy:  strategy,
		}
	}

	perf.TradeCount++
	if pnl > 0 {
		perf.WinCount++
	}
	perf.TotalPnl += pnl
	perf.AvgProfit = perf.TotalPnl / float64(perf.TradeCount)
	perf.SuccessRate = float64(perf.WinCount) / float64(perf.TradeCount)
	perf.LastTradeAt = &now

	s.logger.Info("strategy outcome recorded",
		zap.String("account_id", accountID),
		zap.String("strategy", strategy),
		zap.Float64("pnl", pnl),
		zap.Float64("success_rate", perf.SuccessRate),
		zap.Int("trade_count", perf.TradeCount))

	return s.StrategyPerformanceRepo.Save(ctx, perf)
}

// GetRanking 按历史表现对策略排序，最优在前
// 统计读取失败时降级为原始顺序，不阻塞决策流程
func (s *PerformanceService) GetRanking(ctx context.Context, accountID string, strategies []string) []RankedStrategy {
	perfs, err := s.StrategyPerformanceRepo.FindByAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("failed to load strategy performances, fallback to unranked order",
			zap.String("account_id", accountID),
			zap.Error(err))
		result := make([]RankedStrategy, 0, len(strategies))
		for _, name := range strategies {
			result = append(result, RankedStrategy{Strategy: name})
		}
		return result
	}

	records := make(map[string]*models.StrategyPerformance, len(perfs))
	for i := range perfs {
		records[perfs[i].Strategy] = &perfs[i]
	}
	return rankFromRecords(strategies, records)
}

// rankFromRecords 计算综合评分并排序，无记录的策略取中性评分
func rankFromRecords(strategies []string, records map[string]*models.StrategyPerformance) []RankedStrategy {
	result := make([]RankedStrategy, 0, len(strategies))
	for _, name := range strategies {
		ranked := RankedStrategy{Strategy: name}
		if perf, ok := records[name]; ok && perf.TradeCount > 0 {
			ranked.TradeCount = perf.TradeCount
			ranked.SuccessRate = perf.SuccessRate
			ranked.AvgProfit = perf.AvgProfit
			ranked.Score = compositeScore(perf.SuccessRate, perf.AvgProfit, perf.TradeCount)
		} else {
			// 尚无战绩的策略给予中性分，避免新策略永远排不上
			ranked.SuccessRate = 0.5
			ranked.Score = compositeScore(0.5, 0, 0)
		}
		result = append(result, ranked)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}

// compositeScore 综合评分：胜率50% + 平均盈亏30% + 样本量20%
func compositeScore(successRate, avgProfit float64, tradeCount int) float64 {
	clamped := math.Max(-10, math.Min(10, avgProfit))
	profitScore := (clamped + 10) / 20
	volumeScore := math.Min(float64(tradeCount)/100.0, 1)
	return successRate*0.5 + profitScore*0.3 + volumeScore*0.2
}
