package service

import (
	"testing"

	"github.com/dushixiang/argus/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeScore(t *testing.T) {
	// 胜率越高评分越高
	low := compositeScore(0.3, 1.0, 50)
	high := compositeScore(0.7, 1.0, 50)
	assert.Greater(t, high, low)

	// 平均盈亏越高评分越高
	losing := compositeScore(0.5, -5.0, 50)
	winning := compositeScore(0.5, 5.0, 50)
	assert.Greater(t, winning, losing)

	// 样本量饱和在100笔
	few := compositeScore(0.5, 1.0, 10)
	many := compositeScore(0.5, 1.0, 100)
	saturated := compositeScore(0.5, 1.0, 1000)
	assert.Greater(t, many, few)
	assert.Equal(t, many, saturated)
}

func TestRankFromRecords(t *testing.T) {
	records := map[string]*models.StrategyPerformance{
		StrategyMomentumFutures: {
			Strategy:    StrategyMomentumFutures,
			TradeCount:  80,
			SuccessRate: 0.70,
			AvgProfit:   4.2,
		},
		StrategyDeepAnalysis: {
			Strategy:    StrategyDeepAnalysis,
			TradeCount:  40,
			SuccessRate: 0.40,
			AvgProfit:   -1.5,
		},
	}

	ranked := rankFromRecords([]string{
		StrategyDeepAnalysis,
		StrategyMomentumFutures,
		StrategyPortfolioOptimization, // 无记录
	}, records)

	require.Len(t, ranked, 3)
	assert.Equal(t, StrategyMomentumFutures, ranked[0].Strategy)

	// 无记录的策略取中性分，应排在明显亏损的策略之前
	var positions = map[string]int{}
	for i, r := range ranked {
		positions[r.Strategy] = i
	}
	assert.Less(t, positions[StrategyPortfolioOptimization], positions[StrategyDeepAnalysis])
}

func TestRankFromRecords_EmptyRecordsKeepsOrder(t *testing.T) {
	ranked := rankFromRecords([]string{
		StrategyArbitrageHunter,
		StrategyMomentumFutures,
	}, map[string]*models.StrategyPerformance{})

	require.Len(t, ranked, 2)
	assert.Equal(t, StrategyArbitrageHunter, ranked[0].Strategy)
	assert.Equal(t, StrategyMomentumFutures, ranked[1].Strategy)
	assert.Equal(t, ranked[0].Score, ranked[1].Score)
}
