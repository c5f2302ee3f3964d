package service

import (
	"context"
	"testing"

	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRiskProfile() ModeProfile {
	return ModeProfile{
		Name:                 "test",
		MaxDailyLossPercent:  4,
		MaxDrawdownPercent:   10,
		MaxLeverage:          5,
		MaxPositionPercent:   20,
		ProfitTargetPercent:  3,
		StopLossPercent:      1.5,
		CashReservePercent:   10,
		MaxParallelPositions: 2,
	}
}

func testPortfolio(total, available float64) *Portfolio {
	return &Portfolio{
		AccountID: "acc-1",
		Metrics: &AccountMetrics{
			TotalBalance: total,
			Available:    available,
		},
	}
}

func TestVolatilityBands_WidenWithVolatility(t *testing.T) {
	stop, target := volatilityBands(1, 2, 0)
	assert.Equal(t, 1.0, stop)
	assert.Equal(t, 2.0, target)

	stop, _ = volatilityBands(1, 2, 0.5)
	assert.Equal(t, 0.8, stop)

	stop, target = volatilityBands(1, 2, 3)
	assert.Equal(t, 1.3, stop)
	assert.Equal(t, 2.6, target)

	stop, _ = volatilityBands(1, 2, 6)
	assert.Equal(t, 1.6, stop)

	// 波动升高时区间只会变宽，不会变窄
	prev := 0.0
	for _, atr := range []float64{0.2, 1.2, 3.0, 7.0} {
		width, _ := volatilityBands(1, 2, atr)
		assert.GreaterOrEqual(t, width, prev, "atr %.1f", atr)
		prev = width
	}
}

func TestRiskService_SizePosition(t *testing.T) {
	svc := NewRiskService(newFakeExchange(), zap.NewNop())
	profile := testRiskProfile()
	portfolio := testPortfolio(10000, 9000)

	signal := &Signal{Symbol: "BTCUSDT", Side: SideLong, Confidence: 0.70, EntryPrice: 50000}
	err := svc.SizePosition(context.Background(), signal, portfolio, profile, 1.5)
	require.NoError(t, err)

	// 风险预算 200 / 1.5% 止损 = 13333 名义，被 20% 仓位上限压到 2000
	assert.InDelta(t, 0.04, signal.Quantity, 1e-9)
	assert.Equal(t, 3, signal.Leverage)
	assert.InDelta(t, 49250, signal.StopLoss, 1e-6)
	assert.InDelta(t, 51500, signal.TakeProfit, 1e-6)

	short := &Signal{Symbol: "ETHUSDT", Side: SideShort, Confidence: 0.70, EntryPrice: 3000}
	err = svc.SizePosition(context.Background(), short, portfolio, profile, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 3045, short.StopLoss, 1e-6)
	assert.InDelta(t, 2910, short.TakeProfit, 1e-6)
}

func TestRiskService_SizePositionHonorsCashReserve(t *testing.T) {
	svc := NewRiskService(newFakeExchange(), zap.NewNop())
	profile := testRiskProfile()

	// 可用余额扣掉底仓后为负，直接拒绝
	signal := &Signal{Symbol: "BTCUSDT", Side: SideLong, Confidence: 0.70, EntryPrice: 50000}
	err := svc.SizePosition(context.Background(), signal, testPortfolio(10000, 500), profile, 1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cash reserve")

	// 可投保证金不足时按剩余额度缩仓
	signal = &Signal{Symbol: "BTCUSDT", Side: SideLong, Confidence: 0.70, EntryPrice: 50000}
	err = svc.SizePosition(context.Background(), signal, testPortfolio(10000, 1100), profile, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.006, signal.Quantity, 1e-9)
}

func TestRiskService_RecommendLeverage(t *testing.T) {
	svc := NewRiskService(newFakeExchange(), zap.NewNop())

	high := ModeProfile{MaxLeverage: 10}
	assert.Equal(t, 8, svc.RecommendLeverage(0.90, high))
	assert.Equal(t, 5, svc.RecommendLeverage(0.78, high))
	assert.Equal(t, 3, svc.RecommendLeverage(0.66, high))
	assert.Equal(t, 2, svc.RecommendLeverage(0.50, high))

	capped := ModeProfile{MaxLeverage: 5}
	assert.Equal(t, 5, svc.RecommendLeverage(0.90, capped))

	floor := ModeProfile{MaxLeverage: 1}
	assert.Equal(t, 1, svc.RecommendLeverage(0.90, floor))
}

func TestRiskService_CanOpenNewPosition(t *testing.T) {
	svc := NewRiskService(newFakeExchange(), zap.NewNop())
	profile := testRiskProfile()

	portfolio := testPortfolio(10000, 9000)
	ok, _ := svc.CanOpenNewPosition(portfolio, profile)
	assert.True(t, ok)

	drawn := testPortfolio(10000, 9000)
	drawn.Metrics.DrawdownFromPeak = -12
	ok, reason := svc.CanOpenNewPosition(drawn, profile)
	assert.False(t, ok)
	assert.Contains(t, reason, "drawdown")

	full := testPortfolio(10000, 9000)
	full.Positions = []*exchange.Position{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}}
	ok, reason = svc.CanOpenNewPosition(full, profile)
	assert.False(t, ok)
	assert.Contains(t, reason, "position count")

	// MaxParallelPositions 为 0 表示不限持仓数
	unbounded := testRiskProfile()
	unbounded.MaxParallelPositions = 0
	ok, _ = svc.CanOpenNewPosition(full, unbounded)
	assert.True(t, ok)

	leveraged := testPortfolio(10000, 2000)
	leveraged.MarginUsedPct = 85
	ok, reason = svc.CanOpenNewPosition(leveraged, profile)
	assert.False(t, ok)
	assert.Contains(t, reason, "margin")
}

func TestRiskService_SweepPositions(t *testing.T) {
	ex := newFakeExchange()
	ex.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 0.5, EntryPrice: 50000, MarkPrice: 49000},
		{Symbol: "ETHUSDT", Side: SideShort, PositionAmount: -10, EntryPrice: 3000, MarkPrice: 2850},
		{Symbol: "SOLUSDT", Side: SideLong, PositionAmount: 20, EntryPrice: 150, MarkPrice: 151},
	}
	svc := NewRiskService(ex, zap.NewNop())

	closed, err := svc.SweepPositions(context.Background(), testRiskProfile())
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	orders := ex.recordedOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, "BTCUSDT", orders[0].symbol)
	assert.Equal(t, exchange.OrderSideSell, orders[0].side)
	assert.True(t, orders[0].reduceOnly)
	assert.Equal(t, "ETHUSDT", orders[1].symbol)
	assert.Equal(t, exchange.OrderSideBuy, orders[1].side)
	assert.InDelta(t, 10, orders[1].quantity, 1e-9)
}

func TestRiskService_SweepPositionsContinuesOnOrderFailure(t *testing.T) {
	ex := newFakeExchange()
	ex.failOrders["BTCUSDT"] = true
	ex.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 0.5, EntryPrice: 50000, MarkPrice: 49000},
		{Symbol: "ETHUSDT", Side: SideShort, PositionAmount: -10, EntryPrice: 3000, MarkPrice: 2850},
	}
	svc := NewRiskService(ex, zap.NewNop())

	closed, err := svc.SweepPositions(context.Background(), testRiskProfile())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
}

func TestRiskService_SetupSymbol(t *testing.T) {
	ex := newFakeExchange()
	svc := NewRiskService(ex, zap.NewNop())

	err := svc.SetupSymbol(context.Background(), "BTCUSDT", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, ex.leverages["BTCUSDT"])
	assert.Equal(t, exchange.MarginTypeIsolated, ex.marginTypes["BTCUSDT"])
}
