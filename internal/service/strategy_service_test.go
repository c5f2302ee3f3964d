package service

import (
	"context"
	"testing"

	"github.com/dushixiang/argus/internal/xe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshotWithRegime(regime string) *MarketSnapshot {
	return &MarketSnapshot{
		Overview: &MarketOverview{Regime: regime},
		Symbols:  make(map[string]*SymbolAnalysis),
	}
}

func trendingAnalysis(symbol string, bullish bool) *SymbolAnalysis {
	hourly := &TimeframeIndicators{
		Timeframe: "1h",
		Price:     50000,
		ADX:       31,
		Volume:    900,
		AvgVolume: 500,
	}
	confluence := "bullish"
	if bullish {
		hourly.EMA20, hourly.EMA50 = 49800, 49000
		hourly.MACD, hourly.MACDSignal = 120, 80
		hourly.RSI14 = 62
	} else {
		hourly.EMA20, hourly.EMA50 = 49000, 49800
		hourly.MACD, hourly.MACDSignal = -120, -80
		hourly.RSI14 = 38
		confluence = "bearish"
	}
	return &SymbolAnalysis{
		Symbol:          symbol,
		Price:           50000,
		Confluence:      confluence,
		ConfluenceCount: 4,
		Timeframes:      map[string]*TimeframeIndicators{"1h": hourly},
	}
}

func TestStrategyService_Candidates(t *testing.T) {
	s := NewStrategyService(zap.NewNop())
	entitled := []string{StrategyMomentumFutures, StrategyPortfolioOptimization, StrategyDeepAnalysis, "GhostStrategy"}

	trending := snapshotWithRegime("trending_up")
	assert.Equal(t, []string{StrategyMomentumFutures, StrategyDeepAnalysis}, s.Candidates(entitled, trending))

	ranging := snapshotWithRegime("ranging")
	assert.Equal(t, []string{StrategyPortfolioOptimization, StrategyDeepAnalysis}, s.Candidates(entitled, ranging))
}

func TestStrategyService_Get(t *testing.T) {
	s := NewStrategyService(zap.NewNop())

	strategy, err := s.Get(StrategyArbitrageHunter)
	require.NoError(t, err)
	assert.Equal(t, StrategyArbitrageHunter, strategy.Name())

	_, err = s.Get("GhostStrategy")
	assert.ErrorIs(t, err, xe.ErrUnknownStrategy)
}

func TestMomentumStrategy_FollowsTrend(t *testing.T) {
	snapshot := snapshotWithRegime("trending_up")
	snapshot.Symbols["BTCUSDT"] = trendingAnalysis("BTCUSDT", true)
	snapshot.Symbols["ETHUSDT"] = trendingAnalysis("ETHUSDT", false)

	// 没有明确方向的符号不产生信号
	choppy := trendingAnalysis("SOLUSDT", true)
	choppy.Timeframes["1h"].MACD = 10
	choppy.Timeframes["1h"].MACDSignal = 50
	snapshot.Symbols["SOLUSDT"] = choppy

	strategy := &momentumStrategy{}
	signals, err := strategy.Generate(context.Background(), snapshot, ModeProfile{})
	require.NoError(t, err)
	require.Len(t, signals, 2)

	bySymbol := make(map[string]*Signal)
	for _, signal := range signals {
		bySymbol[signal.Symbol] = signal
	}

	long := bySymbol["BTCUSDT"]
	require.NotNil(t, long)
	assert.Equal(t, SideLong, long.Side)
	// 0.55基础 + ADX强趋势0.10 + 共振同向0.10 + 放量0.05
	assert.InDelta(t, 0.80, long.Confidence, 1e-9)

	short := bySymbol["ETHUSDT"]
	require.NotNil(t, short)
	assert.Equal(t, SideShort, short.Side)
}

func TestArbitrageStrategy_DirectionFollowsFundingSign(t *testing.T) {
	snapshot := snapshotWithRegime("ranging")
	snapshot.Symbols["DOGEUSDT"] = &SymbolAnalysis{Symbol: "DOGEUSDT", Price: 0.12}
	snapshot.Symbols["OPUSDT"] = &SymbolAnalysis{Symbol: "OPUSDT", Price: 1.5}
	snapshot.Arbitrage = []*ArbitrageOpportunity{
		{Symbol: "DOGEUSDT", FundingRate: 0.0009, Direction: "short", AnnualizedPct: 98.6},
		{Symbol: "OPUSDT", FundingRate: -0.0006, Direction: "long", AnnualizedPct: 65.7},
	}

	strategy := &arbitrageStrategy{}
	assert.True(t, strategy.Suited(snapshot))

	signals, err := strategy.Generate(context.Background(), snapshot, ModeProfile{MaxParallelPositions: 3})
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, SideShort, signals[0].Side)
	assert.Equal(t, "DOGEUSDT", signals[0].Symbol)
	assert.Equal(t, SideLong, signals[1].Side)

	// 保守模式只留一条腿
	single, err := strategy.Generate(context.Background(), snapshot, ModeProfile{MaxParallelPositions: 1})
	require.NoError(t, err)
	assert.Len(t, single, 1)

	assert.False(t, strategy.Suited(snapshotWithRegime("ranging")))
}

func TestDeepAnalysisStrategy_SentimentVeto(t *testing.T) {
	snapshot := snapshotWithRegime("ranging")

	opposed := trendingAnalysis("BTCUSDT", true)
	opposed.Sentiment = &SentimentPayload{Symbol: "BTCUSDT", Score: -0.5, Label: "bearish"}
	snapshot.Symbols["BTCUSDT"] = opposed

	aligned := trendingAnalysis("ETHUSDT", true)
	aligned.Symbol = "ETHUSDT"
	aligned.Sentiment = &SentimentPayload{Symbol: "ETHUSDT", Score: 0.4, Label: "bullish"}
	snapshot.Symbols["ETHUSDT"] = aligned

	strategy := &deepAnalysisStrategy{}
	signals, err := strategy.Generate(context.Background(), snapshot, ModeProfile{})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, "ETHUSDT", signals[0].Symbol)
	assert.Equal(t, SideLong, signals[0].Side)
	// 0.5基础 + 共振4个框架0.20 + 情绪同向0.10
	assert.InDelta(t, 0.80, signals[0].Confidence, 1e-9)
}

type panickyStrategy struct{}

func (panickyStrategy) Name() string                    { return "Panicky" }
func (panickyStrategy) Suited(*MarketSnapshot) bool     { return true }
func (panickyStrategy) Generate(context.Context, *MarketSnapshot, ModeProfile) ([]*Signal, error) {
	panic("boom")
}

type stubStrategy struct {
	name    string
	signals []*Signal
}

func (s *stubStrategy) Name() string                { return s.name }
func (s *stubStrategy) Suited(*MarketSnapshot) bool { return true }
func (s *stubStrategy) Generate(context.Context, *MarketSnapshot, ModeProfile) ([]*Signal, error) {
	return s.signals, nil
}

func TestStrategyService_GenerateAllIsolatesPanics(t *testing.T) {
	stub := &stubStrategy{
		name:    "Stub",
		signals: []*Signal{{Strategy: "Stub", Symbol: "BTCUSDT", Side: SideLong, Confidence: 0.7}},
	}
	s := &StrategyService{
		logger: zap.NewNop(),
		strategies: map[string]Strategy{
			"Panicky": panickyStrategy{},
			"Stub":    stub,
		},
		order: []string{"Panicky", "Stub"},
	}

	signals := s.GenerateAll(context.Background(), []string{"Panicky", "Stub", "Missing"}, snapshotWithRegime("ranging"), ModeProfile{})
	require.Len(t, signals, 1)
	assert.Equal(t, "BTCUSDT", signals[0].Symbol)
}
