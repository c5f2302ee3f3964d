package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dushixiang/argus/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	name    string
	verdict *ProviderVerdict
	err     error
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Model() string { return p.name + "-test" }

func (p *fakeProvider) Evaluate(_ context.Context, _ string, _ string) (*ProviderVerdict, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.verdict, nil
}

func newTestConsensusService(t *testing.T, providers ...ConsensusProvider) (*ConsensusService, *repo.ConsensusLogRepo) {
	t.Helper()
	logRepo := repo.NewConsensusLogRepo(newTestDB(t))
	svc := &ConsensusService{
		logger:    zap.NewNop(),
		modes:     NewModeService(zap.NewNop()),
		prompts:   NewPromptService(),
		logRepo:   logRepo,
		providers: providers,
	}
	return svc, logRepo
}

func consensusPayload() *ConsensusPayload {
	return &ConsensusPayload{
		AccountID: "acc-1",
		RunID:     "run-1",
		Mode:      ModeBalanced,
		Metrics:   AccountMetrics{TotalBalance: 10000, Available: 8000},
		Risk:      RiskMetrics{DailyPnlPercent: -1.2, MarginUsagePct: 25},
		Signals: []*Signal{
			{Strategy: StrategyMomentumFutures, Symbol: "BTCUSDT", Side: SideLong,
				Confidence: 0.8, EntryPrice: 50000, Quantity: 0.04, Leverage: 3,
				StopLoss: 49250, TakeProfit: 51500, Reasoning: "uptrend confirmed"},
		},
	}
}

func TestConsensusService_ApprovesAboveThreshold(t *testing.T) {
	svc, _ := newTestConsensusService(t,
		&fakeProvider{name: "openai", verdict: &ProviderVerdict{Approve: true, Confidence: 0.9}},
		&fakeProvider{name: "gemini", verdict: &ProviderVerdict{Approve: true, Confidence: 0.7}},
	)

	result, err := svc.Validate(context.Background(), consensusPayload(), 0.70,
		map[string]float64{"openai": 0.6, "gemini": 0.4})
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.InDelta(t, 0.82, result.Score, 1e-9)
	assert.Len(t, result.Votes, 2)
}

func TestConsensusService_RejectionIsNotAnError(t *testing.T) {
	svc, _ := newTestConsensusService(t,
		&fakeProvider{name: "openai", verdict: &ProviderVerdict{Approve: true, Confidence: 0.9}},
		&fakeProvider{name: "gemini", verdict: &ProviderVerdict{Approve: false, Confidence: 0.9, Reason: "drawdown too deep"}},
	)

	result, err := svc.Validate(context.Background(), consensusPayload(), 0.70,
		map[string]float64{"openai": 0.6, "gemini": 0.4})
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.InDelta(t, 0.54, result.Score, 1e-9)
}

func TestConsensusService_RenormalizesWhenProviderFails(t *testing.T) {
	svc, _ := newTestConsensusService(t,
		&fakeProvider{name: "openai", verdict: &ProviderVerdict{Approve: true, Confidence: 0.8}},
		&fakeProvider{name: "gemini", err: fmt.Errorf("quota exceeded")},
	)

	result, err := svc.Validate(context.Background(), consensusPayload(), 0.70,
		map[string]float64{"openai": 0.6, "gemini": 0.4})
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.InDelta(t, 0.8, result.Score, 1e-9)
	assert.Equal(t, "quota exceeded", result.Votes[1].Error)
}

func TestConsensusService_AllProvidersFailed(t *testing.T) {
	svc, _ := newTestConsensusService(t,
		&fakeProvider{name: "openai", err: fmt.Errorf("timeout")},
		&fakeProvider{name: "gemini", err: fmt.Errorf("quota exceeded")},
	)

	_, err := svc.Validate(context.Background(), consensusPayload(), 0.70,
		map[string]float64{"openai": 0.6, "gemini": 0.4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all consensus providers failed")
}

func TestConsensusService_EqualWeightFallback(t *testing.T) {
	svc, _ := newTestConsensusService(t,
		&fakeProvider{name: "openai", verdict: &ProviderVerdict{Approve: true, Confidence: 0.8}},
		&fakeProvider{name: "gemini", verdict: &ProviderVerdict{Approve: true, Confidence: 0.6}},
	)

	result, err := svc.Validate(context.Background(), consensusPayload(), 0.70, map[string]float64{})
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.InDelta(t, 0.7, result.Score, 1e-9)
}

func TestConsensusService_PersistsVoteLogs(t *testing.T) {
	svc, logRepo := newTestConsensusService(t,
		&fakeProvider{name: "openai", verdict: &ProviderVerdict{Approve: true, Confidence: 0.9, Reason: "clean setup", PromptTokens: 1200, CompletionTokens: 60}},
		&fakeProvider{name: "gemini", err: fmt.Errorf("quota exceeded")},
	)

	_, err := svc.Validate(context.Background(), consensusPayload(), 0.70,
		map[string]float64{"openai": 0.6, "gemini": 0.4})
	require.NoError(t, err)

	logs, err := logRepo.FindByRunID(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byModel := map[string]int{}
	for _, row := range logs {
		byModel[row.Model]++
		assert.Equal(t, "acc-1", row.AccountID)
		assert.Equal(t, "BTCUSDT", row.Symbol)
		assert.False(t, row.ExecutedAt.IsZero())
		assert.WithinDuration(t, time.Now(), row.ExecutedAt, time.Minute)
	}
	assert.Equal(t, 1, byModel["openai-test"])
	assert.Equal(t, 1, byModel["gemini-test"])
}

func TestParseVerdict(t *testing.T) {
	verdict, err := parseVerdict(`{"approve": true, "confidence": 0.82, "reason": "ok"}`)
	require.NoError(t, err)
	assert.True(t, verdict.Approve)
	assert.InDelta(t, 0.82, verdict.Confidence, 1e-9)

	// markdown围栏也能解析
	verdict, err = parseVerdict("```json\n{\"approve\": false, \"confidence\": 0.3, \"reason\": \"weak\"}\n```")
	require.NoError(t, err)
	assert.False(t, verdict.Approve)

	// 越界置信度被收敛
	verdict, err = parseVerdict(`{"approve": true, "confidence": 1.4}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, verdict.Confidence)

	_, err = parseVerdict("the model refused to answer")
	require.Error(t, err)
}

func TestSummarizeSignals(t *testing.T) {
	symbol, strategy := summarizeSignals(nil)
	assert.Empty(t, symbol)
	assert.Empty(t, strategy)

	symbol, strategy = summarizeSignals([]*Signal{{Symbol: "ETHUSDT", Strategy: StrategyDeepAnalysis}})
	assert.Equal(t, "ETHUSDT", symbol)
	assert.Equal(t, StrategyDeepAnalysis, strategy)

	symbol, strategy = summarizeSignals([]*Signal{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}})
	assert.Equal(t, "batch:3", symbol)
	assert.Equal(t, "multi", strategy)
}
