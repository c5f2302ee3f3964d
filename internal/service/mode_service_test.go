package service

import (
	"testing"

	"github.com/dushixiang/argus/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func TestModeService_GetProfile(t *testing.T) {
	s := NewModeService(zap.NewNop())

	profile, err := s.GetProfile(ModeConservative)
	require.NoError(t, err)
	assert.Equal(t, 1.0, profile.MaxDailyLossPercent)
	assert.Equal(t, 3, profile.MaxLeverage)
	assert.Equal(t, 0.75, profile.ConsensusThreshold)
	assert.Equal(t, 1, profile.MaxParallelPositions)

	_, err = s.GetProfile("degen")
	assert.Error(t, err)
}

func TestModeService_ProfilesAreImmutable(t *testing.T) {
	s := NewModeService(zap.NewNop())

	profile, err := s.GetProfile(ModeBalanced)
	require.NoError(t, err)

	// 篡改返回值不应影响注册表
	profile.MaxLeverage = 100
	profile.ModelWeights[ModelProviderOpenAI] = 99

	fresh, err := s.GetProfile(ModeBalanced)
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.MaxLeverage)
	assert.Equal(t, 0.6, fresh.ModelWeights[ModelProviderOpenAI])
}

func TestModeService_ParallelLimits(t *testing.T) {
	s := NewModeService(zap.NewNop())

	expected := map[string]int{
		ModeConservative: 1,
		ModeBalanced:     2,
		ModeAggressive:   3,
		ModeBeastMode:    0, // 不限制
	}
	for mode, limit := range expected {
		profile, err := s.GetProfile(mode)
		require.NoError(t, err)
		assert.Equal(t, limit, profile.MaxParallelPositions, mode)
	}
}

func TestModeService_ResolveForAccount_OverrideScope(t *testing.T) {
	s := NewModeService(zap.NewNop())

	account := &models.Account{
		ID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Mode: ModeAggressive,
		OverrideModelWeights: datatypes.JSONMap{
			ModelProviderOpenAI: 0.9,
			ModelProviderGemini: 0.1,
		},
		OverrideFrequencySec: 120,
	}

	profile, err := s.ResolveForAccount(account)
	require.NoError(t, err)

	// 覆盖只影响模型权重与决策频率
	assert.Equal(t, 0.9, profile.ModelWeights[ModelProviderOpenAI])
	assert.Equal(t, 0.1, profile.ModelWeights[ModelProviderGemini])
	assert.Equal(t, 120, profile.DecisionFrequencySec)

	// 风控参数保持模式默认值
	base, err := s.GetProfile(ModeAggressive)
	require.NoError(t, err)
	assert.Equal(t, base.MaxLeverage, profile.MaxLeverage)
	assert.Equal(t, base.MaxDailyLossPercent, profile.MaxDailyLossPercent)
	assert.Equal(t, base.ConsensusThreshold, profile.ConsensusThreshold)
	assert.Equal(t, base.StopLossPercent, profile.StopLossPercent)
}

func TestModeService_ResolveForAccount_NoOverride(t *testing.T) {
	s := NewModeService(zap.NewNop())

	account := &models.Account{
		ID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Mode: ModeConservative,
	}

	profile, err := s.ResolveForAccount(account)
	require.NoError(t, err)

	base, err := s.GetProfile(ModeConservative)
	require.NoError(t, err)
	assert.Equal(t, base.DecisionFrequencySec, profile.DecisionFrequencySec)
	assert.Equal(t, base.ModelWeights, profile.ModelWeights)
}

func TestModeService_ResolveForAccount_UnknownMode(t *testing.T) {
	s := NewModeService(zap.NewNop())

	account := &models.Account{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Mode: "turbo"}
	_, err := s.ResolveForAccount(account)
	assert.Error(t, err)
}
