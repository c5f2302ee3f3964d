package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPromptService_ConsensusInstructions(t *testing.T) {
	modes := NewModeService(zap.NewNop())
	profile, err := modes.GetProfile(ModeBalanced)
	require.NoError(t, err)

	instructions := NewPromptService().ConsensusInstructions(profile)
	assert.Contains(t, instructions, "balanced")
	assert.Contains(t, instructions, "共识通过阈值：0.7")
	assert.Contains(t, instructions, "最大杠杆：5x")
	assert.NotContains(t, instructions, "{{")
}

func TestPromptService_ValidationPrompt(t *testing.T) {
	payload := consensusPayload()
	payload.Overview = &MarketOverview{Regime: "trending_up", BTCPrice: 50000, BreadthPercent: 62}
	payload.Session = SessionBias{Session: "europe", StrategyFocus: "momentum"}

	prompt := NewPromptService().ValidationPrompt(payload)
	assert.Contains(t, prompt, "BTCUSDT")
	assert.Contains(t, prompt, "trending_up")
	assert.Contains(t, prompt, "europe")
	assert.Contains(t, prompt, "uptrend confirmed")
	assert.Contains(t, prompt, "拟执行信号（共1个）")

	assert.Empty(t, NewPromptService().ValidationPrompt(nil))
}

func TestTrimFloat(t *testing.T) {
	assert.Equal(t, "0.7", trimFloat(0.70))
	assert.Equal(t, "0.75", trimFloat(0.75))
	assert.Equal(t, "5", trimFloat(5))
	assert.Equal(t, "0", trimFloat(0))
}
