package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAdminConfigService(t *testing.T) *AdminConfigService {
	t.Helper()
	return NewAdminConfigService(zap.NewNop(), newTestDB(t))
}

func TestAdminConfigInitialize(t *testing.T) {
	ctx := context.Background()
	svc := newAdminConfigService(t)

	svc.Initialize(ctx)

	tradingConfig, err := svc.GetTradingConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTradingConfig.Symbols, tradingConfig.Symbols)
	assert.Equal(t, 5, tradingConfig.IntervalMinutes)
	assert.Equal(t, 60, tradingConfig.HaltTTLMinutes)

	prompt, err := svc.GetSystemPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, prompt.Version)
	assert.True(t, prompt.IsActive)
	assert.NotEmpty(t, prompt.Content)

	// 重复初始化不产生新记录
	svc.Initialize(ctx)
	history, err := svc.GetSystemPromptHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSetTradingConfig(t *testing.T) {
	ctx := context.Background()
	svc := newAdminConfigService(t)
	svc.Initialize(ctx)

	emergency, _ := newTestEmergencyService(t, newFakeExchange(), nil)
	svc.SetEmergency(emergency)

	update := DefaultTradingConfig
	update.Symbols = []string{"BTCUSDT"}
	update.IntervalMinutes = 15
	update.MaxBatchSize = 5
	update.HaltTTLMinutes = 30

	require.NoError(t, svc.SetTradingConfig(ctx, update))

	got, err := svc.GetTradingConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, []string(got.Symbols))
	assert.Equal(t, 15, got.IntervalMinutes)
	assert.Equal(t, 5, got.MaxBatchSize)
	assert.Equal(t, 30, got.HaltTTLMinutes)

	// 熔断时长即时生效
	emergency.mu.Lock()
	haltTTL := emergency.haltTTL
	emergency.mu.Unlock()
	assert.Equal(t, 30*time.Minute, haltTTL)
}

func TestSystemPromptVersioning(t *testing.T) {
	ctx := context.Background()
	svc := newAdminConfigService(t)
	svc.Initialize(ctx)

	created, err := svc.SetSystemPrompt(ctx, "只批准高把握的信号。", "收紧审核口径")
	require.NoError(t, err)
	assert.Equal(t, 2, created.Version)

	active, err := svc.GetSystemPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)
	assert.Equal(t, "只批准高把握的信号。", active.Content)

	// 历史按版本倒序
	history, err := svc.GetSystemPromptHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.False(t, history[1].IsActive)

	// 回滚到初始版本
	require.NoError(t, svc.RollbackSystemPrompt(ctx, history[1].ID))
	active, err = svc.GetSystemPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	// 激活中的版本不允许删除
	err = svc.DeleteSystemPrompt(ctx, active.ID)
	assert.ErrorIs(t, err, gorm.ErrInvalidData)

	// 非激活版本可删除
	require.NoError(t, svc.DeleteSystemPrompt(ctx, created.ID))
	history, err = svc.GetSystemPromptHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
