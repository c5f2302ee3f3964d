package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/internal/xe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAccountDirectory struct {
	mu           sync.Mutex
	accounts     map[string]*models.Account
	portfolio    *Portfolio
	portfolioErr error
	tradesToday  int64
	snapshots    int
	saved        []string
}

func (f *fakeAccountDirectory) FindEnabledAccounts(_ context.Context) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Account
	for _, account := range f.accounts {
		if account.Enabled {
			out = append(out, *account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccountDirectory) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[accountID]
	if !ok {
		return nil, xe.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeAccountDirectory) SaveAccount(_ context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
	f.saved = append(f.saved, account.ID)
	return nil
}

func (f *fakeAccountDirectory) GetPortfolio(_ context.Context, _ string) (*Portfolio, error) {
	return f.portfolio, f.portfolioErr
}

func (f *fakeAccountDirectory) SaveSnapshot(_ context.Context, _ string, _ *AccountMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return nil
}

func (f *fakeAccountDirectory) CountTradesToday(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tradesToday, nil
}

func (f *fakeAccountDirectory) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

type fakePipelineTrigger struct {
	mu   sync.Mutex
	reqs []PipelineRequest
}

func (f *fakePipelineTrigger) TriggerPipeline(_ context.Context, req PipelineRequest) *PipelineResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &PipelineResult{Success: true, RunID: "run-1", AccountID: req.AccountID, TradesExecuted: 1}
}

func (f *fakePipelineTrigger) requests() []PipelineRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PipelineRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeRiskSizer struct {
	err error
}

func (f *fakeRiskSizer) SizePosition(_ context.Context, signal *Signal, _ *Portfolio, _ ModeProfile, _ float64) error {
	if f.err != nil {
		return f.err
	}
	signal.Quantity = 0.1
	signal.Leverage = 2
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(title string, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

type autopilotFixture struct {
	autopilot *AutopilotService
	accounts  *fakeAccountDirectory
	market    *fakeMarketAnalysis
	generator *fakeSignalGenerator
	executor  *fakeTradeExecutor
	trigger   *fakePipelineTrigger
	emergency *EmergencyService
	notifier  *fakeNotifier
}

func newAutopilotFixture(t *testing.T) *autopilotFixture {
	t.Helper()
	db := newTestDB(t)
	logger := zap.NewNop()

	fix := &autopilotFixture{
		accounts: &fakeAccountDirectory{
			accounts: map[string]*models.Account{
				"acc-1": {ID: "acc-1", Mode: ModeBalanced, Enabled: true, AutopilotIntensity: 2, DailyTradeCeiling: 20},
			},
			portfolio: testPortfolio(10000, 9000),
		},
		market: &fakeMarketAnalysis{snapshot: pipelineSnapshot()},
		generator: &fakeSignalGenerator{
			names:  []string{StrategyArbitrageHunter, StrategyMomentumFutures, StrategyPortfolioOptimization, StrategyDeepAnalysis},
			suited: []string{StrategyMomentumFutures},
		},
		executor:  &fakeTradeExecutor{},
		trigger:   &fakePipelineTrigger{},
		notifier:  &fakeNotifier{},
		emergency: NewEmergencyService(&config.Config{}, newFakeExchange(), repo.NewEmergencyActionRepo(db), nil, logger),
	}
	fix.autopilot = NewAutopilotService(&config.Config{}, fix.accounts, fix.market, fix.generator,
		&fakeRiskSizer{}, fix.executor, fix.trigger, fix.emergency, NewModeService(logger), fix.notifier, logger)
	return fix
}

func (fix *autopilotFixture) account(id string) *models.Account {
	fix.accounts.mu.Lock()
	defer fix.accounts.mu.Unlock()
	return fix.accounts.accounts[id]
}

func TestAutopilotService_TickRunsPipelineCycle(t *testing.T) {
	fix := newAutopilotFixture(t)

	fix.autopilot.tick(context.Background())

	reqs := fix.trigger.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "acc-1", reqs[0].AccountID)
	assert.Equal(t, StrategyMomentumFutures, reqs[0].AnalysisType)
	assert.Equal(t, TriggerAutopilot, reqs[0].Source)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, reqs[0].Symbols)
	assert.Equal(t, 1, fix.accounts.snapshotCount())

	// 同一决策频率窗口内的下一个节拍被节流
	fix.autopilot.tick(context.Background())
	assert.Len(t, fix.trigger.requests(), 1)
}

func TestAutopilotService_SkipsWhenHalted(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.emergency.Halt("acc-1", "risk stop")

	fix.autopilot.tick(context.Background())

	assert.Empty(t, fix.trigger.requests())
	assert.Zero(t, fix.accounts.snapshotCount())
}

func TestAutopilotService_ProfitCeilingPausesAndNotifiesOnce(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.account("acc-1").ProfitCeiling = 100
	fix.accounts.portfolio.Metrics.RealizedPnl = 150

	fix.autopilot.tick(context.Background())
	assert.Empty(t, fix.trigger.requests())
	assert.Eventually(t, func() bool { return fix.notifier.count() == 1 },
		time.Second, 10*time.Millisecond)

	// 止盈暂停不推进周期时间戳，下一个节拍重新检查但不重复通知
	fix.autopilot.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fix.notifier.count())
	assert.Empty(t, fix.trigger.requests())

	// 盈利回落后恢复交易，且通知标记被重置
	fix.accounts.portfolio.Metrics.RealizedPnl = 50
	fix.autopilot.tick(context.Background())
	assert.Len(t, fix.trigger.requests(), 1)
}

func TestAutopilotService_BalanceFloorSkips(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.account("acc-1").MinBalanceFloor = 20000

	fix.autopilot.tick(context.Background())

	assert.Empty(t, fix.trigger.requests())
	// 快照在护栏之前保存，净值曲线不中断
	assert.Equal(t, 1, fix.accounts.snapshotCount())
}

func TestAutopilotService_DailyTradeCeilingSkips(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.accounts.tradesToday = 20

	fix.autopilot.tick(context.Background())

	assert.Empty(t, fix.trigger.requests())
}

func TestAutopilotService_ArbitrageFastPathBypassesPipeline(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.market.snapshot.Arbitrage = []*ArbitrageOpportunity{
		{Symbol: "ETHUSDT", FundingRate: 0.0008, AnnualizedPct: 87.6, Direction: "short"},
	}
	fix.generator.suited = []string{StrategyMomentumFutures, StrategyArbitrageHunter}
	fix.generator.signals = []*Signal{
		{Strategy: StrategyArbitrageHunter, Symbol: "ETHUSDT", Side: SideShort, Confidence: 0.75, EntryPrice: 3000},
	}
	fix.account("acc-1").AutopilotIntensity = 1

	fix.autopilot.tick(context.Background())

	// 套利被提到最前并被强度上限裁剪为唯一周期，走快速通道而不是流水线
	assert.Equal(t, []string{StrategyArbitrageHunter}, fix.generator.generatedWith)
	assert.Equal(t, []string{"ETHUSDT"}, fix.executor.arbLegs)
	assert.Empty(t, fix.trigger.requests())
	// 快速通道在下单前完成了定容
	assert.Greater(t, fix.generator.signals[0].Quantity, 0.0)
}

func TestAutopilotService_SelectCyclesCapsByIntensity(t *testing.T) {
	fix := newAutopilotFixture(t)
	snapshot := pipelineSnapshot()
	snapshot.Arbitrage = []*ArbitrageOpportunity{{Symbol: "ETHUSDT", Direction: "short"}}
	fix.generator.suited = []string{StrategyMomentumFutures, StrategyArbitrageHunter, StrategyDeepAnalysis}

	account := &models.Account{ID: "acc-1", AutopilotIntensity: 2}
	cycles := fix.autopilot.selectCycles(account, snapshot)
	assert.Equal(t, []string{StrategyArbitrageHunter, StrategyMomentumFutures}, cycles)

	// 强度未设置时退化为单周期
	account.AutopilotIntensity = 0
	cycles = fix.autopilot.selectCycles(account, snapshot)
	assert.Equal(t, []string{StrategyArbitrageHunter}, cycles)
}

func TestAutopilotService_StartStopAutonomous(t *testing.T) {
	fix := newAutopilotFixture(t)
	ctx := context.Background()

	// 已启用时重复启动报错
	err := fix.autopilot.StartAutonomous(ctx, "acc-1", 3)
	assert.ErrorIs(t, err, xe.ErrAutopilotRunning)

	require.NoError(t, fix.autopilot.StopAutonomous(ctx, "acc-1"))
	assert.False(t, fix.account("acc-1").Enabled)

	err = fix.autopilot.StopAutonomous(ctx, "acc-1")
	assert.ErrorIs(t, err, xe.ErrAutopilotStopped)

	require.NoError(t, fix.autopilot.StartAutonomous(ctx, "acc-1", 3))
	assert.True(t, fix.account("acc-1").Enabled)
	assert.Equal(t, 3, fix.account("acc-1").AutopilotIntensity)

	err = fix.autopilot.StartAutonomous(ctx, "missing", 1)
	assert.Error(t, err)
}

func TestAutopilotService_CycleLatchPreventsOverlap(t *testing.T) {
	fix := newAutopilotFixture(t)
	require.True(t, fix.autopilot.acquireCycle("acc-1"))

	fix.autopilot.tick(context.Background())
	assert.Empty(t, fix.trigger.requests())

	fix.autopilot.releaseCycle("acc-1")
	fix.autopilot.tick(context.Background())
	assert.Len(t, fix.trigger.requests(), 1)
}

func TestAutopilotService_Status(t *testing.T) {
	fix := newAutopilotFixture(t)
	fix.emergency.Halt("acc-1", "manual stop")

	status, err := fix.autopilot.Status(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, status.SchedulerRunning)
	assert.True(t, status.Enabled)
	assert.Equal(t, 2, status.Intensity)
	assert.True(t, status.Halted)
	assert.Equal(t, "manual stop", status.HaltReason)
	assert.False(t, status.CycleInFlight)
	assert.True(t, status.LastCycleAt.IsZero())

	_, err = fix.autopilot.Status(context.Background(), "missing")
	assert.Error(t, err)
}

func TestAutopilotService_SchedulerStartStop(t *testing.T) {
	fix := newAutopilotFixture(t)

	require.NoError(t, fix.autopilot.Start())
	assert.True(t, fix.autopilot.IsRunning())
	assert.Error(t, fix.autopilot.Start())

	fix.autopilot.Stop()
	assert.False(t, fix.autopilot.IsRunning())
	// 重复停止是无害的空操作
	fix.autopilot.Stop()
}
