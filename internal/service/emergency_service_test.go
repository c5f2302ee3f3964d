package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu       sync.Mutex
	titles   []string
	messages []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.titles))
	copy(out, n.titles)
	return out
}

func (n *recordingNotifier) receivedMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

func newTestEmergencyService(t *testing.T, ex *fakeExchange, notifier Notifier) (*EmergencyService, *repo.EmergencyActionRepo) {
	t.Helper()
	actionRepo := repo.NewEmergencyActionRepo(newTestDB(t))
	return NewEmergencyService(&config.Config{}, ex, actionRepo, notifier, zap.NewNop()), actionRepo
}

func TestEmergencyService_Assess(t *testing.T) {
	svc, _ := newTestEmergencyService(t, newFakeExchange(), nil)

	cases := []struct {
		name    string
		metrics RiskMetrics
		want    EmergencyLevel
	}{
		{"healthy", RiskMetrics{DailyPnlPercent: 1, MarginUsagePct: 30}, LevelNormal},
		{"daily loss warning", RiskMetrics{DailyPnlPercent: -3.5}, LevelWarning},
		{"losing streak warning", RiskMetrics{ConsecutiveLosses: 3}, LevelWarning},
		{"volatility warning", RiskMetrics{VolatilityPct: 30}, LevelWarning},
		{"leveraged loss warning", RiskMetrics{Leverage: 5, DailyPnlPercent: -1.5}, LevelWarning},
		{"losing streak critical", RiskMetrics{ConsecutiveLosses: 5}, LevelCritical},
		{"margin critical", RiskMetrics{MarginUsagePct: 86}, LevelCritical},
		{"leveraged loss critical", RiskMetrics{Leverage: 7, DailyPnlPercent: -2.5}, LevelCritical},
		{"severe daily loss", RiskMetrics{DailyPnlPercent: -8, MarginUsagePct: 40, DrawdownPct: 5, Leverage: 2}, LevelEmergency},
		{"margin emergency", RiskMetrics{MarginUsagePct: 91}, LevelEmergency},
		{"drawdown emergency", RiskMetrics{DrawdownPct: 16}, LevelEmergency},
		{"leveraged loss emergency", RiskMetrics{Leverage: 9, DailyPnlPercent: -3.5}, LevelEmergency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, svc.Assess(tc.metrics))
		})
	}
}

func TestCategorizePosition(t *testing.T) {
	assert.Equal(t, CategoryLeveraged, CategorizePosition(&exchange.Position{Symbol: "ETHUSDT", Leverage: 5}))
	assert.Equal(t, CategoryBitcoin, CategorizePosition(&exchange.Position{Symbol: "BTCUSDT", Leverage: 1}))
	assert.Equal(t, CategoryMajorAlt, CategorizePosition(&exchange.Position{Symbol: "SOLUSDT", Leverage: 1}))
	assert.Equal(t, CategoryLowLiquidityAlt, CategorizePosition(&exchange.Position{Symbol: "PEPEUSDT", Leverage: 1}))
}

func TestSortForLiquidation(t *testing.T) {
	positions := []*exchange.Position{
		{Symbol: "BTCUSDT", Leverage: 1},
		{Symbol: "ETHUSDT", Leverage: 1},
		{Symbol: "PEPEUSDT", Leverage: 1},
		{Symbol: "SOLUSDT", Leverage: 5},
	}

	sorted := SortForLiquidation(positions)
	got := make([]string, 0, len(sorted))
	for _, p := range sorted {
		got = append(got, p.Symbol)
	}
	assert.Equal(t, []string{"SOLUSDT", "PEPEUSDT", "ETHUSDT", "BTCUSDT"}, got)

	// 原切片顺序不受影响
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}

func TestEmergencyService_ExecuteWarningReducesPositions(t *testing.T) {
	ex := newFakeExchange()
	svc, _ := newTestEmergencyService(t, ex, nil)

	portfolio := &Portfolio{AccountID: "acc-1", Positions: []*exchange.Position{
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 1.0, Leverage: 3},
	}}
	action, err := svc.Execute(context.Background(), "acc-1", LevelWarning, portfolio,
		RiskMetrics{DailyPnlPercent: -3.5}, "daily loss over 3%")
	require.NoError(t, err)
	assert.Equal(t, "warning", action.Level)
	assert.True(t, action.Success)
	assert.Empty(t, action.SafeHavenAsset)

	orders := ex.recordedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BTCUSDT", orders[0].symbol)
	assert.Equal(t, exchange.OrderSideSell, orders[0].side)
	assert.InDelta(t, 0.5, orders[0].quantity, 1e-9)
	assert.True(t, orders[0].reduceOnly)

	halted, _ := svc.Halted("acc-1")
	assert.False(t, halted)
}

func TestEmergencyService_ExecuteCriticalHaltsTrading(t *testing.T) {
	ex := newFakeExchange()
	notifier := &recordingNotifier{}
	svc, actionRepo := newTestEmergencyService(t, ex, notifier)

	portfolio := &Portfolio{AccountID: "acc-1", Positions: []*exchange.Position{
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 2.0, Leverage: 3},
		{Symbol: "ETHUSDT", Side: SideShort, PositionAmount: -10, Leverage: 2},
	}}
	action, err := svc.Execute(context.Background(), "acc-1", LevelCritical, portfolio,
		RiskMetrics{ConsecutiveLosses: 5}, "five losses in a row")
	require.NoError(t, err)
	assert.Equal(t, "critical", action.Level)
	assert.Equal(t, "normal", action.PrevLevel)

	halted, reason := svc.Halted("acc-1")
	assert.True(t, halted)
	assert.Equal(t, "five losses in a row", reason)

	orders := ex.recordedOrders()
	require.Len(t, orders, 2)
	assert.InDelta(t, 1.5, orders[0].quantity, 1e-9)
	assert.InDelta(t, 7.5, orders[1].quantity, 1e-9)

	persisted, err := actionRepo.FindRecentByAccount(context.Background(), "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Nil(t, persisted[0].ResolvedAt)

	require.Eventually(t, func() bool {
		return len(notifier.received()) >= 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, notifier.received(), "Manual review required")
}

func TestEmergencyService_ExecuteEmergencyLiquidatesInOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.tickers["USDCUSDT"] = &exchange.Ticker24h{Symbol: "USDCUSDT", QuoteVolume: 80_000_000}
	notifier := &recordingNotifier{}
	svc, _ := newTestEmergencyService(t, ex, notifier)

	portfolio := &Portfolio{AccountID: "acc-1", Positions: []*exchange.Position{
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 0.5, Leverage: 1},
		{Symbol: "ETHUSDT", Side: SideLong, PositionAmount: 5, Leverage: 1},
		{Symbol: "PEPEUSDT", Side: SideLong, PositionAmount: 1000, Leverage: 1},
		{Symbol: "SOLUSDT", Side: SideShort, PositionAmount: -20, Leverage: 5},
	}}
	action, err := svc.Execute(context.Background(), "acc-1", LevelEmergency, portfolio,
		RiskMetrics{DailyPnlPercent: -8}, "daily loss over 7%")
	require.NoError(t, err)
	assert.True(t, action.Success)
	assert.Contains(t, string(action.Actions), "choose_safe_haven")
	assert.Contains(t, string(action.Actions), "USDC")
	assert.Equal(t, "USDC", action.SafeHavenAsset)
	assert.GreaterOrEqual(t, action.LatencyMs, int64(0))

	halted, _ := svc.Halted("acc-1")
	assert.True(t, halted)

	orders := ex.recordedOrders()
	require.Len(t, orders, 4)
	assert.Equal(t, "SOLUSDT", orders[0].symbol)
	assert.Equal(t, exchange.OrderSideBuy, orders[0].side)
	assert.Equal(t, "PEPEUSDT", orders[1].symbol)
	assert.Equal(t, "ETHUSDT", orders[2].symbol)
	assert.Equal(t, "BTCUSDT", orders[3].symbol)

	require.Eventually(t, func() bool {
		return len(notifier.received()) >= 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, notifier.received(), "Safe haven conversion")

	// 换仓提醒必须说明系统没有自动换仓
	assert.Contains(t, strings.Join(notifier.receivedMessages(), "\n"), "no automatic conversion performed")
}

func TestEmergencyService_ExecuteContinuesAfterOrderFailure(t *testing.T) {
	ex := newFakeExchange()
	ex.failOrders["ETHUSDT"] = true
	svc, _ := newTestEmergencyService(t, ex, nil)

	portfolio := &Portfolio{AccountID: "acc-1", Positions: []*exchange.Position{
		{Symbol: "ETHUSDT", Side: SideLong, PositionAmount: 5, Leverage: 1},
		{Symbol: "BTCUSDT", Side: SideLong, PositionAmount: 0.5, Leverage: 1},
	}}
	action, err := svc.Execute(context.Background(), "acc-1", LevelEmergency, portfolio,
		RiskMetrics{MarginUsagePct: 95}, "margin exhausted")
	require.NoError(t, err)
	assert.False(t, action.Success)
	assert.Contains(t, string(action.Actions), "order rejected for ETHUSDT")

	// 其余持仓照常清算
	orders := ex.recordedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BTCUSDT", orders[0].symbol)
}

func TestEmergencyService_ResumeIsIdempotent(t *testing.T) {
	ex := newFakeExchange()
	svc, actionRepo := newTestEmergencyService(t, ex, nil)
	ctx := context.Background()

	// 没有任何熔断时恢复也成功
	require.NoError(t, svc.Resume(ctx, "acc-1"))

	portfolio := &Portfolio{AccountID: "acc-1", Positions: nil}
	_, err := svc.Execute(ctx, "acc-1", LevelCritical, portfolio, RiskMetrics{MarginUsagePct: 86}, "margin high")
	require.NoError(t, err)

	halted, _ := svc.Halted("acc-1")
	require.True(t, halted)

	require.NoError(t, svc.Resume(ctx, "acc-1"))
	halted, _ = svc.Halted("acc-1")
	assert.False(t, halted)

	persisted, err := actionRepo.FindRecentByAccount(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.NotNil(t, persisted[0].ResolvedAt)

	require.NoError(t, svc.Resume(ctx, "acc-1"))
}

func TestEmergencyService_HaltExpires(t *testing.T) {
	svc, _ := newTestEmergencyService(t, newFakeExchange(), nil)

	svc.Halt("acc-1", "manual")
	halted, _ := svc.Halted("acc-1")
	require.True(t, halted)

	svc.mu.Lock()
	state := svc.halts["acc-1"]
	state.expiresAt = time.Now().Add(-time.Second)
	svc.halts["acc-1"] = state
	svc.mu.Unlock()

	halted, _ = svc.Halted("acc-1")
	assert.False(t, halted)
}

func TestEmergencyService_SetHaltTTL(t *testing.T) {
	svc, _ := newTestEmergencyService(t, newFakeExchange(), nil)

	svc.SetHaltTTL(5)
	svc.Halt("acc-1", "manual")

	svc.mu.Lock()
	expiresAt := svc.halts["acc-1"].expiresAt
	svc.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), expiresAt, time.Second)

	// 传0恢复默认的一小时
	svc.SetHaltTTL(0)
	svc.Halt("acc-2", "manual")

	svc.mu.Lock()
	expiresAt = svc.halts["acc-2"].expiresAt
	svc.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(defaultHaltTTL), expiresAt, time.Second)
}

func TestEmergencyService_ChooseSafeHaven(t *testing.T) {
	ex := newFakeExchange()
	svc, _ := newTestEmergencyService(t, ex, nil)
	ctx := context.Background()

	// USDC 深度够时按安全评分优先选中
	ex.tickers["USDCUSDT"] = &exchange.Ticker24h{Symbol: "USDCUSDT", QuoteVolume: 80_000_000}
	assert.Equal(t, "USDC", svc.ChooseSafeHaven(ctx).Asset)

	// 深度不足则退回结算货币
	ex.tickers["USDCUSDT"] = &exchange.Ticker24h{Symbol: "USDCUSDT", QuoteVolume: 1_000_000}
	assert.Equal(t, "USDT", svc.ChooseSafeHaven(ctx).Asset)

	// 行情拿不到也退回结算货币
	delete(ex.tickers, "USDCUSDT")
	assert.Equal(t, "USDT", svc.ChooseSafeHaven(ctx).Asset)
}

func TestEmergencyService_ExecuteRejectsNormalLevel(t *testing.T) {
	svc, _ := newTestEmergencyService(t, newFakeExchange(), nil)
	_, err := svc.Execute(context.Background(), "acc-1", LevelNormal, &Portfolio{}, RiskMetrics{}, "")
	require.Error(t, err)
}
