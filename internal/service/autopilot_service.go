package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/xe"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultIntervalMinutes = 5
	// 应急记录保留期，超期的记录由调度器在每个周期顺手清理
	emergencyActionRetention = 30 * 24 * time.Hour
)

// AccountDirectory 账户目录协作方
type AccountDirectory interface {
	FindEnabledAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error)
	SaveSnapshot(ctx context.Context, accountID string, metrics *AccountMetrics) error
	CountTradesToday(ctx context.Context, accountID string) (int64, error)
}

// MarketObserver 行情观察协作方，决定本周期适合启动哪些任务
type MarketObserver interface {
	DiscoverSymbols(ctx context.Context, defaults []string, limit int) []string
	Assess(ctx context.Context, symbols []string) (*MarketSnapshot, error)
}

// PipelineTrigger 决策流水线触发协作方
type PipelineTrigger interface {
	TriggerPipeline(ctx context.Context, req PipelineRequest) *PipelineResult
}

// AutopilotService 自动驾驶调度器
// 全局固定节拍扫描启用的账户，每个账户在自己的goroutine里跑周期任务，
// 周期类型完全由实时行情决定，不存在按时刻排班的调度表
type AutopilotService struct {
	logger *zap.Logger
	conf   *config.Config

	accounts  AccountDirectory
	market    MarketObserver
	generator SignalGenerator
	risk      RiskSizing
	executor  TradeExecutor
	pipeline  PipelineTrigger
	emergency *EmergencyService
	modes     *ModeService
	notifier  Notifier

	mu                sync.Mutex
	running           bool
	cron              *cron.Cron
	intervalOverride  int                  // 管理端运行时覆盖，0表示使用配置值
	retentionOverride time.Duration        // 应急记录保留期覆盖，0表示使用默认30天
	inFlight          map[string]bool      // 每账户同一时刻只允许一个周期
	lastCycle         map[string]time.Time // 按账户决策频率节流
	ceilingNotified   map[string]bool      // 止盈上限只通知一次，跌回后重置
}

// NewAutopilotService 创建自动驾驶调度器
func NewAutopilotService(conf *config.Config, accounts AccountDirectory, market MarketObserver,
	generator SignalGenerator, risk RiskSizing, executor TradeExecutor, pipeline PipelineTrigger,
	emergency *EmergencyService, modes *ModeService, notifier Notifier, logger *zap.Logger) *AutopilotService {
	return &AutopilotService{
		logger:          logger,
		conf:            conf,
		accounts:        accounts,
		market:          market,
		generator:       generator,
		risk:            risk,
		executor:        executor,
		pipeline:        pipeline,
		emergency:       emergency,
		modes:           modes,
		notifier:        notifier,
		inFlight:        make(map[string]bool),
		lastCycle:       make(map[string]time.Time),
		ceilingNotified: make(map[string]bool),
	}
}

// Start 启动全局调度节拍
func (s *AutopilotService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("autopilot scheduler is already running")
	}

	interval := s.intervalMinutes()
	cronExpr := fmt.Sprintf("*/%d * * * *", interval)

	c := cron.New()
	if _, err := c.AddFunc(cronExpr, func() {
		s.tick(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("autopilot scheduler started",
		zap.Int("interval_minutes", interval),
		zap.String("cron_expression", cronExpr))
	return nil
}

// Stop 停止调度并等待在途任务结束
func (s *AutopilotService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info("autopilot scheduler stopped")
}

// IsRunning 调度器是否在运行
func (s *AutopilotService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick 全局节拍：清理过期应急记录，评估一次行情，然后并发驱动每个到期账户
// 单个账户panic只影响自己，节拍本身永远不中断
func (s *AutopilotService) tick(ctx context.Context) {
	if pruned, err := s.emergency.PruneActions(ctx, s.actionRetention()); err != nil {
		s.logger.Warn("failed to prune emergency actions", zap.Error(err))
	} else if pruned > 0 {
		s.logger.Info("pruned expired emergency actions", zap.Int64("count", pruned))
	}

	accounts, err := s.accounts.FindEnabledAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to list enabled accounts", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		return
	}

	symbols := s.market.DiscoverSymbols(ctx, s.conf.Trading.Symbols, discoverSymbolLimit)
	snapshot, err := s.market.Assess(ctx, symbols)
	if err != nil {
		s.logger.Error("market assessment failed, tick skipped", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for i := range accounts {
		account := accounts[i]
		if !s.dueForCycle(&account) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("autopilot cycle panicked",
						zap.String("account_id", account.ID),
						zap.Any("panic", r))
				}
			}()
			s.runAccount(ctx, &account, snapshot)
		}()
	}
	wg.Wait()
}

// dueForCycle 按账户生效的决策频率节流，频率可被账户个性化覆盖
func (s *AutopilotService) dueForCycle(account *models.Account) bool {
	profile, err := s.modes.ResolveForAccount(account)
	if err != nil {
		s.logger.Warn("unresolvable trading mode",
			zap.String("account_id", account.ID),
			zap.String("mode", account.Mode),
			zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastCycle[account.ID]
	if ok && time.Since(last) < time.Duration(profile.DecisionFrequencySec)*time.Second {
		return false
	}
	return true
}

// runAccount 驱动单个账户的一个自动驾驶周期
func (s *AutopilotService) runAccount(ctx context.Context, account *models.Account, snapshot *MarketSnapshot) {
	if !s.acquireCycle(account.ID) {
		s.logger.Info("previous cycle still in flight, skipped",
			zap.String("account_id", account.ID))
		return
	}
	defer s.releaseCycle(account.ID)

	if halted, reason := s.emergency.Halted(account.ID); halted {
		s.logger.Info("autopilot skipped: trading halted",
			zap.String("account_id", account.ID),
			zap.String("reason", reason))
		return
	}

	portfolio, err := s.accounts.GetPortfolio(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to get portfolio",
			zap.String("account_id", account.ID), zap.Error(err))
		return
	}
	// 每个周期留一条净值快照，回撤与夏普都依赖这条曲线
	if err := s.accounts.SaveSnapshot(ctx, account.ID, portfolio.Metrics); err != nil {
		s.logger.Warn("failed to save equity snapshot",
			zap.String("account_id", account.ID), zap.Error(err))
	}

	if !s.passesGuards(ctx, account, portfolio) {
		return
	}

	profile, err := s.modes.ResolveForAccount(account)
	if err != nil {
		s.logger.Warn("unresolvable trading mode",
			zap.String("account_id", account.ID), zap.Error(err))
		return
	}

	cycles := s.selectCycles(account, snapshot)
	if len(cycles) == 0 {
		s.logger.Info("no cycle suited for current market",
			zap.String("account_id", account.ID))
		return
	}
	s.markCycle(account.ID)

	s.logger.Info("autopilot cycle starting",
		zap.String("account_id", account.ID),
		zap.Strings("cycles", cycles))

	for _, cycle := range cycles {
		if cycle == StrategyArbitrageHunter {
			s.runArbitrage(ctx, account.ID, snapshot, portfolio, profile)
			continue
		}
		result := s.pipeline.TriggerPipeline(ctx, PipelineRequest{
			AccountID:    account.ID,
			AnalysisType: cycle,
			Symbols:      snapshotSymbols(snapshot),
			Source:       TriggerAutopilot,
		})
		s.logger.Info("autopilot pipeline cycle finished",
			zap.String("account_id", account.ID),
			zap.String("cycle", cycle),
			zap.String("run_id", result.RunID),
			zap.Bool("success", result.Success),
			zap.Int("trades", result.TradesExecuted))
	}
}

// passesGuards 账户级护栏：止盈上限、余额下限、单日交易上限
func (s *AutopilotService) passesGuards(ctx context.Context, account *models.Account, portfolio *Portfolio) bool {
	metrics := portfolio.Metrics

	if account.ProfitCeiling > 0 && metrics.RealizedPnl >= account.ProfitCeiling {
		if s.markCeilingReached(account.ID) {
			s.logger.Info("profit ceiling reached, autopilot paused",
				zap.String("account_id", account.ID),
				zap.Float64("realized_pnl", metrics.RealizedPnl),
				zap.Float64("ceiling", account.ProfitCeiling))
			s.notify("Profit ceiling reached",
				fmt.Sprintf("account %s realized %.2f against ceiling %.2f, autopilot paused",
					account.ID, metrics.RealizedPnl, account.ProfitCeiling))
		}
		return false
	}
	s.clearCeilingReached(account.ID)

	if account.MinBalanceFloor > 0 && metrics.TotalBalance < account.MinBalanceFloor {
		s.logger.Info("balance below trading floor, autopilot skipped",
			zap.String("account_id", account.ID),
			zap.Float64("balance", metrics.TotalBalance),
			zap.Float64("floor", account.MinBalanceFloor))
		return false
	}

	if account.DailyTradeCeiling > 0 {
		count, err := s.accounts.CountTradesToday(ctx, account.ID)
		if err != nil {
			s.logger.Warn("failed to count today's trades",
				zap.String("account_id", account.ID), zap.Error(err))
		} else if count >= int64(account.DailyTradeCeiling) {
			s.logger.Info("daily trade ceiling reached, autopilot skipped",
				zap.String("account_id", account.ID),
				zap.Int64("trades_today", count),
				zap.Int("ceiling", account.DailyTradeCeiling))
			return false
		}
	}
	return true
}

// selectCycles 授权且适配行情的周期类型，受账户强度上限约束
// 存在套利机会时套利永远排第一
func (s *AutopilotService) selectCycles(account *models.Account, snapshot *MarketSnapshot) []string {
	entitled := []string(account.Entitlements)
	if len(entitled) == 0 {
		entitled = s.generator.Names()
	}
	cycles := s.generator.Candidates(entitled, snapshot)
	if len(snapshot.Arbitrage) > 0 {
		cycles = promoteToFront(cycles, StrategyArbitrageHunter)
	}

	intensity := account.AutopilotIntensity
	if intensity <= 0 {
		intensity = 1
	}
	if len(cycles) > intensity {
		cycles = cycles[:intensity]
	}
	return cycles
}

// runArbitrage 套利快速通道：生成、定容、终检后直接成对下单，绕过五阶段流水线
// 单腿在定容或终检失败只淘汰自己，成交腿的补偿平仓由执行服务负责
func (s *AutopilotService) runArbitrage(ctx context.Context, accountID string,
	snapshot *MarketSnapshot, portfolio *Portfolio, profile ModeProfile) {

	signals := s.generator.GenerateAll(ctx, []string{StrategyArbitrageHunter}, snapshot, profile)
	if len(signals) == 0 {
		s.logger.Info("no arbitrage legs generated", zap.String("account_id", accountID))
		return
	}

	var legs []*Signal
	for _, sig := range signals {
		atr := 0.0
		if analysis, ok := snapshot.Symbols[sig.Symbol]; ok && analysis.Volatility != nil {
			atr = analysis.Volatility.ATRPercent
		}
		if err := s.risk.SizePosition(ctx, sig, portfolio, profile, atr); err != nil {
			s.logger.Warn("arbitrage leg dropped at sizing",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		if err := s.executor.ValidateForExecution(ctx, sig, portfolio, profile); err != nil {
			s.logger.Warn("arbitrage leg failed final validation",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		legs = append(legs, sig)
	}
	if len(legs) == 0 {
		return
	}

	trades, err := s.executor.ExecuteArbitrage(ctx, accountID, legs)
	if err != nil {
		s.logger.Error("arbitrage fast path failed",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	s.logger.Info("arbitrage fast path executed",
		zap.String("account_id", accountID),
		zap.Int("legs", len(trades)))
}

// StartAutonomous 启用账户的自动驾驶，强度为每周期最多启动的任务数
func (s *AutopilotService) StartAutonomous(ctx context.Context, accountID string, intensity int) error {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Enabled {
		return xe.ErrAutopilotRunning
	}

	account.Enabled = true
	if intensity > 0 {
		account.AutopilotIntensity = intensity
	}
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return err
	}

	s.logger.Info("autopilot enabled",
		zap.String("account_id", accountID),
		zap.Int("intensity", account.AutopilotIntensity))
	return nil
}

// StopAutonomous 停用账户的自动驾驶，在途周期会跑完但不再开始新周期
func (s *AutopilotService) StopAutonomous(ctx context.Context, accountID string) error {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Enabled {
		return xe.ErrAutopilotStopped
	}

	account.Enabled = false
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return err
	}

	s.logger.Info("autopilot disabled", zap.String("account_id", accountID))
	return nil
}

// AutopilotStatus 账户自动驾驶状态
type AutopilotStatus struct {
	SchedulerRunning bool      `json:"scheduler_running"`
	IntervalMinutes  int       `json:"interval_minutes"`
	Enabled          bool      `json:"enabled"`
	Intensity        int       `json:"intensity"`
	CycleInFlight    bool      `json:"cycle_in_flight"`
	Halted           bool      `json:"halted"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
}

// Status 查询账户的自动驾驶状态
func (s *AutopilotService) Status(ctx context.Context, accountID string) (*AutopilotStatus, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	halted, reason := s.emergency.Halted(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return &AutopilotStatus{
		SchedulerRunning: s.running,
		IntervalMinutes:  s.intervalMinutes(),
		Enabled:          account.Enabled,
		Intensity:        account.AutopilotIntensity,
		CycleInFlight:    s.inFlight[accountID],
		Halted:           halted,
		HaltReason:       reason,
		LastCycleAt:      s.lastCycle[accountID],
	}, nil
}

// SetIntervalOverride 运行时覆盖调度周期（分钟），传0恢复配置值，下次Start生效
func (s *AutopilotService) SetIntervalOverride(minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervalOverride = minutes
}

// SetRetentionDays 运行时覆盖应急记录保留期（天），传0恢复默认值
func (s *AutopilotService) SetRetentionDays(days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retentionOverride = time.Duration(days) * 24 * time.Hour
}

func (s *AutopilotService) actionRetention() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retentionOverride > 0 {
		return s.retentionOverride
	}
	return emergencyActionRetention
}

// 调用方需持有s.mu
func (s *AutopilotService) intervalMinutes() int {
	if s.intervalOverride > 0 {
		return s.intervalOverride
	}
	if s.conf.Trading.IntervalMinutes > 0 {
		return s.conf.Trading.IntervalMinutes
	}
	return defaultIntervalMinutes
}

func (s *AutopilotService) acquireCycle(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[accountID] {
		return false
	}
	s.inFlight[accountID] = true
	return true
}

func (s *AutopilotService) releaseCycle(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, accountID)
}

func (s *AutopilotService) markCycle(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle[accountID] = time.Now()
}

// markCeilingReached 返回是否是本次新触达，只有新触达才发通知
func (s *AutopilotService) markCeilingReached(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ceilingNotified[accountID] {
		return false
	}
	s.ceilingNotified[accountID] = true
	return true
}

func (s *AutopilotService) clearCeilingReached(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ceilingNotified, accountID)
}

// notify 发出通知但从不等待结果
func (s *AutopilotService) notify(title, message string) {
	if s.notifier == nil {
		return
	}
	go s.notifier.Notify(title, message)
}

// snapshotSymbols 按字典序返回快照覆盖的符号
func snapshotSymbols(snapshot *MarketSnapshot) []string {
	symbols := make([]string, 0, len(snapshot.Symbols))
	for symbol := range snapshot.Symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
