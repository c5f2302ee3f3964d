package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/internal/xe"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccountService 交易账户服务，为决策流水线提供组合遥测
type AccountService struct {
	logger *zap.Logger

	*orz.Service
	accountRepo *repo.AccountRepo
	historyRepo *repo.AccountHistoryRepo
	tradeRepo   *repo.TradeRepo

	exchange exchange.Exchange
}

// NewAccountService 创建账户服务
func NewAccountService(db *gorm.DB, ex exchange.Exchange, logger *zap.Logger) *AccountService {
	return &AccountService{
		logger:      logger,
		Service:     orz.NewService(db),
		accountRepo: repo.NewAccountRepo(db),
		historyRepo: repo.NewAccountHistoryRepo(db),
		tradeRepo:   repo.NewTradeRepo(db),
		exchange:    ex,
	}
}

// AccountMetrics 账户指标
type AccountMetrics struct {
	TotalBalance        float64 `json:"total_balance"`   // 账户总净值（含未实现盈亏）
	Available           float64 `json:"available"`       // 可用余额
	UnrealisedPnl       float64 `json:"unrealised_pnl"`  // 未实现盈亏
	RealizedPnl         float64 `json:"realized_pnl"`    // 相对初始资金的已实现盈亏
	InitialBalance      float64 `json:"initial_balance"` // 初始资金
	PeakBalance         float64 `json:"peak_balance"`    // 峰值资金
	ReturnPercent       float64 `json:"return_percent"`
	DailyPnlPercent     float64 `json:"daily_pnl_percent"`    // 相对当日第一条快照
	DrawdownFromPeak    float64 `json:"drawdown_from_peak"`   // 负数表示下跌
	DrawdownFromInitial float64 `json:"drawdown_from_initial"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
}

// Portfolio 组合快照
type Portfolio struct {
	AccountID     string               `json:"account_id"`
	Metrics       *AccountMetrics      `json:"metrics"`
	Positions     []*exchange.Position `json:"positions"`
	MarginUsedPct float64              `json:"margin_used_pct"`
	MaxLeverage   int                  `json:"max_leverage"` // 当前持仓中的最高杠杆
	GeneratedAt   time.Time            `json:"generated_at"`
}

// RiskMetrics 风控遥测，每轮实时推导，从不缓存
type RiskMetrics struct {
	DailyPnlPercent   float64 `json:"daily_pnl_percent"`
	MarginUsagePct    float64 `json:"margin_usage_pct"`
	DrawdownPct       float64 `json:"drawdown_pct"`   // 正数，从峰值回撤的幅度
	VolatilityPct     float64 `json:"volatility_pct"` // 持仓符号的最大24小时振幅
	Leverage          float64 `json:"leverage"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// FindEnabledAccounts 获取所有启用的账户
func (s *AccountService) FindEnabledAccounts(ctx context.Context) ([]models.Account, error) {
	return s.accountRepo.FindEnabled(ctx)
}

// GetAccount 按ID获取账户
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accountRepo.FindById(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xe.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccounts 获取全部账户
func (s *AccountService) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return s.accountRepo.FindAll(ctx)
}

// SaveAccount 创建或更新账户
func (s *AccountService) SaveAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = ulid.Make().String()
	}
	return s.accountRepo.Save(ctx, account)
}

// GetPortfolio 拉取实时组合遥测
func (s *AccountService) GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	accountInfo, err := s.exchange.GetAccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}
	positions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	metrics := s.buildMetrics(ctx, accountID, accountInfo)
	marginUsed, maxLeverage := positionExposure(positions)

	portfolio := &Portfolio{
		AccountID:   accountID,
		Metrics:     metrics,
		Positions:   positions,
		MaxLeverage: maxLeverage,
		GeneratedAt: time.Now(),
	}
	if metrics.TotalBalance > 0 {
		portfolio.MarginUsedPct = marginUsed / metrics.TotalBalance * 100
	}
	return portfolio, nil
}

// DeriveRiskMetrics 从组合遥测推导风控指标
func (s *AccountService) DeriveRiskMetrics(ctx context.Context, portfolio *Portfolio) *RiskMetrics {
	metrics := &RiskMetrics{
		DailyPnlPercent: portfolio.Metrics.DailyPnlPercent,
		MarginUsagePct:  portfolio.MarginUsedPct,
		Leverage:        float64(portfolio.MaxLeverage),
	}
	if portfolio.Metrics.DrawdownFromPeak < 0 {
		metrics.DrawdownPct = -portfolio.Metrics.DrawdownFromPeak
	}

	for _, position := range portfolio.Positions {
		ticker, err := s.exchange.GetTicker24h(ctx, position.Symbol)
		if err != nil || ticker.LowPrice <= 0 {
			continue
		}
		rangePct := (ticker.HighPrice - ticker.LowPrice) / ticker.LowPrice * 100
		if rangePct > metrics.VolatilityPct {
			metrics.VolatilityPct = rangePct
		}
	}

	closes, err := s.tradeRepo.FindRecentCloses(ctx, portfolio.AccountID, 10)
	if err != nil {
		s.logger.Warn("failed to load recent closes", zap.Error(err))
	} else {
		metrics.ConsecutiveLosses = consecutiveLosses(closes)
	}
	return metrics
}

// SaveSnapshot 保存账户净值快照
func (s *AccountService) SaveSnapshot(ctx context.Context, accountID string, metrics *AccountMetrics) error {
	history := &models.AccountHistory{
		ID:                  ulid.Make().String(),
		AccountID:           accountID,
		TotalBalance:        metrics.TotalBalance,
		Available:           metrics.Available,
		UnrealisedPnl:       metrics.UnrealisedPnl,
		InitialBalance:      metrics.InitialBalance,
		PeakBalance:         metrics.PeakBalance,
		ReturnPercent:       metrics.ReturnPercent,
		DrawdownFromPeak:    metrics.DrawdownFromPeak,
		DrawdownFromInitial: metrics.DrawdownFromInitial,
		SharpeRatio:         metrics.SharpeRatio,
		RecordedAt:          time.Now(),
	}
	return s.historyRepo.Create(ctx, history)
}

// GetEquityCurve 获取账户净值曲线
func (s *AccountService) GetEquityCurve(ctx context.Context, accountID string) ([]models.AccountHistory, error) {
	return s.historyRepo.FindAllOrderByRecordedAt(ctx, accountID)
}

// RecentTrades 查询账户最近的交易记录
func (s *AccountService) RecentTrades(ctx context.Context, accountID string, limit int) ([]models.Trade, error) {
	return s.tradeRepo.FindRecentTrades(ctx, accountID, limit)
}

// CountTradesToday 统计当日开仓次数，用于单日交易上限
func (s *AccountService) CountTradesToday(ctx context.Context, accountID string) (int64, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	return s.tradeRepo.CountOpensSince(ctx, accountID, dayStart)
}

// buildMetrics 组装账户指标，历史数据缺失时按当前余额降级
func (s *AccountService) buildMetrics(ctx context.Context, accountID string, accountInfo *exchange.AccountInfo) *AccountMetrics {
	totalBalance := accountInfo.TotalBalance

	initialBalance := totalBalance
	firstHistory, err := s.historyRepo.FindInitialBalance(ctx, accountID)
	if err == nil {
		initialBalance = firstHistory.TotalBalance
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("failed to get initial balance", zap.Error(err))
	}

	peakBalance := totalBalance
	peakHistory, err := s.historyRepo.FindPeakBalance(ctx, accountID)
	if err == nil && peakHistory.PeakBalance > totalBalance {
		peakBalance = peakHistory.PeakBalance
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("failed to get peak balance", zap.Error(err))
	}

	metrics := &AccountMetrics{
		TotalBalance:   totalBalance,
		Available:      accountInfo.AvailableBalance,
		UnrealisedPnl:  accountInfo.UnrealizedPnl,
		RealizedPnl:    totalBalance - accountInfo.UnrealizedPnl - initialBalance,
		InitialBalance: initialBalance,
		PeakBalance:    peakBalance,
	}
	if initialBalance > 0 {
		metrics.ReturnPercent = (totalBalance - initialBalance) / initialBalance * 100
		if totalBalance < initialBalance {
			metrics.DrawdownFromInitial = (totalBalance - initialBalance) / initialBalance * 100
		}
	}
	if peakBalance > 0 {
		metrics.DrawdownFromPeak = (totalBalance - peakBalance) / peakBalance * 100
	}

	// 当日第一条快照作为日内盈亏基准
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	baseline, err := s.historyRepo.FindFirstSince(ctx, accountID, dayStart)
	if err == nil && baseline.TotalBalance > 0 {
		metrics.DailyPnlPercent = (totalBalance - baseline.TotalBalance) / baseline.TotalBalance * 100
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("failed to get daily baseline", zap.Error(err))
	}

	metrics.SharpeRatio = s.calculateSharpeRatio(ctx, accountID)
	return metrics
}

// calculateSharpeRatio 按历史快照之间的收益率计算夏普比率，无风险利率取0
func (s *AccountService) calculateSharpeRatio(ctx context.Context, accountID string) float64 {
	histories, err := s.historyRepo.FindAllOrderByRecordedAt(ctx, accountID)
	if err != nil || len(histories) < 2 {
		return 0.0
	}

	returns := make([]float64, 0, len(histories)-1)
	for i := 1; i < len(histories); i++ {
		if histories[i-1].TotalBalance > 0 {
			ret := (histories[i].TotalBalance - histories[i-1].TotalBalance) / histories[i-1].TotalBalance
			returns = append(returns, ret)
		}
	}
	if len(returns) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	avgReturn := sum / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += math.Pow(r-avgReturn, 2)
	}
	variance /= float64(len(returns))
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0.0
	}
	return avgReturn / stdDev
}

// positionExposure 计算占用保证金与最高杠杆
func positionExposure(positions []*exchange.Position) (marginUsed float64, maxLeverage int) {
	for _, position := range positions {
		if position.Leverage > 0 {
			marginUsed += math.Abs(position.PositionAmount) * position.MarkPrice / float64(position.Leverage)
		}
		if position.Leverage > maxLeverage {
			maxLeverage = position.Leverage
		}
	}
	return marginUsed, maxLeverage
}

// consecutiveLosses 从最近一笔平仓开始数连续亏损
func consecutiveLosses(closes []models.Trade) int {
	count := 0
	for _, trade := range closes {
		if trade.Pnl >= 0 {
			break
		}
		count++
	}
	return count
}
