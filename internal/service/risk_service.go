package service

import (
	"context"
	"fmt"

	"github.com/dushixiang/argus/pkg/exchange"
	"go.uber.org/zap"
)

// RiskService 风控服务，负责仓位计算与下单前的风险约束
type RiskService struct {
	logger   *zap.Logger
	exchange exchange.Exchange
}

// NewRiskService 创建风控服务
func NewRiskService(ex exchange.Exchange, logger *zap.Logger) *RiskService {
	return &RiskService{
		logger:   logger,
		exchange: ex,
	}
}

// SizePosition 为信号计算仓位、杠杆与止损止盈价位
// 止损止盈区间随实际波动放大或收窄，仓位受模式约束与可用保证金双重限制
func (s *RiskService) SizePosition(ctx context.Context, signal *Signal, portfolio *Portfolio, profile ModeProfile, atrPercent float64) error {
	equity := portfolio.Metrics.TotalBalance
	if equity <= 0 {
		return fmt.Errorf("account equity is zero")
	}
	if signal.EntryPrice <= 0 {
		return fmt.Errorf("signal %s has no entry price", signal.Symbol)
	}

	leverage := s.RecommendLeverage(signal.Confidence, profile)
	stopLossPct, profitTargetPct := volatilityBands(profile.StopLossPercent, profile.ProfitTargetPercent, atrPercent)

	// 单笔最多消耗一半的当日亏损预算
	riskAmount := equity * profile.MaxDailyLossPercent / 100 / 2
	notional := riskAmount / (stopLossPct / 100)

	if maxNotional := equity * profile.MaxPositionPercent / 100; notional > maxNotional {
		notional = maxNotional
	}
	// 冲突协调阶段给出的名义价值上限
	if signal.MaxNotional > 0 && notional > signal.MaxNotional {
		notional = signal.MaxNotional
	}

	// 保留现金底仓后的可用保证金
	investable := portfolio.Metrics.Available - equity*profile.CashReservePercent/100
	if investable <= 0 {
		return fmt.Errorf("no investable balance after %.0f%% cash reserve", profile.CashReservePercent)
	}
	if margin := notional / float64(leverage); margin > investable {
		notional = investable * float64(leverage)
	}

	quantity, err := s.exchange.FormatQuantity(ctx, signal.Symbol, notional/signal.EntryPrice)
	if err != nil {
		return fmt.Errorf("failed to format quantity: %w", err)
	}
	if quantity <= 0 {
		return fmt.Errorf("position for %s rounds to zero", signal.Symbol)
	}

	signal.Quantity = quantity
	signal.Leverage = leverage
	if signal.Side == SideLong {
		signal.StopLoss = signal.EntryPrice * (1 - stopLossPct/100)
		signal.TakeProfit = signal.EntryPrice * (1 + profitTargetPct/100)
	} else {
		signal.StopLoss = signal.EntryPrice * (1 + stopLossPct/100)
		signal.TakeProfit = signal.EntryPrice * (1 - profitTargetPct/100)
	}

	s.logger.Debug("position sized",
		zap.String("symbol", signal.Symbol),
		zap.String("side", signal.Side),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
		zap.Float64("stop_loss", signal.StopLoss),
		zap.Float64("take_profit", signal.TakeProfit))
	return nil
}

// RecommendLeverage 按信号强度推荐杠杆，不超过模式上限
func (s *RiskService) RecommendLeverage(confidence float64, profile ModeProfile) int {
	leverage := 2
	switch {
	case confidence >= 0.85:
		leverage = 8
	case confidence >= 0.75:
		leverage = 5
	case confidence >= 0.65:
		leverage = 3
	}
	if profile.MaxLeverage > 0 && leverage > profile.MaxLeverage {
		leverage = profile.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}
	return leverage
}

// CanOpenNewPosition 开新仓前的账户级检查
func (s *RiskService) CanOpenNewPosition(portfolio *Portfolio, profile ModeProfile) (bool, string) {
	if drawdown := -portfolio.Metrics.DrawdownFromPeak; drawdown >= profile.MaxDrawdownPercent {
		return false, fmt.Sprintf("drawdown %.2f%% exceeds %.0f%% limit", drawdown, profile.MaxDrawdownPercent)
	}
	if profile.MaxParallelPositions > 0 && len(portfolio.Positions) >= profile.MaxParallelPositions {
		return false, fmt.Sprintf("position count %d at mode limit", len(portfolio.Positions))
	}
	if portfolio.MarginUsedPct > 80 {
		return false, fmt.Sprintf("margin usage %.1f%% too high", portfolio.MarginUsedPct)
	}
	return true, ""
}

// SetupSymbol 下单前设置逐仓模式与杠杆
func (s *RiskService) SetupSymbol(ctx context.Context, symbol string, leverage int) error {
	if err := s.exchange.SetMarginType(ctx, symbol, exchange.MarginTypeIsolated); err != nil {
		s.logger.Warn("failed to set margin type",
			zap.String("symbol", symbol),
			zap.Error(err))
	}
	if err := s.exchange.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// SweepPositions 对在场持仓执行止损止盈扫描，返回平掉的数量
// 单个持仓平仓失败只记录日志，继续扫描其余持仓
func (s *RiskService) SweepPositions(ctx context.Context, profile ModeProfile) (int, error) {
	positions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get positions: %w", err)
	}

	closed := 0
	for _, position := range positions {
		pnlPct := positionPnlPercent(position)

		var reason string
		switch {
		case pnlPct <= -profile.StopLossPercent:
			reason = fmt.Sprintf("stop loss hit: %.2f%% <= -%.2f%%", pnlPct, profile.StopLossPercent)
		case pnlPct >= profile.ProfitTargetPercent:
			reason = fmt.Sprintf("profit target hit: %.2f%% >= %.2f%%", pnlPct, profile.ProfitTargetPercent)
		default:
			continue
		}

		if err := s.ClosePosition(ctx, position, reason); err != nil {
			s.logger.Error("failed to close position",
				zap.String("symbol", position.Symbol),
				zap.Error(err))
			continue
		}
		closed++
	}
	return closed, nil
}

// ClosePosition 按持仓方向市价平仓
func (s *RiskService) ClosePosition(ctx context.Context, position *exchange.Position, reason string) error {
	s.logger.Info("closing position",
		zap.String("symbol", position.Symbol),
		zap.String("side", position.Side),
		zap.Float64("amount", position.PositionAmount),
		zap.String("reason", reason))

	quantity := position.PositionAmount
	if quantity < 0 {
		quantity = -quantity
	}

	var err error
	if position.Side == SideLong {
		_, err = s.exchange.CloseLongPosition(ctx, position.Symbol, quantity)
	} else {
		_, err = s.exchange.CloseShortPosition(ctx, position.Symbol, quantity)
	}
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// positionPnlPercent 持仓的价格波动盈亏（不含杠杆放大）
func positionPnlPercent(position *exchange.Position) float64 {
	if position.EntryPrice <= 0 {
		return 0
	}
	change := (position.MarkPrice - position.EntryPrice) / position.EntryPrice * 100
	if position.Side == SideShort {
		change = -change
	}
	return change
}

// volatilityBands 按波动率缩放止损止盈区间
// ATR越高区间越宽，行情平静时收窄，波动未知时保持模式默认值
func volatilityBands(stopLossPct, profitTargetPct, atrPercent float64) (float64, float64) {
	factor := 1.0
	switch {
	case atrPercent >= 5:
		factor = 1.6
	case atrPercent >= 2.5:
		factor = 1.3
	case atrPercent >= 1:
		factor = 1.0
	case atrPercent > 0:
		factor = 0.8
	}
	return stopLossPct * factor, profitTargetPct * factor
}
