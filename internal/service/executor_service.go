package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// 24小时成交额须达到订单名义价值的该倍数，低于即判定流动性不足
	liquidityVolumeMultiple = 100.0
	// 币安U本位合约的最小名义价值
	minOrderNotional = 5.0
)

// ExecutorService 订单执行服务，负责信号落单、交易流水与策略表现回写
type ExecutorService struct {
	logger      *zap.Logger
	exchange    exchange.Exchange
	risk        *RiskService
	performance *PerformanceService
	tradeRepo   *repo.TradeRepo
}

func NewExecutorService(ex exchange.Exchange, risk *RiskService,
	performance *PerformanceService, tradeRepo *repo.TradeRepo, logger *zap.Logger) *ExecutorService {
	return &ExecutorService{
		logger:      logger,
		exchange:    ex,
		risk:        risk,
		performance: performance,
		tradeRepo:   tradeRepo,
	}
}

// ValidateForExecution 下单前的独立终检，失败表示该信号跳过执行而非流程出错
// 仓位超出模式上限时收缩数量到上限，而不是直接拒绝
func (s *ExecutorService) ValidateForExecution(ctx context.Context, signal *Signal,
	portfolio *Portfolio, profile ModeProfile) error {
	if signal.Quantity <= 0 || signal.EntryPrice <= 0 {
		return fmt.Errorf("signal %s has no executable size", signal.Symbol)
	}

	info, err := s.exchange.GetSymbolInfo(ctx, signal.Symbol)
	if err != nil {
		return fmt.Errorf("venue check failed for %s: %w", signal.Symbol, err)
	}

	equity := portfolio.Metrics.TotalBalance
	notional := signal.Quantity * signal.EntryPrice

	if profile.MaxPositionPercent > 0 && equity > 0 {
		maxNotional := equity * profile.MaxPositionPercent / 100
		if notional > maxNotional {
			scaled, err := s.exchange.FormatQuantity(ctx, signal.Symbol, maxNotional/signal.EntryPrice)
			if err != nil {
				return fmt.Errorf("failed to rescale %s quantity: %w", signal.Symbol, err)
			}
			if scaled <= 0 {
				return fmt.Errorf("position limit rescale leaves no size for %s", signal.Symbol)
			}
			s.logger.Info("signal rescaled to position limit",
				zap.String("symbol", signal.Symbol),
				zap.Float64("original_quantity", signal.Quantity),
				zap.Float64("scaled_quantity", scaled))
			signal.Quantity = scaled
			notional = scaled * signal.EntryPrice
		}
	}

	minNotional := info.MinNotional
	if minNotional <= 0 {
		minNotional = minOrderNotional
	}
	if notional < minNotional {
		return fmt.Errorf("order notional %.2f below venue minimum %.2f", notional, minNotional)
	}

	leverage := signal.Leverage
	if leverage < 1 {
		leverage = 1
	}
	margin := notional / float64(leverage)
	if margin > portfolio.Metrics.Available {
		return fmt.Errorf("insufficient balance: need %.2f margin, have %.2f available",
			margin, portfolio.Metrics.Available)
	}

	ticker, err := s.exchange.GetTicker24h(ctx, signal.Symbol)
	if err != nil {
		return fmt.Errorf("liquidity check failed for %s: %w", signal.Symbol, err)
	}
	required := notional * liquidityVolumeMultiple
	if ticker.QuoteVolume < required {
		return fmt.Errorf("insufficient liquidity for %s: 24h quote volume %.0f below %.0f",
			signal.Symbol, ticker.QuoteVolume, required)
	}
	return nil
}

// Execute 按信号市价开仓并记录交易流水
func (s *ExecutorService) Execute(ctx context.Context, accountID string, signal *Signal) (*models.Trade, error) {
	if signal.Quantity <= 0 {
		return nil, fmt.Errorf("signal %s has no quantity", signal.Symbol)
	}

	leverage := signal.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if err := s.risk.SetupSymbol(ctx, signal.Symbol, leverage); err != nil {
		return nil, fmt.Errorf("failed to setup leverage: %w", err)
	}

	currentPrice, err := s.exchange.GetCurrentPrice(ctx, signal.Symbol)
	if err != nil {
		s.logger.Warn("failed to get current price before order",
			zap.String("symbol", signal.Symbol), zap.Error(err))
		currentPrice = signal.EntryPrice
	}

	var order *exchange.OrderResult
	if signal.Side == SideLong {
		order, err = s.exchange.OpenLongPosition(ctx, signal.Symbol, signal.Quantity)
	} else {
		order, err = s.exchange.OpenShortPosition(ctx, signal.Symbol, signal.Quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open position: %w", err)
	}

	avgPrice := order.AvgPrice
	if avgPrice == 0 {
		avgPrice = currentPrice
	}
	executedQty := order.ExecutedQty
	if executedQty == 0 {
		executedQty = signal.Quantity
	}

	trade := &models.Trade{
		ID:         ulid.Make().String(),
		AccountID:  accountID,
		Strategy:   signal.Strategy,
		Symbol:     signal.Symbol,
		Type:       "open",
		Side:       signal.Side,
		Price:      avgPrice,
		Quantity:   executedQty,
		Leverage:   leverage,
		OrderID:    fmt.Sprintf("%d", order.OrderID),
		ExecutedAt: time.Now(),
	}
	if err := s.tradeRepo.Create(ctx, trade); err != nil {
		s.logger.Error("failed to save trade", zap.Error(err))
	}

	s.logger.Info("position opened",
		zap.String("account_id", accountID),
		zap.String("strategy", signal.Strategy),
		zap.String("symbol", signal.Symbol),
		zap.String("side", signal.Side),
		zap.Float64("price", avgPrice),
		zap.Float64("quantity", executedQty),
		zap.Int("leverage", leverage))

	return trade, nil
}

// Close 市价平仓、记录平仓流水并把已实现盈亏回写到策略表现
func (s *ExecutorService) Close(ctx context.Context, accountID string,
	position *exchange.Position, reason string) (*models.Trade, error) {
	quantity := math.Abs(position.PositionAmount)
	if quantity <= 0 {
		return nil, fmt.Errorf("no open quantity for %s", position.Symbol)
	}

	currentPrice, err := s.exchange.GetCurrentPrice(ctx, position.Symbol)
	if err != nil {
		s.logger.Warn("failed to get current price for close",
			zap.String("symbol", position.Symbol), zap.Error(err))
		currentPrice = position.MarkPrice
	}

	var order *exchange.OrderResult
	if position.Side == SideLong {
		order, err = s.exchange.CloseLongPosition(ctx, position.Symbol, quantity)
	} else {
		order, err = s.exchange.CloseShortPosition(ctx, position.Symbol, quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close position: %w", err)
	}

	avgPrice := order.AvgPrice
	if avgPrice == 0 {
		avgPrice = currentPrice
	}
	executedQty := order.ExecutedQty
	if executedQty == 0 {
		executedQty = quantity
	}

	strategy := s.resolveStrategy(ctx, accountID, position.Symbol)
	pnl := position.UnrealizedProfit

	trade := &models.Trade{
		ID:         ulid.Make().String(),
		AccountID:  accountID,
		Strategy:   strategy,
		Symbol:     position.Symbol,
		Type:       "close",
		Side:       position.Side,
		Price:      avgPrice,
		Quantity:   executedQty,
		Leverage:   position.Leverage,
		Pnl:        pnl,
		OrderID:    fmt.Sprintf("%d", order.OrderID),
		ExecutedAt: time.Now(),
	}
	if err := s.tradeRepo.Create(ctx, trade); err != nil {
		s.logger.Error("failed to save trade", zap.Error(err))
	}

	if err := s.performance.RecordOutcome(ctx, accountID, strategy, pnl); err != nil {
		s.logger.Warn("failed to record strategy outcome",
			zap.String("strategy", strategy), zap.Error(err))
	}

	s.logger.Info("position closed",
		zap.String("account_id", accountID),
		zap.String("strategy", strategy),
		zap.String("symbol", position.Symbol),
		zap.String("side", position.Side),
		zap.Float64("pnl", pnl),
		zap.String("reason", reason))

	return trade, nil
}

// ExecuteArbitrage 并发执行套利腿，任一腿失败时对已成交腿做对冲性平仓
// 资金费套利的收益按当期费率在开仓时即计入策略表现
func (s *ExecutorService) ExecuteArbitrage(ctx context.Context, accountID string,
	legs []*Signal) ([]*models.Trade, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("no arbitrage legs to execute")
	}

	trades := make([]*models.Trade, len(legs))
	errs := make([]error, len(legs))

	var wg sync.WaitGroup
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, leg *Signal) {
			defer wg.Done()
			trades[i], errs[i] = s.Execute(ctx, accountID, leg)
		}(i, leg)
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			s.logger.Error("arbitrage leg failed",
				zap.String("symbol", legs[i].Symbol), zap.Error(err))
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		for i, trade := range trades {
			if trade == nil {
				continue
			}
			s.compensate(ctx, accountID, legs[i], trade)
		}
		if err := s.performance.RecordOutcome(ctx, accountID, StrategyArbitrageHunter, 0); err != nil {
			s.logger.Warn("failed to record arbitrage outcome", zap.Error(err))
		}
		return nil, fmt.Errorf("arbitrage execution failed: %w", errors.Join(failed...))
	}

	filled := make([]*models.Trade, 0, len(trades))
	outcome := 0.0
	for _, trade := range trades {
		filled = append(filled, trade)
		outcome += s.fundingCapture(ctx, trade)
	}
	if err := s.performance.RecordOutcome(ctx, accountID, StrategyArbitrageHunter, outcome); err != nil {
		s.logger.Warn("failed to record arbitrage outcome", zap.Error(err))
	}

	s.logger.Info("arbitrage pair executed",
		zap.String("account_id", accountID),
		zap.Int("legs", len(filled)),
		zap.Float64("expected_capture", outcome))

	return filled, nil
}

// compensate 套利对只成交部分腿时立刻反向平掉，避免留下裸露敞口
func (s *ExecutorService) compensate(ctx context.Context, accountID string, leg *Signal, trade *models.Trade) {
	var order *exchange.OrderResult
	var err error
	if leg.Side == SideLong {
		order, err = s.exchange.CloseLongPosition(ctx, leg.Symbol, trade.Quantity)
	} else {
		order, err = s.exchange.CloseShortPosition(ctx, leg.Symbol, trade.Quantity)
	}
	if err != nil {
		s.logger.Error("compensating close failed, manual intervention required",
			zap.String("account_id", accountID),
			zap.String("symbol", leg.Symbol),
			zap.Error(err))
		return
	}

	closeTrade := &models.Trade{
		ID:         ulid.Make().String(),
		AccountID:  accountID,
		Strategy:   StrategyArbitrageHunter,
		Symbol:     leg.Symbol,
		Type:       "close",
		Side:       leg.Side,
		Price:      trade.Price,
		Quantity:   trade.Quantity,
		Leverage:   trade.Leverage,
		OrderID:    fmt.Sprintf("%d", order.OrderID),
		ExecutedAt: time.Now(),
	}
	if err := s.tradeRepo.Create(ctx, closeTrade); err != nil {
		s.logger.Error("failed to save trade", zap.Error(err))
	}

	s.logger.Warn("compensating close executed",
		zap.String("account_id", accountID),
		zap.String("symbol", leg.Symbol),
		zap.Float64("quantity", trade.Quantity))
}

// fundingCapture 按开仓名义价值估算当期资金费的预期捕获额
func (s *ExecutorService) fundingCapture(ctx context.Context, trade *models.Trade) float64 {
	rate, err := s.exchange.GetFundingRate(ctx, trade.Symbol)
	if err != nil {
		s.logger.Warn("failed to get funding rate for capture estimate",
			zap.String("symbol", trade.Symbol), zap.Error(err))
		return 0
	}
	return math.Abs(rate) * trade.Price * trade.Quantity
}

// resolveStrategy 平仓时从最近一笔开仓回溯策略归属
func (s *ExecutorService) resolveStrategy(ctx context.Context, accountID, symbol string) string {
	last, err := s.tradeRepo.FindLastOpenBySymbol(ctx, accountID, symbol)
	if err != nil {
		s.logger.Warn("failed to look up opening trade",
			zap.String("symbol", symbol), zap.Error(err))
		return "manual"
	}
	if last == nil {
		return "manual"
	}
	return last.Strategy
}
