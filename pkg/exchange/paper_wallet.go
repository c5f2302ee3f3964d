package exchange

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PaperWallet 纸钱包（模拟交易）
type PaperWallet struct {
	binanceClient *BinanceClient // 用于获取真实市场数据
	logger        *zap.Logger

	// 模拟账户数据
	balance          float64              // 账户余额
	initialBalance   float64              // 初始余额
	positions        map[string]*Position // symbol -> position
	orderID          int64                // 订单ID计数器
	symbolLeverages  map[string]int       // 每个交易对的杠杆设置
	symbolMarginType map[string]MarginType
	mu               sync.RWMutex
}

var _ Exchange = (*PaperWallet)(nil)

// NewPaperWallet 创建纸钱包
func NewPaperWallet(binanceClient *BinanceClient, initialBalance float64, logger *zap.Logger) *PaperWallet {
	return &PaperWallet{
		binanceClient:    binanceClient,
		logger:           logger,
		balance:          initialBalance,
		initialBalance:   initialBalance,
		positions:        make(map[string]*Position),
		orderID:          1000000, // 从1000000开始的模拟订单ID
		symbolLeverages:  make(map[string]int),
		symbolMarginType: make(map[string]MarginType),
	}
}

// GetKlines 获取K线数据（使用真实数据）
func (p *PaperWallet) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error) {
	return p.binanceClient.GetKlines(ctx, symbol, interval, limit)
}

// GetCurrentPrice 获取当前价格（使用真实数据）
func (p *PaperWallet) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.binanceClient.GetCurrentPrice(ctx, symbol)
}

// GetAllPrices 获取全市场价格（使用真实数据）
func (p *PaperWallet) GetAllPrices(ctx context.Context) (map[string]float64, error) {
	return p.binanceClient.GetAllPrices(ctx)
}

// GetFundingRate 获取资金费率（使用真实数据）
func (p *PaperWallet) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return p.binanceClient.GetFundingRate(ctx, symbol)
}

// GetTicker24h 获取24小时行情（使用真实数据）
func (p *PaperWallet) GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	return p.binanceClient.GetTicker24h(ctx, symbol)
}

// GetAllTickers24h 获取全市场24小时行情（使用真实数据）
func (p *PaperWallet) GetAllTickers24h(ctx context.Context) ([]*Ticker24h, error) {
	return p.binanceClient.GetAllTickers24h(ctx)
}

// GetAccountInfo 获取模拟账户信息
func (p *PaperWallet) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// 计算未实现盈亏
	unrealizedPnl := 0.0
	for _, pos := range p.positions {
		unrealizedPnl += pos.UnrealizedProfit
	}

	totalBalance := p.balance + unrealizedPnl

	// 计算已用保证金
	usedMargin := 0.0
	for _, pos := range p.positions {
		// 保证金 = 持仓价值 / 杠杆
		positionValue := pos.PositionAmount * pos.EntryPrice
		usedMargin += positionValue / float64(pos.Leverage)
	}

	availableBalance := totalBalance - usedMargin

	p.logger.Debug("paper wallet account info",
		zap.Float64("balance", p.balance),
		zap.Float64("unrealized_pnl", unrealizedPnl),
		zap.Float64("total_balance", totalBalance),
		zap.Float64("available_balance", availableBalance))

	return &AccountInfo{
		TotalBalance:     totalBalance,
		AvailableBalance: availableBalance,
		UnrealizedPnl:    unrealizedPnl,
	}, nil
}

// GetPositions 获取模拟持仓
func (p *PaperWallet) GetPositions(ctx context.Context) ([]*Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// 更新所有持仓的未实现盈亏
	result := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		currentPrice, err := p.binanceClient.GetCurrentPrice(ctx, pos.Symbol)
		if err != nil {
			p.logger.Warn("failed to get current price for position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			currentPrice = pos.MarkPrice // 使用上次的标记价格
		}

		updatedPos := *pos
		updatedPos.MarkPrice = currentPrice

		pnl := 0.0
		if pos.Side == "long" {
			pnl = (currentPrice - pos.EntryPrice) * pos.PositionAmount
		} else {
			pnl = (pos.EntryPrice - currentPrice) * pos.PositionAmount
		}
		updatedPos.UnrealizedProfit = pnl

		result = append(result, &updatedPos)
	}

	return result, nil
}

// SetLeverage 设置杠杆（仅记录）
func (p *PaperWallet) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.symbolLeverages[symbol] = leverage
	p.logger.Info("paper wallet: set leverage",
		zap.String("symbol", symbol),
		zap.Int("leverage", leverage))
	return nil
}

// SetMarginType 设置保证金模式（仅记录）
func (p *PaperWallet) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.symbolMarginType[symbol] = marginType
	p.logger.Info("paper wallet: set margin type",
		zap.String("symbol", symbol),
		zap.String("margin_type", marginType.String()))
	return nil
}

// CreateMarketOrder 创建模拟市价单
func (p *PaperWallet) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide,
	quantity float64, reduceOnly bool) (*OrderResult, error) {

	// 获取当前价格（作为成交价）
	price, err := p.binanceClient.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderID++
	orderID := p.orderID

	leverage := 1
	if lev, exists := p.symbolLeverages[symbol]; exists {
		leverage = lev
	}

	p.logger.Info("paper wallet: creating market order",
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.Bool("reduce_only", reduceOnly),
		zap.Int64("order_id", orderID))

	if reduceOnly {
		// 平仓操作
		pos, exists := p.positions[symbol]
		if !exists {
			return nil, fmt.Errorf("no position to close for %s", symbol)
		}

		pnl := 0.0
		if pos.Side == "long" {
			pnl = (price - pos.EntryPrice) * quantity
		} else {
			pnl = (pos.EntryPrice - price) * quantity
		}

		p.balance += pnl

		if quantity >= pos.PositionAmount {
			// 完全平仓
			delete(p.positions, symbol)
			p.logger.Info("paper wallet: position fully closed",
				zap.String("symbol", symbol),
				zap.Float64("pnl", pnl))
		} else {
			// 部分平仓
			pos.PositionAmount -= quantity
			p.logger.Info("paper wallet: position partially closed",
				zap.String("symbol", symbol),
				zap.Float64("remaining", pos.PositionAmount),
				zap.Float64("pnl", pnl))
		}
	} else {
		// 开仓操作
		positionValue := price * quantity
		requiredMargin := positionValue / float64(leverage)

		if requiredMargin > p.balance {
			return nil, fmt.Errorf("insufficient balance: required %.2f, available %.2f", requiredMargin, p.balance)
		}

		positionSide := side.PositionSide().String()

		if existingPos, exists := p.positions[symbol]; exists {
			if existingPos.Side != positionSide {
				return nil, fmt.Errorf("cannot open %s position while holding %s position for %s",
					positionSide, existingPos.Side, symbol)
			}

			// 增加持仓（加权平均成本）
			totalCost := existingPos.EntryPrice*existingPos.PositionAmount + price*quantity
			totalAmount := existingPos.PositionAmount + quantity
			existingPos.EntryPrice = totalCost / totalAmount
			existingPos.PositionAmount = totalAmount
			existingPos.MarkPrice = price

			p.logger.Info("paper wallet: position increased",
				zap.String("symbol", symbol),
				zap.Float64("entry_price", existingPos.EntryPrice),
				zap.Float64("amount", existingPos.PositionAmount))
		} else {
			p.positions[symbol] = &Position{
				Symbol:           symbol,
				Side:             positionSide,
				PositionAmount:   quantity,
				EntryPrice:       price,
				MarkPrice:        price,
				UnrealizedProfit: 0,
				Leverage:         leverage,
				LiquidationPrice: 0, // 简化处理，不计算强平价
			}

			p.logger.Info("paper wallet: new position opened",
				zap.String("symbol", symbol),
				zap.String("side", positionSide),
				zap.Float64("entry_price", price),
				zap.Float64("amount", quantity),
				zap.Int("leverage", leverage))
		}
	}

	return &OrderResult{
		OrderID:     orderID,
		Symbol:      symbol,
		Side:        side.String(),
		Type:        OrderTypeMarket.String(),
		Quantity:    quantity,
		Price:       price,
		AvgPrice:    price,
		Status:      OrderStatusFilled.String(),
		ExecutedQty: quantity,
	}, nil
}

// OpenLongPosition 开多仓
func (p *PaperWallet) OpenLongPosition(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return p.CreateMarketOrder(ctx, symbol, OrderSideBuy, quantity, false)
}

// OpenShortPosition 开空仓
func (p *PaperWallet) OpenShortPosition(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return p.CreateMarketOrder(ctx, symbol, OrderSideSell, quantity, false)
}

// CloseLongPosition 平多仓
func (p *PaperWallet) CloseLongPosition(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return p.CreateMarketOrder(ctx, symbol, OrderSideSell, quantity, true)
}

// CloseShortPosition 平空仓
func (p *PaperWallet) CloseShortPosition(ctx context.Context, symbol string, quantity float64) (*OrderResult, error) {
	return p.CreateMarketOrder(ctx, symbol, OrderSideBuy, quantity, true)
}

// CancelOrder 取消订单（纸钱包不支持待成交订单）
func (p *PaperWallet) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p.logger.Warn("paper wallet: cancel order not supported",
		zap.String("symbol", symbol),
		zap.Int64("order_id", orderID))
	return fmt.Errorf("paper wallet does not support pending orders")
}

// GetOrderStatus 获取订单状态（纸钱包所有订单立即成交）
func (p *PaperWallet) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	return &OrderResult{
		OrderID: orderID,
		Symbol:  symbol,
		Status:  OrderStatusFilled.String(),
	}, nil
}

// GetSymbolInfo 获取交易对信息（使用真实数据）
func (p *PaperWallet) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return p.binanceClient.GetSymbolInfo(ctx, symbol)
}

// FormatQuantity 格式化数量（使用真实规则）
func (p *PaperWallet) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	return p.binanceClient.FormatQuantity(ctx, symbol, quantity)
}

// GetBalance 获取当前余额（用于测试和调试）
func (p *PaperWallet) GetBalance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}

// Reset 重置纸钱包到初始状态
func (p *PaperWallet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance = p.initialBalance
	p.positions = make(map[string]*Position)
	p.symbolLeverages = make(map[string]int)
	p.symbolMarginType = make(map[string]MarginType)

	p.logger.Info("paper wallet reset to initial state",
		zap.Float64("initial_balance", p.initialBalance))
}
