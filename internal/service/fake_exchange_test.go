package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/dushixiang/argus/pkg/exchange"
)

// fakeExchange 测试用交易所，返回预置行情并记录所有下单调用
type fakeExchange struct {
	mu sync.Mutex

	prices       map[string]float64
	klines       map[string][]*exchange.Kline
	fundingRates map[string]float64
	tickers      map[string]*exchange.Ticker24h
	accountInfo  *exchange.AccountInfo
	positions    []*exchange.Position

	orders      []fakeOrder
	leverages   map[string]int
	marginTypes map[string]exchange.MarginType

	accountErr    error
	orderErr      error
	failOrders    map[string]bool // 按符号拒单
	symbolInfoErr error

	nextOrderID int64
}

type fakeOrder struct {
	symbol     string
	side       exchange.OrderSide
	quantity   float64
	reduceOnly bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:       map[string]float64{},
		klines:       map[string][]*exchange.Kline{},
		fundingRates: map[string]float64{},
		tickers:      map[string]*exchange.Ticker24h{},
		leverages:    map[string]int{},
		marginTypes:  map[string]exchange.MarginType{},
		failOrders:   map[string]bool{},
	}
}

func (f *fakeExchange) recordedOrders() []fakeOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeOrder, len(f.orders))
	copy(out, f.orders)
	return out
}

func (f *fakeExchange) GetKlines(_ context.Context, symbol string, _ string, _ int) ([]*exchange.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	klines, ok := f.klines[symbol]
	if !ok {
		return nil, fmt.Errorf("no klines for %s", symbol)
	}
	return klines, nil
}

func (f *fakeExchange) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (f *fakeExchange) GetAllPrices(_ context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) GetFundingRate(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fundingRates[symbol], nil
}

func (f *fakeExchange) GetTicker24h(_ context.Context, symbol string) (*exchange.Ticker24h, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticker, ok := f.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	return ticker, nil
}

func (f *fakeExchange) GetAllTickers24h(_ context.Context) ([]*exchange.Ticker24h, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*exchange.Ticker24h, 0, len(f.tickers))
	for _, ticker := range f.tickers {
		out = append(out, ticker)
	}
	return out, nil
}

func (f *fakeExchange) GetAccountInfo(_ context.Context) (*exchange.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	if f.accountInfo == nil {
		return &exchange.AccountInfo{TotalBalance: 10000, AvailableBalance: 10000}, nil
	}
	info := *f.accountInfo
	return &info, nil
}

func (f *fakeExchange) GetPositions(_ context.Context) ([]*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	out := make([]*exchange.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverages[symbol] = leverage
	return nil
}

func (f *fakeExchange) SetMarginType(_ context.Context, symbol string, marginType exchange.MarginType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marginTypes[symbol] = marginType
	return nil
}

func (f *fakeExchange) CreateMarketOrder(_ context.Context, symbol string, side exchange.OrderSide,
	quantity float64, reduceOnly bool) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	if f.failOrders[symbol] {
		return nil, fmt.Errorf("order rejected for %s", symbol)
	}
	f.orders = append(f.orders, fakeOrder{symbol: symbol, side: side, quantity: quantity, reduceOnly: reduceOnly})
	f.nextOrderID++
	return &exchange.OrderResult{
		OrderID:     f.nextOrderID,
		Symbol:      symbol,
		Side:        string(side),
		Type:        "MARKET",
		Quantity:    quantity,
		AvgPrice:    f.prices[symbol],
		Status:      "FILLED",
		ExecutedQty: quantity,
	}, nil
}

func (f *fakeExchange) OpenLongPosition(ctx context.Context, symbol string, quantity float64) (*exchange.OrderResult, error) {
	return f.CreateMarketOrder(ctx, symbol, exchange.OrderSideBuy, quantity, false)
}

func (f *fakeExchange) OpenShortPosition(ctx context.Context, symbol string, quantity float64) (*exchange.OrderResult, error) {
	return f.CreateMarketOrder(ctx, symbol, exchange.OrderSideSell, quantity, false)
}

func (f *fakeExchange) CloseLongPosition(ctx context.Context, symbol string, quantity float64) (*exchange.OrderResult, error) {
	return f.CreateMarketOrder(ctx, symbol, exchange.OrderSideSell, quantity, true)
}

func (f *fakeExchange) CloseShortPosition(ctx context.Context, symbol string, quantity float64) (*exchange.OrderResult, error) {
	return f.CreateMarketOrder(ctx, symbol, exchange.OrderSideBuy, quantity, true)
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, _ int64) error {
	return nil
}

func (f *fakeExchange) GetOrderStatus(_ context.Context, symbol string, orderID int64) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: orderID, Symbol: symbol, Status: "FILLED"}, nil
}

func (f *fakeExchange) GetSymbolInfo(_ context.Context, symbol string) (*exchange.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.symbolInfoErr != nil {
		return nil, f.symbolInfoErr
	}
	return &exchange.SymbolInfo{Symbol: symbol, QuantityPrecision: 3, PricePrecision: 2}, nil
}

func (f *fakeExchange) FormatQuantity(_ context.Context, _ string, quantity float64) (float64, error) {
	return quantity, nil
}
