package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/argus/pkg/exchange"
	"go.uber.org/zap"
)

// 市场数据端点
const (
	EndpointRealtimePrices    = "realtime-prices"
	EndpointTechnicalAnalysis = "technical-analysis"
	EndpointSentiment         = "sentiment"
	EndpointVolatility        = "volatility"
	EndpointSupportResistance = "support-resistance"
	EndpointMarketOverview    = "market-overview"
	EndpointTradingPipeline   = "trading-pipeline" // 由编排器处理，市场服务不认识它
)

// 各时间框架拉取的K线数量
var timeframeLimits = map[string]int{
	"5m":  120,
	"15m": 96,
	"30m": 90,
	"1h":  120,
	"4h":  180,
}

// MarketService 市场数据服务，为协调器提供各端点的真实数据
type MarketService struct {
	logger *zap.Logger

	exchange         exchange.Exchange
	indicatorService *IndicatorService
}

// NewMarketService 创建市场数据服务
func NewMarketService(ex exchange.Exchange, indicatorService *IndicatorService, logger *zap.Logger) *MarketService {
	return &MarketService{
		logger:           logger,
		exchange:         ex,
		indicatorService: indicatorService,
	}
}

// PricePayload 实时价格
type PricePayload struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// TechnicalPayload 技术分析结果
type TechnicalPayload struct {
	Symbol string `json:"symbol"`
	TimeframeIndicators
}

// SentimentPayload 市场情绪，由资金费率与24小时行情推导
type SentimentPayload struct {
	Symbol      string  `json:"symbol"`
	FundingRate float64 `json:"funding_rate"`
	Change24h   float64 `json:"change_24h"`
	Score       float64 `json:"score"` // -1(极度看空) ~ 1(极度看多)
	Label       string  `json:"label"` // bearish/neutral/bullish
}

// VolatilityPayload 波动率评估
type VolatilityPayload struct {
	Symbol          string  `json:"symbol"`
	ATRPercent      float64 `json:"atr_percent"`       // ATR14相对价格
	StdDevPercent   float64 `json:"stddev_percent"`    // 收盘价标准差相对价格
	Range24hPercent float64 `json:"range_24h_percent"` // 24小时振幅
	Level           string  `json:"level"`             // low/medium/high/extreme
}

// SupportResistancePayload 支撑阻力位
type SupportResistancePayload struct {
	Symbol                    string  `json:"symbol"`
	CurrentPrice              float64 `json:"current_price"`
	Support                   float64 `json:"support"`
	Resistance                float64 `json:"resistance"`
	SupportDistancePercent    float64 `json:"support_distance_percent"`
	ResistanceDistancePercent float64 `json:"resistance_distance_percent"`
}

// MarketOverview 市场全景
type MarketOverview struct {
	Regime         string                         `json:"regime"` // trending_up/trending_down/ranging/volatile
	BTCPrice       float64                        `json:"btc_price"`
	BreadthPercent float64                        `json:"breadth_percent"` // 24小时上涨品种占比
	AvgVolatility  float64                        `json:"avg_volatility"`  // 平均24小时振幅
	AvgFundingRate float64                        `json:"avg_funding_rate"`
	Tickers        map[string]*exchange.Ticker24h `json:"tickers"`
	GeneratedAt    time.Time                      `json:"generated_at"`
}

// Execute 执行单个端点请求
func (s *MarketService) Execute(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	switch endpoint {
	case EndpointRealtimePrices:
		payload, err := s.GetRealtimePrice(ctx, params["symbol"])
		return marshalPayload(payload, err)
	case EndpointTechnicalAnalysis:
		timeframe := params["timeframe"]
		if timeframe == "" {
			timeframe = "1h"
		}
		payload, err := s.GetTechnicalAnalysis(ctx, params["symbol"], timeframe)
		return marshalPayload(payload, err)
	case EndpointSentiment:
		payload, err := s.GetSentiment(ctx, params["symbol"])
		return marshalPayload(payload, err)
	case EndpointVolatility:
		payload, err := s.GetVolatility(ctx, params["symbol"])
		return marshalPayload(payload, err)
	case EndpointSupportResistance:
		payload, err := s.GetSupportResistance(ctx, params["symbol"])
		return marshalPayload(payload, err)
	case EndpointMarketOverview:
		symbols := splitSymbols(params["symbols"])
		payload, err := s.BuildOverview(ctx, symbols)
		return marshalPayload(payload, err)
	default:
		return nil, fmt.Errorf("unknown endpoint: %s", endpoint)
	}
}

// ExecuteBatch 批量执行同一端点的多个符号请求
// realtime-prices 端点整批只消耗一次上游调用
func (s *MarketService) ExecuteBatch(ctx context.Context, endpoint string, symbols []string, params map[string]string) (map[string]json.RawMessage, error) {
	if endpoint == EndpointRealtimePrices {
		prices, err := s.exchange.GetAllPrices(ctx)
		if err != nil {
			return nil, fmt.Errorf("batch price fetch failed: %w", err)
		}

		now := time.Now()
		result := make(map[string]json.RawMessage, len(symbols))
		for _, symbol := range symbols {
			price, ok := prices[symbol]
			if !ok {
				s.logger.Warn("symbol missing from price snapshot", zap.String("symbol", symbol))
				continue
			}
			raw, err := json.Marshal(&PricePayload{Symbol: symbol, Price: price, Timestamp: now})
			if err != nil {
				continue
			}
			result[symbol] = raw
		}
		return result, nil
	}

	// 其余端点逐个执行，单个符号失败不影响批内其他符号
	result := make(map[string]json.RawMessage, len(symbols))
	for _, symbol := range symbols {
		p := make(map[string]string, len(params)+1)
		for k, v := range params {
			p[k] = v
		}
		p["symbol"] = symbol

		raw, err := s.Execute(ctx, endpoint, p)
		if err != nil {
			s.logger.Warn("batch item failed",
				zap.String("endpoint", endpoint),
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		result[symbol] = raw
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("batch %s failed for all symbols", endpoint)
	}
	return result, nil
}

// GetRealtimePrice 获取单个符号的实时价格
func (s *MarketService) GetRealtimePrice(ctx context.Context, symbol string) (*PricePayload, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	price, err := s.exchange.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &PricePayload{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

// GetTechnicalAnalysis 获取指定时间框架的技术指标
func (s *MarketService) GetTechnicalAnalysis(ctx context.Context, symbol, timeframe string) (*TechnicalPayload, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	limit, ok := timeframeLimits[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}

	indicators := s.indicatorService.CalculateIndicators(klines)
	if indicators == nil {
		return nil, fmt.Errorf("insufficient kline data for %s %s", symbol, timeframe)
	}
	indicators.Timeframe = timeframe

	if issues := s.indicatorService.ValidateIndicators(indicators); len(issues) > 0 {
		s.logger.Warn("data quality issues",
			zap.String("symbol", symbol),
			zap.String("timeframe", timeframe),
			zap.Strings("issues", issues))
	}

	return &TechnicalPayload{Symbol: symbol, TimeframeIndicators: *indicators}, nil
}

// GetSentiment 获取市场情绪评分
func (s *MarketService) GetSentiment(ctx context.Context, symbol string) (*SentimentPayload, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	fundingRate, err := s.exchange.GetFundingRate(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ticker, err := s.exchange.GetTicker24h(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// 动量贡献看多，拥挤的资金费率反向修正
	momentum := clamp(ticker.PriceChangePercent/10, -0.6, 0.6)
	crowding := clamp(fundingRate*500, -0.4, 0.4)
	score := momentum - crowding

	label := "neutral"
	if score > 0.2 {
		label = "bullish"
	} else if score < -0.2 {
		label = "bearish"
	}

	return &SentimentPayload{
		Symbol:      symbol,
		FundingRate: fundingRate,
		Change24h:   ticker.PriceChangePercent,
		Score:       score,
		Label:       label,
	}, nil
}

// GetVolatility 获取波动率评估
func (s *MarketService) GetVolatility(ctx context.Context, symbol string) (*VolatilityPayload, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, "1h", timeframeLimits["1h"])
	if err != nil {
		return nil, err
	}
	atrPercent, stdDevPercent := s.indicatorService.CalculateVolatility(klines)

	rangePercent := 0.0
	if ticker, err := s.exchange.GetTicker24h(ctx, symbol); err != nil {
		s.logger.Warn("failed to get 24h ticker for volatility", zap.String("symbol", symbol), zap.Error(err))
	} else if ticker.LowPrice > 0 {
		rangePercent = (ticker.HighPrice - ticker.LowPrice) / ticker.LowPrice * 100
	}

	level := "low"
	switch {
	case atrPercent >= 5:
		level = "extreme"
	case atrPercent >= 2.5:
		level = "high"
	case atrPercent >= 1:
		level = "medium"
	}

	return &VolatilityPayload{
		Symbol:          symbol,
		ATRPercent:      atrPercent,
		StdDevPercent:   stdDevPercent,
		Range24hPercent: rangePercent,
		Level:           level,
	}, nil
}

// GetSupportResistance 获取支撑阻力位（4小时级别近60根K线）
func (s *MarketService) GetSupportResistance(ctx context.Context, symbol string) (*SupportResistancePayload, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, "4h", timeframeLimits["4h"])
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("no kline data for %s", symbol)
	}

	support, resistance := s.indicatorService.CalculateSupportResistance(klines, 60)
	currentPrice := klines[len(klines)-1].Close

	payload := &SupportResistancePayload{
		Symbol:       symbol,
		CurrentPrice: currentPrice,
		Support:      support,
		Resistance:   resistance,
	}
	if currentPrice > 0 {
		payload.SupportDistancePercent = (currentPrice - support) / currentPrice * 100
		payload.ResistanceDistancePercent = (resistance - currentPrice) / currentPrice * 100
	}

	return payload, nil
}

// CollectTimeframes 收集符号在全部时间框架下的指标
func (s *MarketService) CollectTimeframes(ctx context.Context, symbol string) (map[string]*TimeframeIndicators, error) {
	result := make(map[string]*TimeframeIndicators)

	for timeframe, limit := range timeframeLimits {
		klines, err := s.exchange.GetKlines(ctx, symbol, timeframe, limit)
		if err != nil {
			s.logger.Error("failed to get klines",
				zap.String("symbol", symbol),
				zap.String("timeframe", timeframe),
				zap.Error(err))
			continue
		}

		indicators := s.indicatorService.CalculateIndicators(klines)
		if indicators == nil {
			continue
		}
		indicators.Timeframe = timeframe
		result[timeframe] = indicators
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("failed to collect indicators for %s on any timeframe", symbol)
	}
	return result, nil
}

// BuildOverview 构建市场全景，用于识别当前行情状态
func (s *MarketService) BuildOverview(ctx context.Context, symbols []string) (*MarketOverview, error) {
	overview := &MarketOverview{
		Tickers:     make(map[string]*exchange.Ticker24h),
		GeneratedAt: time.Now(),
	}

	risers := 0
	totalRange := 0.0
	totalFunding := 0.0
	fundingCount := 0

	for _, symbol := range symbols {
		ticker, err := s.exchange.GetTicker24h(ctx, symbol)
		if err != nil {
			s.logger.Warn("failed to get ticker for overview",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		overview.Tickers[symbol] = ticker

		if ticker.PriceChangePercent > 0 {
			risers++
		}
		if ticker.LowPrice > 0 {
			totalRange += (ticker.HighPrice - ticker.LowPrice) / ticker.LowPrice * 100
		}

		if rate, err := s.exchange.GetFundingRate(ctx, symbol); err == nil {
			totalFunding += rate
			fundingCount++
		}
	}

	if len(overview.Tickers) == 0 {
		return nil, fmt.Errorf("failed to build market overview for any symbol")
	}

	overview.BreadthPercent = float64(risers) / float64(len(overview.Tickers)) * 100
	overview.AvgVolatility = totalRange / float64(len(overview.Tickers))
	if fundingCount > 0 {
		overview.AvgFundingRate = totalFunding / float64(fundingCount)
	}

	// 用BTC的1小时趋势判定行情状态
	overview.Regime = "ranging"
	btcKlines, err := s.exchange.GetKlines(ctx, "BTCUSDT", "1h", timeframeLimits["1h"])
	if err != nil {
		s.logger.Warn("failed to get BTC klines for regime detection", zap.Error(err))
	} else if indicators := s.indicatorService.CalculateIndicators(btcKlines); indicators != nil {
		overview.BTCPrice = indicators.Price
		switch {
		case overview.AvgVolatility >= 10:
			overview.Regime = "volatile"
		case indicators.ADX >= 25 && indicators.EMA20 > indicators.EMA50:
			overview.Regime = "trending_up"
		case indicators.ADX >= 25:
			overview.Regime = "trending_down"
		}
	}

	return overview, nil
}

// SymbolAnalysis 单个符号的完整分析
type SymbolAnalysis struct {
	Symbol            string                          `json:"symbol"`
	Price             float64                         `json:"price"`
	Timeframes        map[string]*TimeframeIndicators `json:"timeframes"`
	Confluence        string                          `json:"confluence"` // bullish/bearish/neutral
	ConfluenceCount   int                             `json:"confluence_count"`
	Sentiment         *SentimentPayload               `json:"sentiment,omitempty"`
	Volatility        *VolatilityPayload              `json:"volatility,omitempty"`
	SupportResistance *SupportResistancePayload       `json:"support_resistance,omitempty"`
}

// ArbitrageOpportunity 资金费率套利机会
type ArbitrageOpportunity struct {
	Symbol        string  `json:"symbol"`
	FundingRate   float64 `json:"funding_rate"`
	AnnualizedPct float64 `json:"annualized_pct"` // 按8小时结算周期粗略年化
	Direction     string  `json:"direction"`      // short收正费率，long收负费率
}

// MarketSnapshot 一轮行情评估的聚合结果
type MarketSnapshot struct {
	Overview    *MarketOverview            `json:"overview"`
	Symbols     map[string]*SymbolAnalysis `json:"symbols"`
	Arbitrage   []*ArbitrageOpportunity    `json:"arbitrage,omitempty"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// 资金费率绝对值超过该阈值才视为套利机会（单期0.03%）
const arbitrageFundingThreshold = 0.0003

// 参与符号发现的合约最低24小时成交额
const minDiscoveryQuoteVolume = 50000000.0

// Assess 对一组符号做完整行情评估
// 单个符号分析失败跳过，全部失败才报错
func (s *MarketService) Assess(ctx context.Context, symbols []string) (*MarketSnapshot, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to assess")
	}

	overview, err := s.BuildOverview(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("market overview failed: %w", err)
	}

	snapshot := &MarketSnapshot{
		Overview:    overview,
		Symbols:     make(map[string]*SymbolAnalysis, len(symbols)),
		GeneratedAt: time.Now(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			analysis, err := s.AnalyzeSymbol(ctx, symbol)
			if err != nil {
				s.logger.Warn("symbol analysis failed",
					zap.String("symbol", symbol),
					zap.Error(err))
				return
			}
			mu.Lock()
			snapshot.Symbols[symbol] = analysis
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	if len(snapshot.Symbols) == 0 {
		return nil, fmt.Errorf("analysis failed for every symbol")
	}

	snapshot.Arbitrage = findArbitrage(snapshot.Symbols)
	return snapshot, nil
}

// AnalyzeSymbol 对单个符号做全维度分析
// 多时间框架指标是硬性要求，情绪、波动率、支撑阻力失败时降级
func (s *MarketService) AnalyzeSymbol(ctx context.Context, symbol string) (*SymbolAnalysis, error) {
	timeframes, err := s.CollectTimeframes(ctx, symbol)
	if err != nil {
		return nil, err
	}

	confluence, count := s.indicatorService.DetectMultiTimeframeConfluence(timeframes)

	analysis := &SymbolAnalysis{
		Symbol:          symbol,
		Timeframes:      timeframes,
		Confluence:      confluence,
		ConfluenceCount: count,
	}
	if hourly, ok := timeframes["1h"]; ok {
		analysis.Price = hourly.Price
	}

	if sentiment, err := s.GetSentiment(ctx, symbol); err != nil {
		s.logger.Warn("sentiment unavailable", zap.String("symbol", symbol), zap.Error(err))
	} else {
		analysis.Sentiment = sentiment
	}
	if volatility, err := s.GetVolatility(ctx, symbol); err != nil {
		s.logger.Warn("volatility unavailable", zap.String("symbol", symbol), zap.Error(err))
	} else {
		analysis.Volatility = volatility
	}
	if sr, err := s.GetSupportResistance(ctx, symbol); err != nil {
		s.logger.Warn("support/resistance unavailable", zap.String("symbol", symbol), zap.Error(err))
	} else {
		analysis.SupportResistance = sr
		if analysis.Price == 0 {
			analysis.Price = sr.CurrentPrice
		}
	}

	return analysis, nil
}

// DiscoverSymbols 在配置的默认符号之外补充成交活跃的领涨领跌品种
func (s *MarketService) DiscoverSymbols(ctx context.Context, defaults []string, limit int) []string {
	symbols := make([]string, 0, limit)
	seen := make(map[string]bool)
	for _, symbol := range defaults {
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	if len(symbols) >= limit {
		return symbols[:limit]
	}

	tickers, err := s.exchange.GetAllTickers24h(ctx)
	if err != nil {
		s.logger.Warn("top mover discovery unavailable", zap.Error(err))
		return symbols
	}

	movers := make([]*exchange.Ticker24h, 0, len(tickers))
	for _, ticker := range tickers {
		if !strings.HasSuffix(ticker.Symbol, "USDT") || ticker.QuoteVolume < minDiscoveryQuoteVolume {
			continue
		}
		movers = append(movers, ticker)
	}
	sort.Slice(movers, func(i, j int) bool {
		return math.Abs(movers[i].PriceChangePercent) > math.Abs(movers[j].PriceChangePercent)
	})

	for _, ticker := range movers {
		if len(symbols) >= limit {
			break
		}
		if seen[ticker.Symbol] {
			continue
		}
		seen[ticker.Symbol] = true
		symbols = append(symbols, ticker.Symbol)
	}
	return symbols
}

// findArbitrage 从各符号的资金费率里找套利机会，按费率绝对值降序
func findArbitrage(symbols map[string]*SymbolAnalysis) []*ArbitrageOpportunity {
	var opportunities []*ArbitrageOpportunity
	for _, analysis := range symbols {
		if analysis.Sentiment == nil {
			continue
		}
		rate := analysis.Sentiment.FundingRate
		if math.Abs(rate) < arbitrageFundingThreshold {
			continue
		}

		direction := "short"
		if rate < 0 {
			direction = "long"
		}
		opportunities = append(opportunities, &ArbitrageOpportunity{
			Symbol:        analysis.Symbol,
			FundingRate:   rate,
			AnnualizedPct: math.Abs(rate) * 3 * 365 * 100,
			Direction:     direction,
		})
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return math.Abs(opportunities[i].FundingRate) > math.Abs(opportunities[j].FundingRate)
	})
	return opportunities
}

func marshalPayload(payload interface{}, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}
	return symbols
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
