package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dushixiang/argus/internal/xe"
	"go.uber.org/zap"
)

// 策略名称
const (
	StrategyArbitrageHunter       = "ArbitrageHunter"
	StrategyMomentumFutures       = "MomentumFutures"
	StrategyPortfolioOptimization = "PortfolioOptimization"
	StrategyDeepAnalysis          = "DeepAnalysis"
)

// 信号方向
const (
	SideLong  = "long"
	SideShort = "short"
)

// Signal 策略产出的交易信号
type Signal struct {
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // long/short
	Confidence  float64 `json:"confidence"`
	EntryPrice  float64 `json:"entry_price"`
	Quantity    float64 `json:"quantity"` // 仓位计算阶段填充
	Leverage    int     `json:"leverage"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	Reasoning   string  `json:"reasoning"`
	Priority    float64 `json:"priority"`               // 冲突裁决用，取策略历史综合得分
	MaxNotional float64 `json:"max_notional,omitempty"` // 冲突协调给出的名义价值上限，0表示无额外限制
}

// Strategy 交易策略
type Strategy interface {
	Name() string
	Suited(snapshot *MarketSnapshot) bool
	Generate(ctx context.Context, snapshot *MarketSnapshot, profile ModeProfile) ([]*Signal, error)
}

// StrategyService 策略注册表
type StrategyService struct {
	logger     *zap.Logger
	strategies map[string]Strategy
	order      []string
}

// NewStrategyService 创建策略注册表，内置四种策略
func NewStrategyService(logger *zap.Logger) *StrategyService {
	s := &StrategyService{
		logger:     logger,
		strategies: make(map[string]Strategy),
	}
	for _, strategy := range []Strategy{
		&arbitrageStrategy{},
		&momentumStrategy{},
		&portfolioStrategy{},
		&deepAnalysisStrategy{},
	} {
		s.strategies[strategy.Name()] = strategy
		s.order = append(s.order, strategy.Name())
	}
	return s
}

// Names 返回全部策略名，顺序固定
func (s *StrategyService) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get 按名称取策略
func (s *StrategyService) Get(name string) (Strategy, error) {
	strategy, ok := s.strategies[name]
	if !ok {
		return nil, xe.ErrUnknownStrategy
	}
	return strategy, nil
}

// Candidates 授权策略与适配当前行情的策略取交集，保持授权顺序
func (s *StrategyService) Candidates(entitled []string, snapshot *MarketSnapshot) []string {
	var out []string
	for _, name := range entitled {
		strategy, ok := s.strategies[name]
		if !ok {
			s.logger.Warn("unknown strategy in entitlements", zap.String("strategy", name))
			continue
		}
		if strategy.Suited(snapshot) {
			out = append(out, name)
		}
	}
	return out
}

// GenerateAll 并发执行多个策略，单个策略失败或panic不影响其他分支
func (s *StrategyService) GenerateAll(ctx context.Context, names []string, snapshot *MarketSnapshot, profile ModeProfile) []*Signal {
	type branch struct {
		name    string
		signals []*Signal
		err     error
	}

	results := make([]branch, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		strategy, ok := s.strategies[name]
		if !ok {
			results[i] = branch{name: name, err: fmt.Errorf("unknown strategy")}
			continue
		}
		wg.Add(1)
		go func(i int, name string, strategy Strategy) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = branch{name: name, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			signals, err := strategy.Generate(ctx, snapshot, profile)
			results[i] = branch{name: name, signals: signals, err: err}
		}(i, name, strategy)
	}
	wg.Wait()

	var signals []*Signal
	for _, b := range results {
		if b.err != nil {
			s.logger.Warn("strategy branch failed",
				zap.String("strategy", b.name),
				zap.Error(b.err))
			continue
		}
		signals = append(signals, b.signals...)
	}
	return signals
}

// orderedAnalyses 按符号字典序返回分析结果，保证信号生成顺序稳定
func orderedAnalyses(snapshot *MarketSnapshot) []*SymbolAnalysis {
	symbols := make([]string, 0, len(snapshot.Symbols))
	for symbol := range snapshot.Symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]*SymbolAnalysis, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, snapshot.Symbols[symbol])
	}
	return out
}

// arbitrageStrategy 资金费率套利，持仓方向与费率相反以收取资金费
type arbitrageStrategy struct{}

func (s *arbitrageStrategy) Name() string { return StrategyArbitrageHunter }

func (s *arbitrageStrategy) Suited(snapshot *MarketSnapshot) bool {
	return len(snapshot.Arbitrage) > 0
}

func (s *arbitrageStrategy) Generate(ctx context.Context, snapshot *MarketSnapshot, profile ModeProfile) ([]*Signal, error) {
	maxLegs := 2
	if profile.MaxParallelPositions == 1 {
		maxLegs = 1
	}

	var signals []*Signal
	for _, opportunity := range snapshot.Arbitrage {
		analysis, ok := snapshot.Symbols[opportunity.Symbol]
		if !ok || analysis.Price <= 0 {
			continue
		}

		side := SideShort
		if opportunity.Direction == "long" {
			side = SideLong
		}

		// 年化收益越高信心越足
		confidence := clamp(0.5+opportunity.AnnualizedPct/100, 0.5, 0.95)

		signals = append(signals, &Signal{
			Strategy:   StrategyArbitrageHunter,
			Symbol:     opportunity.Symbol,
			Side:       side,
			Confidence: confidence,
			EntryPrice: analysis.Price,
			Reasoning: fmt.Sprintf("funding rate %.4f%% annualized %.1f%%, hold %s to collect",
				opportunity.FundingRate*100, opportunity.AnnualizedPct, side),
		})
		if len(signals) >= maxLegs {
			break
		}
	}
	return signals, nil
}

// momentumStrategy 动量策略，趋势行情里顺EMA与MACD方向追势
type momentumStrategy struct{}

func (s *momentumStrategy) Name() string { return StrategyMomentumFutures }

func (s *momentumStrategy) Suited(snapshot *MarketSnapshot) bool {
	regime := snapshot.Overview.Regime
	return regime == "trending_up" || regime == "trending_down"
}

func (s *momentumStrategy) Generate(ctx context.Context, snapshot *MarketSnapshot, profile ModeProfile) ([]*Signal, error) {
	var signals []*Signal
	for _, analysis := range orderedAnalyses(snapshot) {
		hourly, ok := analysis.Timeframes["1h"]
		if !ok || analysis.Price <= 0 {
			continue
		}

		var side string
		switch {
		case hourly.EMA20 > hourly.EMA50 && hourly.MACD > hourly.MACDSignal && hourly.RSI14 >= 50 && hourly.RSI14 <= 72:
			side = SideLong
		case hourly.EMA20 < hourly.EMA50 && hourly.MACD < hourly.MACDSignal && hourly.RSI14 <= 50 && hourly.RSI14 >= 28:
			side = SideShort
		default:
			continue
		}

		confidence := 0.55
		if hourly.ADX >= 25 {
			confidence += 0.10
		}
		if (side == SideLong && analysis.Confluence == "bullish") ||
			(side == SideShort && analysis.Confluence == "bearish") {
			confidence += 0.10
		}
		if hourly.AvgVolume > 0 && hourly.Volume > hourly.AvgVolume*1.5 {
			confidence += 0.05
		}

		signals = append(signals, &Signal{
			Strategy:   StrategyMomentumFutures,
			Symbol:     analysis.Symbol,
			Side:       side,
			Confidence: clamp(confidence, 0, 0.95),
			EntryPrice: analysis.Price,
			Reasoning: fmt.Sprintf("1h EMA20 %.2f / EMA50 %.2f, MACD %.4f vs %.4f, RSI %.1f, ADX %.1f",
				hourly.EMA20, hourly.EMA50, hourly.MACD, hourly.MACDSignal, hourly.RSI14, hourly.ADX),
		})
	}
	return signals, nil
}

// portfolioStrategy 组合优化策略，震荡行情里在支撑阻力之间低吸高抛
type portfolioStrategy struct{}

func (s *portfolioStrategy) Name() string { return StrategyPortfolioOptimization }

func (s *portfolioStrategy) Suited(snapshot *MarketSnapshot) bool {
	regime := snapshot.Overview.Regime
	return regime == "ranging" || regime == "volatile"
}

func (s *portfolioStrategy) Generate(ctx context.Context, snapshot *MarketSnapshot, profile ModeProfile) ([]*Signal, error) {
	var signals []*Signal
	for _, analysis := range orderedAnalyses(snapshot) {
		hourly, ok := analysis.Timeframes["1h"]
		if !ok || analysis.SupportResistance == nil || analysis.Price <= 0 {
			continue
		}
		sr := analysis.SupportResistance

		var side string
		var edgeDistance float64
		switch {
		case hourly.RSI14 <= 35 && sr.SupportDistancePercent >= 0 && sr.SupportDistancePercent < 2:
			side = SideLong
			edgeDistance = sr.SupportDistancePercent
		case hourly.RSI14 >= 65 && sr.ResistanceDistancePercent >= 0 && sr.ResistanceDistancePercent < 2:
			side = SideShort
			edgeDistance = sr.ResistanceDistancePercent
		default:
			continue
		}

		// 离边界越近、RSI越极端，信号越可信
		confidence := 0.55 + (2-edgeDistance)*0.05
		if hourly.RSI14 <= 25 || hourly.RSI14 >= 75 {
			confidence += 0.10
		}

		signals = append(signals, &Signal{
			Strategy:   StrategyPortfolioOptimization,
			Symbol:     analysis.Symbol,
			Side:       side,
			Confidence: clamp(confidence, 0, 0.90),
			EntryPrice: analysis.Price,
			Reasoning: fmt.Sprintf("range play: RSI %.1f, %.2f%% from %s (support %.2f resistance %.2f)",
				hourly.RSI14, edgeDistance, side, sr.Support, sr.Resistance),
		})
	}
	return signals, nil
}

// deepAnalysisStrategy 深度分析策略，要求多时间框架共振且情绪不反向
type deepAnalysisStrategy struct{}

func (s *deepAnalysisStrategy) Name() string { return StrategyDeepAnalysis }

func (s *deepAnalysisStrategy) Suited(snapshot *MarketSnapshot) bool {
	return true
}

func (s *deepAnalysisStrategy) Generate(ctx context.Context, snapshot *MarketSnapshot, profile ModeProfile) ([]*Signal, error) {
	var signals []*Signal
	for _, analysis := range orderedAnalyses(snapshot) {
		if analysis.Confluence == "neutral" || analysis.Price <= 0 {
			continue
		}

		side := SideLong
		if analysis.Confluence == "bearish" {
			side = SideShort
		}

		confidence := 0.5 + 0.05*float64(analysis.ConfluenceCount)

		if analysis.Sentiment != nil {
			score := analysis.Sentiment.Score
			aligned := (side == SideLong && score > 0.2) || (side == SideShort && score < -0.2)
			opposed := (side == SideLong && score < -0.2) || (side == SideShort && score > 0.2)
			if opposed {
				// 技术面与情绪面打架，放弃该符号
				continue
			}
			if aligned {
				confidence += 0.10
			}
		}
		if analysis.Volatility != nil && analysis.Volatility.Level == "extreme" {
			confidence -= 0.10
		}

		signals = append(signals, &Signal{
			Strategy:   StrategyDeepAnalysis,
			Symbol:     analysis.Symbol,
			Side:       side,
			Confidence: clamp(confidence, 0.5, 0.95),
			EntryPrice: analysis.Price,
			Reasoning: fmt.Sprintf("%s confluence on %d timeframes, sentiment %s",
				analysis.Confluence, analysis.ConfluenceCount, sentimentLabel(analysis.Sentiment)),
		})
	}
	return signals, nil
}

func sentimentLabel(sentiment *SentimentPayload) string {
	if sentiment == nil {
		return "unknown"
	}
	return sentiment.Label
}
