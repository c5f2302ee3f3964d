package service

import (
	"github.com/dushixiang/argus/pkg/exchange"
	"github.com/dushixiang/argus/pkg/ta"
)

// IndicatorService 技术指标计算服务
type IndicatorService struct{}

// NewIndicatorService 创建技术指标服务
func NewIndicatorService() *IndicatorService {
	return &IndicatorService{}
}

// TimeframeIndicators 单个时间框架的指标
type TimeframeIndicators struct {
	Timeframe  string  `json:"timeframe"` // 5m/15m/30m/1h/4h
	Price      float64 `json:"price"`
	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	RSI7       float64 `json:"rsi7"`
	RSI14      float64 `json:"rsi14"`
	ATR3       float64 `json:"atr3"`
	ATR14      float64 `json:"atr14"`
	ADX        float64 `json:"adx"`
	Volume     float64 `json:"volume"`
	AvgVolume  float64 `json:"avg_volume"`
}

// CalculateIndicators 计算所有技术指标
func (s *IndicatorService) CalculateIndicators(klines []*exchange.Kline) *TimeframeIndicators {
	if len(klines) < 50 {
		return nil
	}

	// 提取价格数据
	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	volumes := make([]float64, len(klines))

	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	ema20 := ta.EMA(closes, 20)
	ema50 := ta.EMA(closes, 50)
	macd, signal, hist := ta.MACD(closes, 12, 26, 9)
	rsi7 := ta.RSI(closes, 7)
	rsi14 := ta.RSI(closes, 14)
	atr3 := ta.ATR(highs, lows, closes, 3)
	atr14 := ta.ATR(highs, lows, closes, 14)
	adx := ta.ADX(highs, lows, closes, 14)

	// 计算平均成交量
	avgVolume := 0.0
	for _, v := range volumes {
		avgVolume += v
	}
	avgVolume /= float64(len(volumes))

	lastIdx := len(closes) - 1

	return &TimeframeIndicators{
		Price:      closes[lastIdx],
		EMA20:      ta.Last(ema20, 0),
		EMA50:      ta.Last(ema50, 0),
		MACD:       ta.Last(macd, 0),
		MACDSignal: ta.Last(signal, 0),
		MACDHist:   ta.Last(hist, 0),
		RSI7:       ta.Last(rsi7, 0),
		RSI14:      ta.Last(rsi14, 0),
		ATR3:       ta.Last(atr3, 0),
		ATR14:      ta.Last(atr14, 0),
		ADX:        ta.Last(adx, 0),
		Volume:     volumes[lastIdx],
		AvgVolume:  avgVolume,
	}
}

// CalculateVolatility 计算波动率指标，ATR占价格的百分比
func (s *IndicatorService) CalculateVolatility(klines []*exchange.Kline) (atrPercent float64, stdDevPercent float64) {
	if len(klines) < 20 {
		return 0, 0
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	price := ta.Last(closes, 0)
	if price <= 0 {
		return 0, 0
	}

	atr14 := ta.ATR(highs, lows, closes, 14)
	stdDev := ta.StdDev(closes, 20)

	atrPercent = ta.Last(atr14, 0) / price * 100
	stdDevPercent = ta.Last(stdDev, 0) / price * 100
	return atrPercent, stdDevPercent
}

// CalculateSupportResistance 基于近期高低点计算支撑与阻力位
func (s *IndicatorService) CalculateSupportResistance(klines []*exchange.Kline, lookback int) (support float64, resistance float64) {
	if len(klines) == 0 {
		return 0, 0
	}

	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		highs[i] = k.High
		lows[i] = k.Low
	}

	return ta.Lowest(lows, lookback), ta.Highest(highs, lookback)
}

// ValidateIndicators 验证指标数据质量
func (s *IndicatorService) ValidateIndicators(indicators *TimeframeIndicators) []string {
	issues := make([]string, 0)

	if indicators.Price <= 0 {
		issues = append(issues, "invalid price")
	}
	if indicators.EMA20 <= 0 {
		issues = append(issues, "invalid EMA20")
	}
	if indicators.EMA50 <= 0 {
		issues = append(issues, "invalid EMA50")
	}
	if indicators.RSI14 < 0 || indicators.RSI14 > 100 {
		issues = append(issues, "RSI14 out of range")
	}
	if indicators.Volume < 0 {
		issues = append(issues, "negative volume")
	}

	return issues
}

// DetectMultiTimeframeConfluence 检测多时间框架共振
func (s *IndicatorService) DetectMultiTimeframeConfluence(indicators map[string]*TimeframeIndicators) (string, int) {
	bullishCount := 0
	bearishCount := 0

	for _, ind := range indicators {
		isBullish := false
		isBearish := false

		// EMA趋势
		if ind.EMA20 > ind.EMA50 {
			isBullish = true
		} else {
			isBearish = true
		}

		// MACD确认
		if ind.MACD > 0 {
			if isBullish {
				bullishCount++
			}
		} else {
			if isBearish {
				bearishCount++
			}
		}
	}

	if bullishCount >= 3 {
		return "bullish", bullishCount
	} else if bearishCount >= 3 {
		return "bearish", bearishCount
	}

	return "neutral", 0
}
