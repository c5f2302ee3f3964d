package ta

import (
	"github.com/markcheno/go-talib"
)

// EMA 指数移动平均线
func EMA(closes []float64, period int) []float64 {
	if len(closes) < period {
		return make([]float64, len(closes))
	}
	return talib.Ema(closes, period)
}

// MACD 指数平滑异同移动平均线，返回 macd线、信号线、柱状图
func MACD(closes []float64, fast, slow, signal int) ([]float64, []float64, []float64) {
	if len(closes) < slow+signal {
		zeros := make([]float64, len(closes))
		return zeros, zeros, zeros
	}
	return talib.Macd(closes, fast, slow, signal)
}

// RSI 相对强弱指标
func RSI(closes []float64, period int) []float64 {
	if len(closes) <= period {
		return make([]float64, len(closes))
	}
	return talib.Rsi(closes, period)
}

// ATR 平均真实波幅
func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(closes) <= period {
		return make([]float64, len(closes))
	}
	return talib.Atr(highs, lows, closes, period)
}

// ADX 平均趋向指标，用于判断趋势强度
func ADX(highs, lows, closes []float64, period int) []float64 {
	if len(closes) <= period*2 {
		return make([]float64, len(closes))
	}
	return talib.Adx(highs, lows, closes, period)
}

// BBands 布林带，返回上轨、中轨、下轨
func BBands(closes []float64, period int, dev float64) ([]float64, []float64, []float64) {
	if len(closes) < period {
		zeros := make([]float64, len(closes))
		return zeros, zeros, zeros
	}
	return talib.BBands(closes, period, dev, dev, talib.SMA)
}

// StdDev 收盘价标准差
func StdDev(closes []float64, period int) []float64 {
	if len(closes) < period {
		return make([]float64, len(closes))
	}
	return talib.StdDev(closes, period, 1.0)
}
