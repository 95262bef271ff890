package usecase

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

const (
	rsiPeriod       = 14
	macdFast        = 12
	macdSlow        = 26
	macdSignal      = 9
	maPeriod        = 20
	bbDeviations    = 2.0
	stochFastK      = 14
	stochSlowK      = 3
	stochSlowD      = 3
	williamsPeriod  = 14
	atrPeriod       = 14
	minMACDBars     = macdSlow + macdSignal - 1
	minStochBars    = stochFastK + stochSlowK + stochSlowD - 2
	neutralRSI      = 50.0
	neutralStoch    = 50.0
	neutralWilliams = -50.0
)

// IndicatorEngine computes the classic indicator set for the latest bar. It holds no state.
// Short histories yield neutral values instead of errors.
type IndicatorEngine struct{}

func NewIndicatorEngine() *IndicatorEngine {
	return &IndicatorEngine{}
}

// Compute derives indicators from candles ordered oldest first.
func (e *IndicatorEngine) Compute(candles []domain.Candle) domain.Indicators {
	n := len(candles)
	if n == 0 {
		return domain.Indicators{
			RSI:        neutralRSI,
			Stochastic: domain.Stochastic{K: neutralStoch, D: neutralStoch},
			Williams:   neutralWilliams,
		}
	}

	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	lastClose := closes[n-1]

	ind := domain.Indicators{
		RSI:           neutralRSI,
		MovingAverage: lastClose,
		EMA:           lastClose,
		Bollinger:     domain.Bollinger{Upper: lastClose, Middle: lastClose, Lower: lastClose},
		Stochastic:    domain.Stochastic{K: neutralStoch, D: neutralStoch},
		Williams:      neutralWilliams,
	}

	if n > rsiPeriod && !flat(closes) {
		ind.RSI = clamp(last(talib.Rsi(closes, rsiPeriod), neutralRSI), 0, 100)
	}

	if n >= minMACDBars {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		ind.MACD = last(macd, 0)
		ind.MACDSignal = last(signal, 0)
		ind.MACDHistogram = last(hist, 0)
	}

	if n >= maPeriod {
		ind.MovingAverage = last(talib.Sma(closes, maPeriod), lastClose)
		ind.EMA = last(talib.Ema(closes, maPeriod), lastClose)

		upper, middle, lower := talib.BBands(closes, maPeriod, bbDeviations, bbDeviations, talib.SMA)
		bb := domain.Bollinger{
			Upper:  last(upper, lastClose),
			Middle: last(middle, lastClose),
			Lower:  last(lower, lastClose),
		}
		// Rounding can put the bands a hair inside the basis on flat input.
		bb.Upper = math.Max(bb.Upper, bb.Middle)
		bb.Lower = math.Min(bb.Lower, bb.Middle)
		ind.Bollinger = bb
	}

	if n >= minStochBars {
		k, d := talib.Stoch(highs, lows, closes, stochFastK, stochSlowK, talib.SMA, stochSlowD, talib.SMA)
		ind.Stochastic = domain.Stochastic{
			K: clamp(last(k, neutralStoch), 0, 100),
			D: clamp(last(d, neutralStoch), 0, 100),
		}
	}

	if n >= williamsPeriod {
		ind.Williams = clamp(last(talib.WillR(highs, lows, closes, williamsPeriod), neutralWilliams), -100, 0)
	}

	if n > atrPeriod {
		ind.ATR = math.Max(last(talib.Atr(highs, lows, closes, atrPeriod), 0), 0)
	}

	if n >= 2 {
		ind.OBV = last(talib.Obv(closes, volumes), 0)
	}

	return ind
}

// ATRPercent expresses ATR relative to price, in percent.
func ATRPercent(ind domain.Indicators, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return ind.ATR / price * 100
}

func last(series []float64, fallback float64) float64 {
	if len(series) == 0 {
		return fallback
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// flat reports whether every value equals the first. RSI is undefined on such input.
func flat(values []float64) bool {
	for _, v := range values {
		if v != values[0] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
