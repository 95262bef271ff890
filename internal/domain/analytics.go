package domain

type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

type Stochastic struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// Indicators is the classic technical indicator set for the latest bar.
type Indicators struct {
	RSI           float64    `json:"rsi"`
	MACD          float64    `json:"macd"`
	MACDSignal    float64    `json:"macd_signal"`
	MACDHistogram float64    `json:"macd_histogram"`
	MovingAverage float64    `json:"moving_average"`
	EMA           float64    `json:"ema"`
	Bollinger     Bollinger  `json:"bollinger"`
	Stochastic    Stochastic `json:"stochastic"`
	Williams      float64    `json:"williams"`
	ATR           float64    `json:"atr"`
	OBV           float64    `json:"obv"`
}

type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

type Pressure string

const (
	PressureStrongSell Pressure = "STRONG_SELL"
	PressureSell       Pressure = "SELL"
	PressureNeutral    Pressure = "NEUTRAL"
	PressureBuy        Pressure = "BUY"
	PressureStrongBuy  Pressure = "STRONG_BUY"
)

// CVDResult is the cumulative volume delta over the analysis window.
type CVDResult struct {
	CVD       float64  `json:"cvd"`
	Trend     Trend    `json:"trend"`
	Pressure  Pressure `json:"pressure"`
	Magnitude float64  `json:"magnitude"`
	Estimated bool     `json:"estimated"` // true if any bar used the body-direction split
}

type Significance string

const (
	SignificanceLow    Significance = "LOW"
	SignificanceMedium Significance = "MEDIUM"
	SignificanceHigh   Significance = "HIGH"
)

type VolumeResult struct {
	CurrentVolume float64      `json:"current_volume"`
	AverageVolume float64      `json:"average_volume"`
	Ratio         float64      `json:"ratio"`
	Significance  Significance `json:"significance"`
	IsSurge       bool         `json:"is_surge"`
}

type PatternType string

const (
	PatternBearishMomentum PatternType = "BEARISH_MOMENTUM"
	PatternBullishMomentum PatternType = "BULLISH_MOMENTUM"
	PatternConsolidation   PatternType = "CONSOLIDATION"
	PatternReversal        PatternType = "REVERSAL"
)

type Momentum string

const (
	MomentumWeak     Momentum = "WEAK"
	MomentumModerate Momentum = "MODERATE"
	MomentumStrong   Momentum = "STRONG"
)

type PatternResult struct {
	Type           PatternType `json:"type"`
	Confidence     float64     `json:"confidence"`
	PriceChangePct float64     `json:"price_change_pct"`
	Momentum       Momentum    `json:"momentum"`
	// Direction is +1 up, -1 down, 0 when there is no bias. For a reversal it is the
	// direction of the reversal bar, which can differ from the sign of PriceChangePct.
	Direction int `json:"direction"`
}

type ZoneType string

const (
	ZoneSupport    ZoneType = "SUPPORT"
	ZoneResistance ZoneType = "RESISTANCE"
)

type LiquidityZone struct {
	Price        float64  `json:"price"`
	Volume       float64  `json:"volume"`
	Type         ZoneType `json:"type"`
	IsHunterZone bool     `json:"is_hunter_zone"`
}

// VRVPResult maps resting book liquidity to support/resistance. Levels are ordered nearest-first.
type VRVPResult struct {
	SupportLevels    []float64       `json:"support_levels"`
	ResistanceLevels []float64       `json:"resistance_levels"`
	LiquidityZones   []LiquidityZone `json:"liquidity_zones"`
}

// AnalyticsResult bundles one pass of the advanced analytics.
type AnalyticsResult struct {
	CVD     CVDResult     `json:"cvd"`
	Volume  VolumeResult  `json:"volume"`
	Pattern PatternResult `json:"pattern"`
	VRVP    VRVPResult    `json:"vrvp"`
}
