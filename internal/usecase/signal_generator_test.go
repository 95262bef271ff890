package usecase

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

func newTestGenerator() *SignalGenerator {
	cfg := config.Default()
	return NewSignalGenerator(cfg.Signal, cfg.Risk.StopLossPct)
}

func hasReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(strings.ToLower(r), strings.ToLower(substr)) {
			return true
		}
	}
	return false
}

// bearishScenario builds 50 hourly candles: 49 quiet bars alternating +-0.2% with a
// balanced reported taker split, one earlier bar with net selling of 0.36e9, and a final
// -2.5% bar without taker data. With the default 70/30 estimate the window CVD is -1.2e9.
func bearishScenario(lastVolume float64) []domain.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, 0, 50)
	price := 50000.0
	for i := 0; i < 49; i++ {
		open := price
		closePrice := open * 1.002
		if i%2 == 1 {
			closePrice = open * 0.998
		}
		buy, sell := 0.5e9, 0.5e9
		if i == 47 {
			buy, sell = 0.32e9, 0.68e9
		}
		candles = append(candles, domain.Candle{
			Time:       start.Add(time.Duration(i) * time.Hour).Unix(),
			Open:       open,
			High:       max(open, closePrice) * 1.0005,
			Low:        min(open, closePrice) * 0.9995,
			Close:      closePrice,
			Volume:     1e9,
			BuyVolume:  ptr(buy),
			SellVolume: ptr(sell),
		})
		price = closePrice
	}
	candles = append(candles, domain.Candle{
		Time:   start.Add(49 * time.Hour).Unix(),
		Open:   price,
		High:   price * 1.0005,
		Low:    price * 0.974,
		Close:  price * 0.975,
		Volume: lastVolume,
	})
	return candles
}

func uniformBook(mid float64) *domain.OrderBook {
	book := &domain.OrderBook{Symbol: "BTCUSDT"}
	for i := 1; i <= 20; i++ {
		off := mid * 0.001 * float64(i)
		book.Bids = append(book.Bids, domain.OrderBookEntry{Price: mid - off, Size: 1})
		book.Asks = append(book.Asks, domain.OrderBookEntry{Price: mid + off, Size: 1})
	}
	return book
}

func TestSignal_EndToEndBearishBreakdown(t *testing.T) {
	candles := bearishScenario(2.1e9)
	price := candles[len(candles)-1].Close
	an := newTestAnalytics().Analyze(candles, uniformBook(price), price)

	require.InDelta(t, -1.2e9, an.CVD.CVD, 1)
	require.InDelta(t, 2.1, an.Volume.Ratio, 1e-9)
	require.Equal(t, domain.PatternBearishMomentum, an.Pattern.Type)

	sig := newTestGenerator().Generate(SignalInput{
		Symbol:     "BTCUSDT",
		Price:      price,
		Indicators: NewIndicatorEngine().Compute(candles),
		Analytics:  an,
	})

	assert.Equal(t, domain.ActionShort, sig.Action)
	assert.Contains(t, []domain.RiskLevel{domain.RiskLow, domain.RiskMedium}, sig.RiskLevel)
	assert.NotEmpty(t, sig.Reasoning)
	assert.True(t, hasReason(sig.Reasoning, "bearish momentum"), "%v", sig.Reasoning)
	assert.True(t, hasReason(sig.Reasoning, "cvd pressure"), "%v", sig.Reasoning)

	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.Greater(t, *sig.StopLoss, price)
	assert.LessOrEqual(t, *sig.StopLoss, price*1.02)
	assert.Less(t, *sig.TakeProfit, price)
}

func TestSignal_EndToEndLowVolumeForcesHold(t *testing.T) {
	candles := bearishScenario(2.1e9)
	price := candles[len(candles)-1].Close
	a := newTestAnalytics()
	an := a.Analyze(candles, uniformBook(price), price)
	// Same CVD and pattern, but the last bar trades at 0.8x the average.
	an.Volume = a.Volume(bearishScenario(0.8e9))
	require.InDelta(t, 0.8, an.Volume.Ratio, 1e-9)

	sig := newTestGenerator().Generate(SignalInput{
		Symbol:     "BTCUSDT",
		Price:      price,
		Indicators: NewIndicatorEngine().Compute(candles),
		Analytics:  an,
	})
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Equal(t, 30.0, sig.Confidence)
	assert.Equal(t, domain.RiskHigh, sig.RiskLevel)
	assert.NotEmpty(t, sig.Reasoning)
}

func TestSignal_HunterZoneOverrideAlwaysWins(t *testing.T) {
	g := newTestGenerator()
	rng := rand.New(rand.NewSource(3))
	patterns := []domain.PatternType{domain.PatternBearishMomentum, domain.PatternBullishMomentum, domain.PatternConsolidation, domain.PatternReversal}
	pressures := []domain.Pressure{domain.PressureStrongSell, domain.PressureSell, domain.PressureNeutral, domain.PressureBuy, domain.PressureStrongBuy}
	sigs := []domain.Significance{domain.SignificanceLow, domain.SignificanceMedium, domain.SignificanceHigh}
	actions := []domain.Action{domain.ActionLong, domain.ActionShort, domain.ActionExit, domain.ActionHold}

	for i := 0; i < 300; i++ {
		price := 100 + rng.Float64()*1000
		zonePrice := price * (1 + (rng.Float64()*2-1)*0.0099)
		in := SignalInput{
			Symbol: "X",
			Price:  price,
			Indicators: domain.Indicators{
				RSI:           rng.Float64() * 100,
				MACDHistogram: rng.NormFloat64(),
				MovingAverage: price * (0.9 + rng.Float64()*0.2),
				Stochastic:    domain.Stochastic{K: rng.Float64() * 100, D: rng.Float64() * 100},
			},
			Analytics: domain.AnalyticsResult{
				CVD:     domain.CVDResult{CVD: rng.NormFloat64() * 1e9, Pressure: pressures[rng.Intn(len(pressures))]},
				Volume:  domain.VolumeResult{Ratio: rng.Float64() * 3, Significance: sigs[rng.Intn(len(sigs))], IsSurge: rng.Intn(2) == 0},
				Pattern: domain.PatternResult{Type: patterns[rng.Intn(len(patterns))], Momentum: domain.MomentumStrong, PriceChangePct: rng.NormFloat64() * 3},
				VRVP: domain.VRVPResult{LiquidityZones: []domain.LiquidityZone{
					{Price: zonePrice, Volume: 50, Type: domain.ZoneSupport, IsHunterZone: true},
				}},
			},
			AI: &domain.Recommendation{Action: actions[rng.Intn(len(actions))], Confidence: rng.Float64()},
		}
		sig := g.Generate(in)
		require.Equal(t, domain.ActionHold, sig.Action, "case %d", i)
		require.Equal(t, domain.RiskExtreme, sig.RiskLevel, "case %d", i)
		require.Equal(t, 20.0, sig.Confidence, "case %d", i)
		require.NotEmpty(t, sig.Reasoning)
	}
}

func TestSignal_HunterZoneFartherThanOnePercentIsIgnored(t *testing.T) {
	candles := bearishScenario(2.1e9)
	price := candles[len(candles)-1].Close
	an := newTestAnalytics().Analyze(candles, uniformBook(price), price)
	an.VRVP.LiquidityZones = append(an.VRVP.LiquidityZones, domain.LiquidityZone{Price: price * 0.98, Volume: 99, Type: domain.ZoneSupport, IsHunterZone: true})

	sig := newTestGenerator().Generate(SignalInput{Symbol: "BTCUSDT", Price: price, Analytics: an, Indicators: NewIndicatorEngine().Compute(candles)})
	assert.Equal(t, domain.ActionShort, sig.Action)
}

func baseInput() SignalInput {
	return SignalInput{
		Symbol: "ETHUSDT",
		Price:  100,
		Indicators: domain.Indicators{
			RSI:           55,
			MACDHistogram: 0.5,
			MovingAverage: 99,
			Stochastic:    domain.Stochastic{K: 60, D: 50},
		},
		Analytics: domain.AnalyticsResult{
			CVD:     domain.CVDResult{CVD: 6e8, Pressure: domain.PressureBuy, Trend: domain.TrendBullish},
			Volume:  domain.VolumeResult{Ratio: 1.6, Significance: domain.SignificanceHigh},
			Pattern: domain.PatternResult{Type: domain.PatternBullishMomentum, Momentum: domain.MomentumModerate, PriceChangePct: 1.4},
			VRVP: domain.VRVPResult{
				SupportLevels:    []float64{99.5, 97},
				ResistanceLevels: []float64{103, 105},
			},
		},
	}
}

func TestSignal_AdditiveScoreLong(t *testing.T) {
	sig := newTestGenerator().Generate(baseInput())

	// 40 moderate + 15 volume + 10 CVD + 4 x 5 indicators.
	assert.Equal(t, domain.ActionLong, sig.Action)
	assert.Equal(t, 85.0, sig.Confidence)
	assert.Equal(t, domain.RiskLow, sig.RiskLevel)
	require.NotNil(t, sig.StopLoss)
	assert.Equal(t, 99.5, *sig.StopLoss, "nearest support is tighter than the 2% stop")
	assert.Equal(t, 103.0, *sig.TakeProfit)
	assert.GreaterOrEqual(t, len(sig.Reasoning), 4)
}

func TestSignal_FallbackTargetUsesRewardRisk(t *testing.T) {
	in := baseInput()
	in.Analytics.VRVP = domain.VRVPResult{}
	sig := newTestGenerator().Generate(in)
	assert.InDelta(t, 98.0, *sig.StopLoss, 1e-9)
	assert.InDelta(t, 104.0, *sig.TakeProfit, 1e-9)
}

func TestSignal_AIRecommendation(t *testing.T) {
	g := newTestGenerator()

	in := baseInput()
	in.AI = &domain.Recommendation{Action: domain.ActionLong, Confidence: 0.8}
	assert.Equal(t, 93.0, g.Generate(in).Confidence)

	in.AI = &domain.Recommendation{Action: domain.ActionShort, Confidence: 0.9}
	sig := g.Generate(in)
	assert.Equal(t, 70.0, sig.Confidence)
	assert.True(t, hasReason(sig.Reasoning, "disagrees"))

	in.AI = &domain.Recommendation{Action: domain.ActionShort, Confidence: 0.3}
	assert.Equal(t, 85.0, g.Generate(in).Confidence, "low-confidence advice is ignored")

	in.AI = &domain.Recommendation{Action: domain.ActionExit, Confidence: 0.75, Reasoning: "funding spike"}
	sig = g.Generate(in)
	assert.Equal(t, domain.ActionExit, sig.Action)
	assert.Nil(t, sig.StopLoss)
}

func TestSignal_CappedAndClamped(t *testing.T) {
	in := baseInput()
	in.Analytics.Pattern.Momentum = domain.MomentumStrong
	in.Analytics.Volume.IsSurge = true
	in.Analytics.CVD.Pressure = domain.PressureStrongBuy
	in.AI = &domain.Recommendation{Action: domain.ActionLong, Confidence: 1}
	assert.Equal(t, 95.0, newTestGenerator().Generate(in).Confidence)

	in = baseInput()
	in.Analytics.Pattern.Momentum = domain.MomentumWeak
	in.Analytics.Volume = domain.VolumeResult{Ratio: 1.3, Significance: domain.SignificanceMedium}
	in.Analytics.CVD.Pressure = domain.PressureStrongSell
	in.Indicators = domain.Indicators{RSI: 80, MACDHistogram: -1, MovingAverage: 110, Stochastic: domain.Stochastic{K: 10, D: 30}}
	in.AI = &domain.Recommendation{Action: domain.ActionShort, Confidence: 0.9}
	sig := newTestGenerator().Generate(in)
	assert.Equal(t, 0.0, sig.Confidence)
	assert.Equal(t, domain.RiskHigh, sig.RiskLevel)
	assert.Equal(t, domain.ActionHold, sig.Action, "a clamped score is below the entry minimum")
	assert.Nil(t, sig.StopLoss)
	assert.True(t, hasReason(sig.Reasoning, "below entry minimum"))
}

func TestSignal_EntryMinimumIsConfigurable(t *testing.T) {
	cfg := config.Default()
	in := baseInput()
	in.Indicators = domain.Indicators{RSI: 80, MACDHistogram: -1, MovingAverage: 101, Stochastic: domain.Stochastic{K: 40, D: 50}}
	in.Analytics.Volume = domain.VolumeResult{Ratio: 1.3, Significance: domain.SignificanceMedium}
	in.Analytics.CVD.Pressure = domain.PressureNeutral

	// 40 moderate + 5 volume - 4 x 5 indicators.
	sig := newTestGenerator().Generate(in)
	assert.Equal(t, 25.0, sig.Confidence)
	assert.Equal(t, domain.ActionLong, sig.Action)

	cfg.Signal.MinEntryConfidence = 30
	sig = NewSignalGenerator(cfg.Signal, cfg.Risk.StopLossPct).Generate(in)
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.Equal(t, 25.0, sig.Confidence)
}

func TestSignal_ReversalFollowsReversalBar(t *testing.T) {
	in := baseInput()
	in.Indicators = domain.Indicators{RSI: 50, MovingAverage: 100, Stochastic: domain.Stochastic{K: 50, D: 50}}
	in.Analytics.CVD = domain.CVDResult{Trend: domain.TrendBullish, Pressure: domain.PressureNeutral}
	// Gap up, then a red bar that still closes above the prior close.
	in.Analytics.Pattern = newTestAnalytics().Pattern([]domain.Candle{
		{Open: 99, High: 100, Low: 99, Close: 100},
		{Open: 100, High: 101, Low: 100, Close: 101},
		{Open: 104, High: 104, Low: 102, Close: 102.3},
	})
	require.Equal(t, domain.PatternReversal, in.Analytics.Pattern.Type)

	sig := newTestGenerator().Generate(in)
	assert.Equal(t, domain.ActionShort, sig.Action)
	assert.True(t, hasReason(sig.Reasoning, "bearish reversal"))
	assert.False(t, hasReason(sig.Reasoning, "bullish reversal"))
}

func TestSignal_NoDirectionHolds(t *testing.T) {
	in := baseInput()
	in.Analytics.Pattern = domain.PatternResult{Type: domain.PatternConsolidation, Momentum: domain.MomentumWeak}
	in.Analytics.CVD = domain.CVDResult{Trend: domain.TrendNeutral, Pressure: domain.PressureNeutral}
	sig := newTestGenerator().Generate(in)
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.NotEmpty(t, sig.Reasoning)
}

func TestRiskLevelForConfidence(t *testing.T) {
	assert.Equal(t, domain.RiskHigh, domain.RiskLevelForConfidence(49.9))
	assert.Equal(t, domain.RiskMedium, domain.RiskLevelForConfidence(50))
	assert.Equal(t, domain.RiskMedium, domain.RiskLevelForConfidence(69.9))
	assert.Equal(t, domain.RiskLow, domain.RiskLevelForConfidence(70))
}
