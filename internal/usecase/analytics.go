package usecase

import (
	"math"
	"sort"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// AdvancedAnalytics derives order-flow and microstructure readings from candles and book depth.
// All thresholds come from config because absolute volume bands differ per symbol.
type AdvancedAnalytics struct {
	cfg config.AnalyticsConfig
}

func NewAdvancedAnalytics(cfg config.AnalyticsConfig) *AdvancedAnalytics {
	return &AdvancedAnalytics{cfg: cfg}
}

// Analyze runs all four analyses. A nil book yields an empty VRVP result.
func (a *AdvancedAnalytics) Analyze(candles []domain.Candle, book *domain.OrderBook, price float64) domain.AnalyticsResult {
	return domain.AnalyticsResult{
		CVD:     a.CVD(candles),
		Volume:  a.Volume(candles),
		Pattern: a.Pattern(candles),
		VRVP:    a.VRVP(book, price),
	}
}

// CVD sums per-bar buy minus sell volume over the lookback window. Bars without taker-side
// volume are split by body direction using BuySellSplit, which is an estimate and not venue data.
func (a *AdvancedAnalytics) CVD(candles []domain.Candle) domain.CVDResult {
	c := a.cfg.CVD
	window := candles
	if c.Lookback > 0 && len(window) > c.Lookback {
		window = window[len(window)-c.Lookback:]
	}

	var res domain.CVDResult
	for _, bar := range window {
		if bar.HasTakerVolume() {
			res.CVD += *bar.BuyVolume - *bar.SellVolume
			continue
		}
		res.Estimated = true
		// Winning side takes split, losing side the rest; a doji nets out to zero.
		imbalance := (2*c.BuySellSplit - 1) * bar.Volume
		switch {
		case bar.Close > bar.Open:
			res.CVD += imbalance
		case bar.Close < bar.Open:
			res.CVD -= imbalance
		}
	}

	switch {
	case res.CVD > c.TrendThreshold:
		res.Trend = domain.TrendBullish
	case res.CVD < -c.TrendThreshold:
		res.Trend = domain.TrendBearish
	default:
		res.Trend = domain.TrendNeutral
	}

	switch {
	case res.CVD > c.ExtremeThreshold:
		res.Pressure = domain.PressureStrongBuy
	case res.CVD > c.PressureThreshold:
		res.Pressure = domain.PressureBuy
	case res.CVD < -c.ExtremeThreshold:
		res.Pressure = domain.PressureStrongSell
	case res.CVD < -c.PressureThreshold:
		res.Pressure = domain.PressureSell
	default:
		res.Pressure = domain.PressureNeutral
	}

	if c.ExtremeThreshold > 0 {
		res.Magnitude = math.Min(100, math.Abs(res.CVD)/c.ExtremeThreshold*100)
	}
	return res
}

// Volume compares the latest bar with the average of the preceding lookback bars.
func (a *AdvancedAnalytics) Volume(candles []domain.Candle) domain.VolumeResult {
	v := a.cfg.Volume
	res := domain.VolumeResult{Significance: domain.SignificanceLow}
	n := len(candles)
	if n == 0 {
		return res
	}
	res.CurrentVolume = candles[n-1].Volume

	prior := candles[:n-1]
	if v.Lookback > 0 && len(prior) > v.Lookback {
		prior = prior[len(prior)-v.Lookback:]
	}
	if len(prior) == 0 {
		return res
	}
	var sum float64
	for _, c := range prior {
		sum += c.Volume
	}
	res.AverageVolume = sum / float64(len(prior))
	if res.AverageVolume <= 0 {
		return res
	}

	res.Ratio = res.CurrentVolume / res.AverageVolume
	switch {
	case res.Ratio > v.HighRatio:
		res.Significance = domain.SignificanceHigh
	case res.Ratio > v.MediumRatio:
		res.Significance = domain.SignificanceMedium
	}
	res.IsSurge = res.Ratio > v.SurgeRatio
	return res
}

// Pattern classifies the latest bar. A three-bar reversal takes precedence over momentum.
func (a *AdvancedAnalytics) Pattern(candles []domain.Candle) domain.PatternResult {
	p := a.cfg.Pattern
	res := domain.PatternResult{Type: domain.PatternConsolidation, Momentum: domain.MomentumWeak, Confidence: 50}
	n := len(candles)
	if n == 0 {
		return res
	}

	lastBar := candles[n-1]
	if n >= 2 && candles[n-2].Close > 0 {
		res.PriceChangePct = (lastBar.Close - candles[n-2].Close) / candles[n-2].Close * 100
	} else if lastBar.Open > 0 {
		res.PriceChangePct = (lastBar.Close - lastBar.Open) / lastBar.Open * 100
	}
	move := math.Abs(res.PriceChangePct)

	switch {
	case move >= p.StrongMovePct:
		res.Momentum = domain.MomentumStrong
	case move >= p.ModerateMovePct:
		res.Momentum = domain.MomentumModerate
	}

	if n >= 3 && isReversal(candles[n-3], candles[n-2], lastBar, p.ReversalBodyPct) {
		body := math.Abs(lastBar.Close-lastBar.Open) / lastBar.Open * 100
		res.Type = domain.PatternReversal
		res.Direction = barDirection(lastBar)
		res.Confidence = math.Min(95, 50+body*10)
		return res
	}

	if res.Momentum == domain.MomentumWeak {
		return res
	}
	if res.PriceChangePct < 0 {
		res.Type = domain.PatternBearishMomentum
		res.Direction = -1
	} else {
		res.Type = domain.PatternBullishMomentum
		res.Direction = 1
	}
	res.Confidence = math.Min(95, 40+move*15)
	return res
}

func barDirection(c domain.Candle) int {
	switch {
	case c.Close > c.Open:
		return 1
	case c.Close < c.Open:
		return -1
	}
	return 0
}

func isReversal(first, second, third domain.Candle, minBodyPct float64) bool {
	dir := barDirection(first)
	if dir == 0 || barDirection(second) != dir || barDirection(third) != -dir || third.Open <= 0 {
		return false
	}
	return math.Abs(third.Close-third.Open)/third.Open*100 > minBodyPct
}

// VRVP picks the TopLevels largest resting levels per side. Supports come from bids and
// resistances from asks, both ordered nearest to price first. A level more than
// HunterMultiplier times the size of the best level on its side is flagged as a hunter zone.
func (a *AdvancedAnalytics) VRVP(book *domain.OrderBook, price float64) domain.VRVPResult {
	var res domain.VRVPResult
	if book == nil {
		return res
	}

	bids := a.topLevels(book.Bids)
	asks := a.topLevels(book.Asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	for _, lvl := range bids {
		if price > 0 && lvl.Price > price {
			continue
		}
		res.SupportLevels = append(res.SupportLevels, lvl.Price)
		res.LiquidityZones = append(res.LiquidityZones, a.zone(lvl, book.Bids[0], domain.ZoneSupport))
	}
	for _, lvl := range asks {
		if price > 0 && lvl.Price < price {
			continue
		}
		res.ResistanceLevels = append(res.ResistanceLevels, lvl.Price)
		res.LiquidityZones = append(res.LiquidityZones, a.zone(lvl, book.Asks[0], domain.ZoneResistance))
	}
	return res
}

func (a *AdvancedAnalytics) topLevels(levels []domain.OrderBookEntry) []domain.OrderBookEntry {
	out := append([]domain.OrderBookEntry(nil), levels...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	if n := a.cfg.VRVP.TopLevels; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (a *AdvancedAnalytics) zone(lvl, best domain.OrderBookEntry, kind domain.ZoneType) domain.LiquidityZone {
	return domain.LiquidityZone{
		Price:        lvl.Price,
		Volume:       lvl.Size,
		Type:         kind,
		IsHunterZone: best.Size > 0 && lvl.Size > a.cfg.VRVP.HunterMultiplier*best.Size,
	}
}
