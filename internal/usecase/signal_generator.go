package usecase

import (
	"fmt"
	"math"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

const (
	hunterHoldConfidence    = 20
	lowVolumeHoldConfidence = 30
	maxSignalConfidence     = 95
	aiDisagreePenalty       = 15
)

// SignalInput is everything the generator looks at for one symbol and one tick.
type SignalInput struct {
	Symbol     string
	Price      float64
	Indicators domain.Indicators
	Analytics  domain.AnalyticsResult
	AI         *domain.Recommendation // nil when the advisor is disabled or failed
	Now        time.Time
}

// SignalGenerator fuses indicators, analytics and an optional AI opinion into one signal.
// It is deterministic: the same input always gives the same signal.
type SignalGenerator struct {
	cfg         config.SignalConfig
	stopLossPct float64
}

func NewSignalGenerator(cfg config.SignalConfig, stopLossPct float64) *SignalGenerator {
	if cfg.RewardRiskRatio <= 0 {
		cfg.RewardRiskRatio = 2
	}
	if cfg.HunterProximityPct <= 0 {
		cfg.HunterProximityPct = 1
	}
	if stopLossPct <= 0 {
		stopLossPct = 2
	}
	return &SignalGenerator{cfg: cfg, stopLossPct: stopLossPct}
}

func (g *SignalGenerator) Generate(in SignalInput) domain.TradingSignal {
	sig := domain.TradingSignal{
		Symbol:     in.Symbol,
		Action:     domain.ActionHold,
		EntryPrice: in.Price,
		CreatedAt:  in.Now,
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	reason := func(format string, args ...any) {
		sig.Reasoning = append(sig.Reasoning, fmt.Sprintf(format, args...))
	}

	if zone, ok := g.nearHunterZone(in); ok {
		sig.Confidence = hunterHoldConfidence
		sig.RiskLevel = domain.RiskExtreme
		reason("Price %.4f within %.2f%% of hunter zone %s at %.4f (size %.4f), avoiding liquidity trap",
			in.Price, g.cfg.HunterProximityPct, zone.Type, zone.Price, zone.Volume)
		return sig
	}

	vol := in.Analytics.Volume
	if vol.Significance == domain.SignificanceLow {
		sig.Confidence = lowVolumeHoldConfidence
		sig.RiskLevel = domain.RiskHigh
		reason("Volume significance LOW (ratio %.2fx), no conviction", vol.Ratio)
		return sig
	}

	if ai := g.usableAI(in.AI); ai != nil && ai.Action == domain.ActionExit {
		sig.Action = domain.ActionExit
		sig.Confidence = math.Min(maxSignalConfidence, math.Round(ai.Confidence*100))
		sig.RiskLevel = domain.RiskLevelForConfidence(sig.Confidence)
		reason("AI advisor recommends EXIT (confidence %.2f): %s", ai.Confidence, ai.Reasoning)
		return sig
	}

	side, score, ok := g.direction(in, reason)
	if !ok {
		sig.RiskLevel = domain.RiskLevelForConfidence(0)
		reason("No directional bias from pattern or CVD")
		return sig
	}

	score += g.volumeScore(vol, reason)
	score += g.cvdScore(side, in.Analytics.CVD, reason)
	score += g.indicatorScore(side, in.Price, in.Indicators, reason)
	score += g.aiScore(side, in.AI, reason)

	sig.Confidence = clamp(score, 0, maxSignalConfidence)
	sig.RiskLevel = domain.RiskLevelForConfidence(sig.Confidence)
	if sig.Confidence < g.cfg.MinEntryConfidence {
		reason("%s score %.0f below entry minimum %.0f", side, sig.Confidence, g.cfg.MinEntryConfidence)
		return sig
	}
	if side == domain.SideLong {
		sig.Action = domain.ActionLong
	} else {
		sig.Action = domain.ActionShort
	}

	stop, target := g.levels(side, in.Price, in.Analytics.VRVP)
	sig.StopLoss = &stop
	sig.TakeProfit = &target
	reason("Stop %.4f, target %.4f", stop, target)
	return sig
}

func (g *SignalGenerator) nearHunterZone(in SignalInput) (domain.LiquidityZone, bool) {
	if in.Price <= 0 {
		return domain.LiquidityZone{}, false
	}
	for _, z := range in.Analytics.VRVP.LiquidityZones {
		if !z.IsHunterZone {
			continue
		}
		if math.Abs(z.Price-in.Price)/in.Price*100 <= g.cfg.HunterProximityPct {
			return z, true
		}
	}
	return domain.LiquidityZone{}, false
}

// direction picks the side implied by the pattern, falling back to the CVD trend, and
// returns the base score for it.
func (g *SignalGenerator) direction(in SignalInput, reason func(string, ...any)) (domain.Side, float64, bool) {
	pat := in.Analytics.Pattern
	base := 35.0
	switch pat.Momentum {
	case domain.MomentumStrong:
		base = 50
	case domain.MomentumModerate:
		base = 40
	}

	switch pat.Type {
	case domain.PatternBearishMomentum:
		reason("Bearish momentum: %s move of %.2f%%", pat.Momentum, pat.PriceChangePct)
		return domain.SideShort, base, true
	case domain.PatternBullishMomentum:
		reason("Bullish momentum: %s move of %.2f%%", pat.Momentum, pat.PriceChangePct)
		return domain.SideLong, base, true
	case domain.PatternReversal:
		switch pat.Direction {
		case -1:
			reason("Bearish reversal after two up bars (%.2f%%)", pat.PriceChangePct)
			return domain.SideShort, 35, true
		case 1:
			reason("Bullish reversal after two down bars (%.2f%%)", pat.PriceChangePct)
			return domain.SideLong, 35, true
		}
	}

	switch in.Analytics.CVD.Trend {
	case domain.TrendBearish:
		reason("Consolidation with bearish CVD trend")
		return domain.SideShort, 35, true
	case domain.TrendBullish:
		reason("Consolidation with bullish CVD trend")
		return domain.SideLong, 35, true
	}
	return "", 0, false
}

func (g *SignalGenerator) volumeScore(vol domain.VolumeResult, reason func(string, ...any)) float64 {
	switch vol.Significance {
	case domain.SignificanceHigh:
		if vol.IsSurge {
			reason("Volume surge %.2fx average", vol.Ratio)
			return 20
		}
		reason("High volume %.2fx average", vol.Ratio)
		return 15
	case domain.SignificanceMedium:
		reason("Above-average volume %.2fx", vol.Ratio)
		return 5
	}
	return 0
}

func (g *SignalGenerator) cvdScore(side domain.Side, cvd domain.CVDResult, reason func(string, ...any)) float64 {
	var dir, weight float64
	switch cvd.Pressure {
	case domain.PressureStrongBuy:
		dir, weight = 1, 20
	case domain.PressureBuy:
		dir, weight = 1, 10
	case domain.PressureStrongSell:
		dir, weight = -1, 20
	case domain.PressureSell:
		dir, weight = -1, 10
	default:
		return 0
	}
	est := ""
	if cvd.Estimated {
		est = " (estimated split)"
	}
	if (dir > 0) == (side == domain.SideLong) {
		reason("CVD pressure %s aligned, delta %.3g%s", cvd.Pressure, cvd.CVD, est)
		return weight
	}
	reason("CVD pressure %s opposes %s, delta %.3g%s", cvd.Pressure, side, cvd.CVD, est)
	return -weight
}

func (g *SignalGenerator) indicatorScore(side domain.Side, price float64, ind domain.Indicators, reason func(string, ...any)) float64 {
	sign := 1.0
	if side == domain.SideShort {
		sign = -1
	}
	var score float64

	// RSI measured from the midline in the trade's direction; extremes argue against chasing.
	rsiBias := (ind.RSI - 50) * sign
	switch {
	case rsiBias <= -20:
		score += 5
		reason("RSI %.1f stretched against %s, room to run", ind.RSI, side)
	case rsiBias >= 20:
		score -= 5
		reason("RSI %.1f already extended for %s", ind.RSI, side)
	case rsiBias > 0:
		score += 5
		reason("RSI %.1f confirms %s", ind.RSI, side)
	}

	if h := ind.MACDHistogram * sign; h > 0 {
		score += 5
		reason("MACD histogram confirms")
	} else if h < 0 {
		score -= 5
		reason("MACD histogram diverges")
	}

	if ind.MovingAverage > 0 && price > 0 {
		if (price-ind.MovingAverage)*sign > 0 {
			score += 5
			reason("Price on the %s side of the 20-bar average", side)
		} else if (price-ind.MovingAverage)*sign < 0 {
			score -= 5
			reason("Price on the wrong side of the 20-bar average")
		}
	}

	if d := (ind.Stochastic.K - ind.Stochastic.D) * sign; d > 0 {
		score += 5
		reason("Stochastic %%K/%%D cross confirms")
	} else if d < 0 {
		score -= 5
		reason("Stochastic %%K/%%D cross diverges")
	}
	return score
}

func (g *SignalGenerator) usableAI(rec *domain.Recommendation) *domain.Recommendation {
	if rec == nil || rec.Confidence < g.cfg.AIMinConfidence {
		return nil
	}
	return rec
}

func (g *SignalGenerator) aiScore(side domain.Side, rec *domain.Recommendation, reason func(string, ...any)) float64 {
	ai := g.usableAI(rec)
	if ai == nil {
		if rec != nil {
			reason("AI advisor confidence %.2f below threshold, ignored", rec.Confidence)
		}
		return 0
	}
	aiSide, ok := ai.Action.Side()
	switch {
	case !ok:
		reason("AI advisor says %s", ai.Action)
		return 0
	case aiSide == side:
		reason("AI advisor agrees (%s, confidence %.2f)", ai.Action, ai.Confidence)
		return math.Round(10 * ai.Confidence)
	default:
		reason("AI advisor disagrees (%s, confidence %.2f)", ai.Action, ai.Confidence)
		return -aiDisagreePenalty
	}
}

// levels derives the stop and target. The static stop tightens to the nearest opposing
// level when that is closer; the target is the nearest level in the trade direction, or
// RewardRiskRatio times the stop distance when the book shows none.
func (g *SignalGenerator) levels(side domain.Side, entry float64, vrvp domain.VRVPResult) (stop, target float64) {
	dist := entry * g.stopLossPct / 100
	if side == domain.SideShort {
		stop = entry + dist
		for _, r := range vrvp.ResistanceLevels {
			if r > entry && r < stop {
				stop = r
				break
			}
		}
		target = entry - g.cfg.RewardRiskRatio*(stop-entry)
		for _, s := range vrvp.SupportLevels {
			if s < entry {
				target = s
				break
			}
		}
		return stop, target
	}

	stop = entry - dist
	for _, s := range vrvp.SupportLevels {
		if s < entry && s > stop {
			stop = s
			break
		}
	}
	target = entry + g.cfg.RewardRiskRatio*(entry-stop)
	for _, r := range vrvp.ResistanceLevels {
		if r > entry {
			target = r
			break
		}
	}
	return stop, target
}
