package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// RiskManager sizes entries and enforces session limits. It is shared by every symbol loop.
type RiskManager struct {
	cfg    domain.RiskConfig
	sizing config.SizingConfig
	logger *zap.Logger

	mu             sync.RWMutex
	day            time.Time
	dayStartEquity float64
	dailyPnL       float64
	equity         float64
	peakEquity     float64
	halted         bool
	haltReason     string
	timeNow        func() time.Time
}

func NewRiskManager(cfg domain.RiskConfig, sizing config.SizingConfig, logger *zap.Logger) *RiskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sizing.MaxBalanceFraction <= 0 {
		sizing.MaxBalanceFraction = 0.10
	}
	if sizing.CorrelationLookback < 3 {
		sizing.CorrelationLookback = 50
	}
	rm := &RiskManager{cfg: cfg, sizing: sizing, logger: logger, timeNow: time.Now}
	rm.day = utcDay(rm.timeNow())
	return rm
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// rollDay resets the daily counters at the UTC day boundary. Callers hold mu.
func (rm *RiskManager) rollDay() {
	today := utcDay(rm.timeNow())
	if today.Equal(rm.day) {
		return
	}
	rm.logger.Info("Daily risk counters reset",
		zap.Time("day", today),
		zap.Float64("previous_daily_pnl", rm.dailyPnL))
	rm.day = today
	rm.dailyPnL = 0
	rm.dayStartEquity = rm.equity
}

// UpdateEquity feeds the latest account equity in quote currency. The first update of a day
// fixes the day-start equity used for the daily loss limit.
func (rm *RiskManager) UpdateEquity(equity float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()
	rm.equity = equity
	if rm.dayStartEquity <= 0 {
		rm.dayStartEquity = equity
	}
	if equity > rm.peakEquity {
		rm.peakEquity = equity
	}
}

// RecordRealizedPnL adds a confirmed close to today's realized result.
func (rm *RiskManager) RecordRealizedPnL(pnl float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()
	rm.dailyPnL += pnl
}

func (rm *RiskManager) DailyPnL() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()
	return rm.dailyPnL
}

// CalculatePositionSize returns the margin, in quote currency, to commit to signal.
// HOLD and EXIT size to zero.
func (rm *RiskManager) CalculatePositionSize(signal domain.TradingSignal, balance float64) float64 {
	if !signal.IsEntry() || balance <= 0 {
		return 0
	}
	size := balance * rm.sizing.RiskPerTradePct / 100 * tierMultiplier(signal.RiskLevel)
	if rm.cfg.MaxPositionSize > 0 {
		size = math.Min(size, rm.cfg.MaxPositionSize)
	}
	return math.Min(size, balance*rm.sizing.MaxBalanceFraction)
}

func tierMultiplier(level domain.RiskLevel) float64 {
	switch level {
	case domain.RiskHigh:
		return 0.5
	case domain.RiskExtreme:
		return 0.25
	}
	return 1
}

// ValidateTrade checks a prospective entry against the session limits. open holds the
// currently open positions; closes holds per-symbol close prices, oldest first, and may
// be nil when correlation data is unavailable.
func (rm *RiskManager) ValidateTrade(symbol string, side domain.Side, open []*domain.Position, closes map[string][]float64) error {
	rm.mu.Lock()
	rm.rollDay()
	halted, haltReason := rm.halted, rm.haltReason
	dailyPnL, dayStart := rm.dailyPnL, rm.dayStartEquity
	equity, peak := rm.equity, rm.peakEquity
	rm.mu.Unlock()

	if halted {
		return fmt.Errorf("%w: %s", domain.ErrEmergencyStopActive, haltReason)
	}

	count := 0
	for _, p := range open {
		if p.Symbol == symbol {
			return &domain.RiskLimitExceededError{Limit: "duplicate_position", Reason: symbol + " already has an open position"}
		}
		count++
	}
	if rm.cfg.MaxOpenPositions > 0 && count >= rm.cfg.MaxOpenPositions {
		return &domain.RiskLimitExceededError{
			Limit:  "max_open_positions",
			Reason: fmt.Sprintf("%d open, limit %d", count, rm.cfg.MaxOpenPositions),
		}
	}

	if dayStart > 0 && dailyPnL < 0 {
		if -dailyPnL > dayStart*rm.cfg.MaxDailyLossPct/100 {
			lossPct := -dailyPnL / dayStart * 100
			return &domain.RiskLimitExceededError{
				Limit:  "max_daily_loss",
				Reason: fmt.Sprintf("realized loss %.2f%% of day-start equity, limit %.2f%%", lossPct, rm.cfg.MaxDailyLossPct),
			}
		}
	}

	if peak > 0 && rm.cfg.MaxDrawdownPct > 0 {
		if dd := (peak - equity) / peak * 100; dd >= rm.cfg.MaxDrawdownPct {
			return &domain.RiskLimitExceededError{
				Limit:  "max_drawdown",
				Reason: fmt.Sprintf("drawdown %.2f%% from peak, limit %.2f%%", dd, rm.cfg.MaxDrawdownPct),
			}
		}
	}

	return rm.checkCorrelation(symbol, side, open, closes)
}

func (rm *RiskManager) checkCorrelation(symbol string, side domain.Side, open []*domain.Position, closes map[string][]float64) error {
	if rm.cfg.PortfolioCorrelationLimit <= 0 || len(open) == 0 || closes == nil {
		return nil
	}
	candidate := returns(closes[symbol], rm.sizing.CorrelationLookback)
	for _, p := range open {
		existing := returns(closes[p.Symbol], rm.sizing.CorrelationLookback)
		corr, ok := pearson(candidate, existing)
		if !ok {
			continue
		}
		// An opposite-side position offsets the candidate, so its correlation counts inverted.
		if side != p.Side {
			corr = -corr
		}
		if corr > rm.cfg.PortfolioCorrelationLimit {
			return &domain.RiskLimitExceededError{
				Limit:  "portfolio_correlation",
				Reason: fmt.Sprintf("%s %s correlates %.2f with open %s %s, limit %.2f", symbol, side, corr, p.Symbol, p.Side, rm.cfg.PortfolioCorrelationLimit),
			}
		}
	}
	return nil
}

func returns(closes []float64, lookback int) []float64 {
	if len(closes) > lookback+1 {
		closes = closes[len(closes)-lookback-1:]
	}
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			return nil
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// pearson correlates the trailing overlap of a and b. ok is false when there are fewer than
// three points or either series is flat.
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0, false
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// CalculateDynamicStopLoss places the stop for an entry. With dynamic stops enabled the
// distance is ATRMultiplier x ATR, but never narrower than the static StopLossPct.
func (rm *RiskManager) CalculateDynamicStopLoss(side domain.Side, entry, atr float64) float64 {
	dist := entry * rm.cfg.StopLossPct / 100
	if rm.cfg.DynamicStopLoss && atr > 0 {
		dist = math.Max(dist, rm.sizing.ATRMultiplier*atr)
	}
	if side == domain.SideShort {
		return entry + dist
	}
	return math.Max(entry-dist, 0)
}

// AdjustLeverage scales MaxLeverage by the signal's risk tier and halves it when ATR as a
// percent of price is above HighVolatilityATRPct. The result is at least 1.
func (rm *RiskManager) AdjustLeverage(signal domain.TradingSignal, atrPct float64) int {
	var frac float64
	switch signal.RiskLevel {
	case domain.RiskLow:
		frac = 1
	case domain.RiskMedium:
		frac = 0.6
	case domain.RiskHigh:
		frac = 0.3
	default:
		frac = 0
	}
	lev := float64(rm.cfg.MaxLeverage) * frac
	if rm.sizing.HighVolatilityATRPct > 0 && atrPct > rm.sizing.HighVolatilityATRPct {
		lev /= 2
	}
	out := int(math.Floor(lev))
	if out < 1 {
		out = 1
	}
	if rm.cfg.MaxLeverage > 0 && out > rm.cfg.MaxLeverage {
		out = rm.cfg.MaxLeverage
	}
	return out
}

// EmergencyStop halts new entries until ClearEmergencyStop. Repeated calls keep the first reason.
func (rm *RiskManager) EmergencyStop(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.halted {
		return
	}
	rm.halted = true
	rm.haltReason = reason
	rm.logger.Warn("Emergency stop activated", zap.String("reason", reason))
}

func (rm *RiskManager) ClearEmergencyStop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.halted {
		return
	}
	rm.halted = false
	rm.haltReason = ""
	rm.logger.Info("Emergency stop cleared")
}

func (rm *RiskManager) IsHalted() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.halted
}

// RiskStatus is the risk part of the engine snapshot.
type RiskStatus struct {
	Halted     bool    `json:"halted"`
	HaltReason string  `json:"halt_reason,omitempty"`
	DailyPnL   float64 `json:"daily_pnl"`
	Equity     float64 `json:"equity"`
	PeakEquity float64 `json:"peak_equity"`
}

func (rm *RiskManager) Status() RiskStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDay()
	return RiskStatus{
		Halted:     rm.halted,
		HaltReason: rm.haltReason,
		DailyPnL:   rm.dailyPnL,
		Equity:     rm.equity,
		PeakEquity: rm.peakEquity,
	}
}
