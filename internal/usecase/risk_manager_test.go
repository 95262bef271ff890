package usecase

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRisk() (*RiskManager, *fakeClock) {
	cfg := config.Default()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	rm := NewRiskManager(cfg.Risk, cfg.Sizing, zap.NewNop())
	rm.timeNow = clock.Now
	return rm, clock
}

func entry(level domain.RiskLevel) domain.TradingSignal {
	return domain.TradingSignal{Symbol: "BTCUSDT", Action: domain.ActionLong, RiskLevel: level, EntryPrice: 100}
}

func riskLimit(err error) string {
	var rErr *domain.RiskLimitExceededError
	if errors.As(err, &rErr) {
		return rErr.Limit
	}
	return ""
}

func TestRisk_PositionSizeByTier(t *testing.T) {
	rm, _ := newTestRisk()

	assert.Equal(t, 500.0, rm.CalculatePositionSize(entry(domain.RiskLow), 10000))
	assert.Equal(t, 500.0, rm.CalculatePositionSize(entry(domain.RiskMedium), 10000))
	assert.Equal(t, 250.0, rm.CalculatePositionSize(entry(domain.RiskHigh), 10000))
	assert.Equal(t, 125.0, rm.CalculatePositionSize(entry(domain.RiskExtreme), 10000))

	hold := entry(domain.RiskLow)
	hold.Action = domain.ActionHold
	assert.Zero(t, rm.CalculatePositionSize(hold, 10000))
	hold.Action = domain.ActionExit
	assert.Zero(t, rm.CalculatePositionSize(hold, 10000))
	assert.Zero(t, rm.CalculatePositionSize(entry(domain.RiskLow), 0))
}

func TestRisk_PositionSizeMonotonicAndCapped(t *testing.T) {
	rm, _ := newTestRisk()
	levels := []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskExtreme}
	for _, balance := range []float64{10, 1000, 25000, 1e6} {
		prev := math.Inf(1)
		for _, lvl := range levels {
			size := rm.CalculatePositionSize(entry(lvl), balance)
			assert.LessOrEqual(t, size, prev, "balance %g level %s", balance, lvl)
			assert.LessOrEqual(t, size, 1000.0)
			assert.LessOrEqual(t, size, balance*0.10+1e-9)
			prev = size
		}
	}

	cfg := config.Default()
	cfg.Sizing.RiskPerTradePct = 50
	greedy := NewRiskManager(cfg.Risk, cfg.Sizing, zap.NewNop())
	assert.Equal(t, 100.0, greedy.CalculatePositionSize(entry(domain.RiskLow), 1000), "balance fraction cap")
}

func TestRisk_ValidateOpenPositionLimits(t *testing.T) {
	rm, _ := newTestRisk()
	open := []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong},
		{Symbol: "ETHUSDT", Side: domain.SideShort},
	}

	assert.Equal(t, "duplicate_position", riskLimit(rm.ValidateTrade("BTCUSDT", domain.SideLong, open, nil)))
	assert.NoError(t, rm.ValidateTrade("SOLUSDT", domain.SideLong, open, nil))

	open = append(open, &domain.Position{Symbol: "XRPUSDT", Side: domain.SideLong})
	assert.Equal(t, "max_open_positions", riskLimit(rm.ValidateTrade("SOLUSDT", domain.SideLong, open, nil)))
}

func TestRisk_DailyLossResetsAtUTCMidnight(t *testing.T) {
	rm, clock := newTestRisk()
	rm.UpdateEquity(10000)

	rm.RecordRealizedPnL(-499)
	assert.NoError(t, rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil))

	// Exactly the limit is still allowed; the loss has to exceed it.
	rm.RecordRealizedPnL(-1)
	assert.NoError(t, rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil))

	rm.RecordRealizedPnL(-0.5)
	assert.Equal(t, "max_daily_loss", riskLimit(rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil)))
	assert.Equal(t, -500.5, rm.DailyPnL())

	clock.Advance(14*time.Hour + time.Minute)
	assert.Zero(t, rm.DailyPnL())
	assert.NoError(t, rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil))
}

func TestRisk_DrawdownFromPeak(t *testing.T) {
	rm, _ := newTestRisk()
	rm.UpdateEquity(10000)
	rm.UpdateEquity(12000)
	rm.UpdateEquity(10300)
	assert.NoError(t, rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil))

	rm.UpdateEquity(10200)
	assert.Equal(t, "max_drawdown", riskLimit(rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil)))

	st := rm.Status()
	assert.Equal(t, 12000.0, st.PeakEquity)
	assert.Equal(t, 10200.0, st.Equity)
}

func TestRisk_PortfolioCorrelation(t *testing.T) {
	rm, _ := newTestRisk()
	base := []float64{100, 101, 99, 102, 103, 101, 104, 102, 105, 106}
	twin := make([]float64, len(base))
	for i, v := range base {
		twin[i] = v * 20
	}
	closes := map[string][]float64{"BTCUSDT": base, "ETHUSDT": twin}
	open := []*domain.Position{{Symbol: "BTCUSDT", Side: domain.SideLong}}

	assert.Equal(t, "portfolio_correlation", riskLimit(rm.ValidateTrade("ETHUSDT", domain.SideLong, open, closes)))
	assert.NoError(t, rm.ValidateTrade("ETHUSDT", domain.SideShort, open, closes), "opposite side hedges")
	assert.NoError(t, rm.ValidateTrade("ETHUSDT", domain.SideLong, open, nil), "no data, no check")

	corr, ok := pearson(returns(base, 50), returns(twin, 50))
	require.True(t, ok)
	assert.InDelta(t, 1.0, corr, 1e-9)

	_, ok = pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.False(t, ok, "flat series")
}

func TestRisk_DynamicStopLoss(t *testing.T) {
	rm, _ := newTestRisk()
	assert.InDelta(t, 98.0, rm.CalculateDynamicStopLoss(domain.SideLong, 100, 0.5), 1e-9, "static floor")
	assert.InDelta(t, 96.0, rm.CalculateDynamicStopLoss(domain.SideLong, 100, 2), 1e-9)
	assert.InDelta(t, 104.0, rm.CalculateDynamicStopLoss(domain.SideShort, 100, 2), 1e-9)

	cfg := config.Default()
	cfg.Risk.DynamicStopLoss = false
	static := NewRiskManager(cfg.Risk, cfg.Sizing, nil)
	assert.InDelta(t, 102.0, static.CalculateDynamicStopLoss(domain.SideShort, 100, 50), 1e-9)
}

func TestRisk_AdjustLeverage(t *testing.T) {
	rm, _ := newTestRisk()
	tests := []struct {
		level  domain.RiskLevel
		atrPct float64
		want   int
	}{
		{domain.RiskLow, 1, 10},
		{domain.RiskMedium, 1, 6},
		{domain.RiskHigh, 1, 3},
		{domain.RiskExtreme, 1, 1},
		{domain.RiskLow, 4, 5},
		{domain.RiskHigh, 4, 1},
	}
	for _, tt := range tests {
		got := rm.AdjustLeverage(entry(tt.level), tt.atrPct)
		assert.Equal(t, tt.want, got, "%s at atr %.1f%%", tt.level, tt.atrPct)
	}
}

func TestRisk_EmergencyStopIsIdempotent(t *testing.T) {
	rm, _ := newTestRisk()
	rm.EmergencyStop("operator")
	rm.EmergencyStop("second call")

	assert.True(t, rm.IsHalted())
	assert.Equal(t, "operator", rm.Status().HaltReason)
	err := rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil)
	assert.ErrorIs(t, err, domain.ErrEmergencyStopActive)

	rm.ClearEmergencyStop()
	rm.ClearEmergencyStop()
	assert.False(t, rm.IsHalted())
	assert.NoError(t, rm.ValidateTrade("BTCUSDT", domain.SideLong, nil, nil))
}
