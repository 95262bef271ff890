package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

type loopHarness struct {
	loop     *TradingLoop
	ingestor *MarketDataIngestor
	exchange *MockExchange
	advisor  *MockAdvisor
	bus      *EventBus
	coord    *ExecutionCoordinator
}

func newLoopHarness(t *testing.T, autoExecute bool, withAdvisor bool) *loopHarness {
	t.Helper()
	cfg := config.Default()
	ex := NewMockExchange()
	ex.FillPrice = 48000
	ing := newTestIngestor(ex, 200)
	rm, _ := newTestRisk()
	coord := NewExecutionCoordinator(ex, rm, zap.NewNop())
	bus := NewEventBus(64, zap.NewNop())

	h := &loopHarness{ingestor: ing, exchange: ex, bus: bus, coord: coord}
	deps := LoopDeps{
		Ingestor:    ing,
		Indicators:  NewIndicatorEngine(),
		Analytics:   NewAdvancedAnalytics(cfg.Analytics),
		Signals:     NewSignalGenerator(cfg.Signal, cfg.Risk.StopLossPct),
		Risk:        rm,
		Coordinator: coord,
		Exchange:    ex,
		Bus:         bus,
		Logger:      zap.NewNop(),
	}
	if withAdvisor {
		h.advisor = &MockAdvisor{}
		deps.Advisor = h.advisor
	}
	h.loop = NewTradingLoop(deps, LoopConfig{Symbol: "BTCUSDT", Interval: time.Hour, AutoExecute: autoExecute})
	h.loop.timeNow = func() time.Time { return ingestNow }
	return h
}

func (h *loopHarness) feedBearish(t *testing.T) float64 {
	t.Helper()
	candles := bearishScenario(2.1e9)
	for _, c := range candles {
		require.NoError(t, h.ingestor.ProcessTick(domain.Tick{Symbol: "BTCUSDT", Candle: c}))
	}
	price := candles[len(candles)-1].Close
	book := uniformBook(price)
	require.NoError(t, h.ingestor.UpdateOrderBook(book))
	return price
}

func drainErrors(bus *EventBus) []ErrorEvent {
	var out []ErrorEvent
	for {
		select {
		case ev := <-bus.Errors():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTradingLoop_NoHistoryHolds(t *testing.T) {
	h := newLoopHarness(t, true, false)

	sig := h.loop.RunCycle(context.Background())
	assert.Equal(t, domain.ActionHold, sig.Action)
	assert.NotEmpty(t, sig.Reasoning)

	errs := drainErrors(h.bus)
	require.Len(t, errs, 1)
	assert.Equal(t, "market_data", errs[0].Stage)
	assert.Empty(t, h.exchange.opens())
}

func TestTradingLoop_SignalOnlyWithoutAutoExecute(t *testing.T) {
	h := newLoopHarness(t, false, false)
	h.feedBearish(t)

	sig := h.loop.RunCycle(context.Background())
	assert.Equal(t, domain.ActionShort, sig.Action)
	assert.Empty(t, h.exchange.opens())

	require.Len(t, h.bus.Ticks(), 1)
	require.Len(t, h.bus.Signals(), 1)
	assert.Empty(t, h.bus.Executions())

	last := h.loop.LastSignal()
	require.NotNil(t, last)
	assert.Equal(t, domain.ActionShort, last.Action)
}

func TestTradingLoop_AutoExecuteOpensShort(t *testing.T) {
	h := newLoopHarness(t, true, false)
	h.feedBearish(t)

	sig := h.loop.RunCycle(context.Background())
	require.Equal(t, domain.ActionShort, sig.Action)

	opens := h.exchange.opens()
	require.Len(t, opens, 1)
	assert.Equal(t, domain.SideShort, opens[0].Side)
	assert.Equal(t, StateOpen, h.coord.State("BTCUSDT"))

	require.Len(t, h.bus.Executions(), 1)
	trade := <-h.bus.Executions()
	assert.Equal(t, domain.TradeOpen, trade.Kind)
	assert.Empty(t, drainErrors(h.bus))
}

func TestTradingLoop_AdvisorFailureFallsBackToRules(t *testing.T) {
	h := newLoopHarness(t, false, true)
	h.advisor.Err = &domain.ServiceDegradedError{Op: "advisor", Attempts: 2, Err: errors.New("503")}
	h.feedBearish(t)

	sig := h.loop.RunCycle(context.Background())
	assert.Equal(t, domain.ActionShort, sig.Action)
	assert.Equal(t, 1, h.advisor.Calls)

	errs := drainErrors(h.bus)
	require.Len(t, errs, 1)
	assert.Equal(t, "advisor", errs[0].Stage)
}

func TestTradingLoop_AdvisorExitOverridesEntry(t *testing.T) {
	h := newLoopHarness(t, false, true)
	h.advisor.Rec = &domain.Recommendation{Action: domain.ActionExit, Confidence: 0.9, Reasoning: "funding flip"}
	h.feedBearish(t)

	sig := h.loop.RunCycle(context.Background())
	assert.Equal(t, domain.ActionExit, sig.Action)
}

func TestTradingLoop_BalanceFailureBlocksEntry(t *testing.T) {
	h := newLoopHarness(t, true, false)
	h.exchange.BalanceErr = errors.New("wallet endpoint down")
	h.feedBearish(t)

	h.loop.RunCycle(context.Background())
	assert.Empty(t, h.exchange.opens())

	stages := map[string]bool{}
	for _, ev := range drainErrors(h.bus) {
		stages[ev.Stage] = true
	}
	assert.True(t, stages["balance"])
	assert.False(t, stages["execution"], "risk refusals are not reported as errors")
}

func TestTradingLoop_StartStopIdempotent(t *testing.T) {
	h := newLoopHarness(t, false, false)

	h.loop.Stop()
	assert.False(t, h.loop.Running())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loop.Start(ctx)
	h.loop.Start(ctx)
	assert.True(t, h.loop.Running())

	assert.Eventually(t, func() bool { return h.loop.LastSignal() != nil }, time.Second, 5*time.Millisecond,
		"first cycle runs immediately")

	h.loop.Stop()
	h.loop.Stop()
	assert.False(t, h.loop.Running())
	select {
	case <-h.loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop goroutine did not exit")
	}
}
