package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// LoopDeps are the collaborators a TradingLoop drives. Exchange and Advisor may be nil:
// without an exchange nothing is executed, without an advisor signals are rule-based only.
type LoopDeps struct {
	Ingestor    *MarketDataIngestor
	Indicators  *IndicatorEngine
	Analytics   *AdvancedAnalytics
	Signals     *SignalGenerator
	Risk        *RiskManager
	Coordinator *ExecutionCoordinator
	Exchange    domain.Exchange
	Advisor     domain.Advisor
	Bus         *EventBus
	Logger      *zap.Logger
}

type LoopConfig struct {
	Symbol         string
	Interval       time.Duration
	AutoExecute    bool
	AdvisorTimeout time.Duration
	QuoteAsset     string
	AdvisorCandles int
}

// TradingLoop runs the analytics -> signal -> risk -> execution pipeline for one symbol on
// a fixed interval. Stages run sequentially inside a cycle.
type TradingLoop struct {
	deps LoopDeps
	cfg  LoopConfig

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastSignal *domain.TradingSignal
	timeNow    func() time.Time
}

func NewTradingLoop(deps LoopDeps, cfg LoopConfig) *TradingLoop {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("symbol", cfg.Symbol))
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	if cfg.AdvisorTimeout <= 0 {
		cfg.AdvisorTimeout = 5 * time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.AdvisorCandles <= 0 {
		cfg.AdvisorCandles = 50
	}
	done := make(chan struct{})
	close(done)
	return &TradingLoop{deps: deps, cfg: cfg, done: done, timeNow: time.Now}
}

// Start launches the loop. Starting a running loop is a no-op.
func (l *TradingLoop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(loopCtx, l.done)
	l.deps.Logger.Info("Trading loop started", zap.Duration("interval", l.cfg.Interval))
}

// Stop halts scheduling. A cycle already in flight finishes on its own; its venue calls
// are not cancelled. Stopping a stopped loop is a no-op.
func (l *TradingLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
	l.deps.Logger.Info("Trading loop stopping")
}

// Done is closed once the loop goroutine, including any in-flight cycle, has exited.
func (l *TradingLoop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *TradingLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// LastSignal returns the most recent signal, or nil before the first cycle.
func (l *TradingLoop) LastSignal() *domain.TradingSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastSignal == nil {
		return nil
	}
	cp := *l.lastSignal
	return &cp
}

func (l *TradingLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	l.RunCycle(cycleCtx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := l.timeNow()
			l.RunCycle(cycleCtx)
			if took := l.timeNow().Sub(start); took > l.cfg.Interval {
				l.deps.Logger.Warn("Trading cycle overran its interval",
					zap.Duration("took", took), zap.Duration("interval", l.cfg.Interval))
			}
		}
	}
}

// RunCycle executes one pass of the pipeline and returns the signal it produced. Failures
// degrade the cycle to HOLD or no action and are reported on the error channel.
func (l *TradingLoop) RunCycle(ctx context.Context) domain.TradingSignal {
	symbol := l.cfg.Symbol
	log := l.deps.Logger

	candles := l.deps.Ingestor.History(symbol)
	if len(candles) == 0 {
		err := errors.New("no market data yet")
		l.reportError("market_data", err)
		sig := domain.TradingSignal{
			Symbol:    symbol,
			Action:    domain.ActionHold,
			RiskLevel: domain.RiskLevelForConfidence(0),
			Reasoning: []string{"No candle history available"},
			CreatedAt: l.timeNow(),
		}
		l.setLastSignal(sig)
		return sig
	}
	lastBar := candles[len(candles)-1]
	price := lastBar.Close
	book := l.deps.Ingestor.OrderBook(symbol)

	ind := l.deps.Indicators.Compute(candles)
	an := l.deps.Analytics.Analyze(candles, book, price)

	if l.deps.Bus != nil {
		l.deps.Bus.PublishTick(domain.MarketDataRecord{
			Symbol:     symbol,
			Candle:     lastBar,
			Indicators: ind,
			CVD:        an.CVD.CVD,
			Volume:     an.Volume.Ratio,
			Time:       l.timeNow(),
		})
	}

	ai := l.recommend(ctx, candles, price, ind, an)

	sig := l.deps.Signals.Generate(SignalInput{
		Symbol:     symbol,
		Price:      price,
		Indicators: ind,
		Analytics:  an,
		AI:         ai,
		Now:        l.timeNow(),
	})
	l.setLastSignal(sig)
	if l.deps.Bus != nil {
		l.deps.Bus.PublishSignal(sig)
	}
	log.Info("Signal generated",
		zap.String("action", string(sig.Action)),
		zap.Float64("confidence", sig.Confidence),
		zap.String("risk", string(sig.RiskLevel)),
		zap.Float64("price", price),
		zap.Strings("reasoning", sig.Reasoning))

	if !l.cfg.AutoExecute || l.deps.Exchange == nil || l.deps.Coordinator == nil {
		return sig
	}

	available := l.balance(ctx)
	trades, err := l.deps.Coordinator.Execute(ctx, sig, ExecutionInput{
		Price:   price,
		ATR:     ind.ATR,
		Balance: available,
		Closes:  l.closes(),
	})
	for _, t := range trades {
		log.Info("Trade confirmed",
			zap.String("kind", string(t.Kind)),
			zap.String("side", string(t.Side)),
			zap.Float64("size", t.Size),
			zap.Float64("price", t.Price),
			zap.Float64("realized_pnl", t.RealizedPnL),
			zap.String("reason", t.Reason))
		if l.deps.Bus != nil {
			l.deps.Bus.PublishExecution(t)
		}
	}
	if err != nil {
		var riskErr *domain.RiskLimitExceededError
		if errors.As(err, &riskErr) || errors.Is(err, domain.ErrEmergencyStopActive) {
			log.Info("Entry blocked by risk limits", zap.Error(err))
		} else {
			l.reportError("execution", err)
		}
	}
	return sig
}

func (l *TradingLoop) recommend(ctx context.Context, candles []domain.Candle, price float64, ind domain.Indicators, an domain.AnalyticsResult) *domain.Recommendation {
	if l.deps.Advisor == nil {
		return nil
	}
	if len(candles) > l.cfg.AdvisorCandles {
		candles = candles[len(candles)-l.cfg.AdvisorCandles:]
	}
	aiCtx, cancel := context.WithTimeout(ctx, l.cfg.AdvisorTimeout)
	defer cancel()
	rec, err := l.deps.Advisor.Recommend(aiCtx, domain.MarketSnapshot{
		Symbol:     l.cfg.Symbol,
		Price:      price,
		Candles:    candles,
		Indicators: ind,
		Analytics:  an,
		Timestamp:  l.timeNow(),
	})
	if err != nil {
		l.reportError("advisor", err)
		return nil
	}
	return rec
}

// balance returns the available quote balance and feeds total equity to the risk manager.
// A failed lookup yields zero, which blocks new entries but still lets exits run.
func (l *TradingLoop) balance(ctx context.Context) float64 {
	balances, err := l.deps.Exchange.GetBalance(ctx)
	if err != nil {
		l.reportError("balance", err)
		return 0
	}
	b, ok := balances[l.cfg.QuoteAsset]
	if !ok {
		return 0
	}
	if l.deps.Risk != nil {
		l.deps.Risk.UpdateEquity(b.Available + b.Locked)
	}
	return b.Available
}

func (l *TradingLoop) closes() map[string][]float64 {
	out := make(map[string][]float64)
	for _, sym := range l.deps.Ingestor.Symbols() {
		hist := l.deps.Ingestor.History(sym)
		series := make([]float64, len(hist))
		for i, c := range hist {
			series[i] = c.Close
		}
		out[sym] = series
	}
	return out
}

func (l *TradingLoop) setLastSignal(sig domain.TradingSignal) {
	l.mu.Lock()
	l.lastSignal = &sig
	l.mu.Unlock()
}

func (l *TradingLoop) reportError(stage string, err error) {
	l.deps.Logger.Warn("Cycle stage degraded", zap.String("stage", stage), zap.Error(err))
	if l.deps.Bus != nil {
		l.deps.Bus.PublishError(l.cfg.Symbol, stage, err)
	}
}
