package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// Runner is a background feed the engine owns for its lifetime, such as a kline stream.
type Runner interface {
	Run(ctx context.Context) error
}

// EngineDeps wires one engine instance. Everything is built by the caller and passed in;
// the engine holds no package-level state.
type EngineDeps struct {
	Ingestor      *MarketDataIngestor
	Coordinator   *ExecutionCoordinator
	Risk          *RiskManager
	Bus           *EventBus
	Dispatcher    *Dispatcher
	Loops         []*TradingLoop
	Stream        Runner
	Snapshots     domain.SnapshotPublisher
	BreakerStatus func() any
	Logger        *zap.Logger
}

type EngineConfig struct {
	Symbols          []string
	AutoExecute      bool
	SnapshotInterval time.Duration
}

// Snapshot is the read-only state exposed to the dashboard collaborator.
type Snapshot struct {
	Running        bool                             `json:"running"`
	AutoExecute    bool                             `json:"auto_execute"`
	Positions      []*domain.Position               `json:"positions"`
	States         map[string]PositionState         `json:"states"`
	LastSignals    map[string]*domain.TradingSignal `json:"last_signals"`
	Breaker        any                              `json:"breaker,omitempty"`
	Risk           RiskStatus                       `json:"risk"`
	ErroredSymbols map[string]string                `json:"errored_symbols"`
	DroppedEvents  uint64                           `json:"dropped_events"`
	Time           time.Time                        `json:"time"`
}

type Engine struct {
	deps EngineDeps
	cfg  EngineConfig
	log  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Second
	}
	return &Engine{deps: deps, cfg: cfg, log: deps.Logger}
}

// Start syncs positions, subscribes market data and starts every loop. Starting a running
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.cfg.AutoExecute && e.deps.Coordinator != nil {
		if err := e.deps.Coordinator.Sync(runCtx); err != nil {
			e.log.Warn("Initial position sync failed, will reconcile per symbol", zap.Error(err))
		}
	}

	if e.deps.Dispatcher != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deps.Dispatcher.Run(runCtx)
		}()
	}

	for _, sym := range e.cfg.Symbols {
		if err := e.deps.Ingestor.Subscribe(runCtx, sym); err != nil {
			cancel()
			return err
		}
	}

	if e.deps.Stream != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.deps.Stream.Run(runCtx); err != nil && runCtx.Err() == nil {
				e.log.Error("Market stream stopped", zap.Error(err))
			}
		}()
	}

	for _, l := range e.deps.Loops {
		l.Start(runCtx)
	}

	if e.deps.Snapshots != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.publishSnapshots(runCtx)
		}()
	}

	e.running = true
	e.log.Info("Engine started",
		zap.Strings("symbols", e.cfg.Symbols),
		zap.Bool("auto_execute", e.cfg.AutoExecute))
	return nil
}

// Stop stops scheduling, waits for in-flight cycles, then drains events. Stopping a
// stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	for _, l := range e.deps.Loops {
		l.Stop()
	}
	for _, l := range e.deps.Loops {
		<-l.Done()
	}
	e.deps.Ingestor.Stop()
	e.cancel()
	e.wg.Wait()
	e.log.Info("Engine stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Running:        e.Running(),
		AutoExecute:    e.cfg.AutoExecute,
		States:         make(map[string]PositionState),
		LastSignals:    make(map[string]*domain.TradingSignal),
		ErroredSymbols: map[string]string{},
		Time:           time.Now(),
	}
	syms := append([]string(nil), e.cfg.Symbols...)
	sort.Strings(syms)
	if c := e.deps.Coordinator; c != nil {
		snap.Positions = c.Positions()
		snap.ErroredSymbols = c.ErroredSymbols()
		for _, s := range syms {
			snap.States[s] = c.State(s)
		}
	}
	for _, l := range e.deps.Loops {
		if sig := l.LastSignal(); sig != nil {
			snap.LastSignals[sig.Symbol] = sig
		}
	}
	if e.deps.BreakerStatus != nil {
		snap.Breaker = e.deps.BreakerStatus()
	}
	if e.deps.Risk != nil {
		snap.Risk = e.deps.Risk.Status()
	}
	if e.deps.Bus != nil {
		snap.DroppedEvents = e.deps.Bus.Dropped()
	}
	return snap
}

// EmergencyStop blocks new entries. Open positions are closed by their loops on the next cycle.
func (e *Engine) EmergencyStop(reason string) {
	if e.deps.Risk != nil {
		e.deps.Risk.EmergencyStop(reason)
	}
}

func (e *Engine) ClearEmergencyStop() {
	if e.deps.Risk != nil {
		e.deps.Risk.ClearEmergencyStop()
	}
}

// ClearError releases symbol from the ERROR state after manual intervention.
func (e *Engine) ClearError(ctx context.Context, symbol string) error {
	if e.deps.Coordinator == nil {
		return nil
	}
	return e.deps.Coordinator.ClearError(ctx, symbol)
}

func (e *Engine) publishSnapshots(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.deps.Snapshots.PublishSnapshot(ctx, e.Snapshot()); err != nil && ctx.Err() == nil {
				e.log.Warn("Failed to publish snapshot", zap.Error(err))
			}
		}
	}
}
