package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

const (
	EventTick      = "tick"
	EventSignal    = "signal"
	EventExecution = "execution"
	EventError     = "error"
)

// ErrorEvent reports a degraded cycle stage.
type ErrorEvent struct {
	Symbol string    `json:"symbol"`
	Stage  string    `json:"stage"`
	Error  string    `json:"error"`
	Time   time.Time `json:"time"`
}

// EventBus carries engine events on one buffered channel per kind. Publishing never
// blocks the trading loop: when a channel is full the event is dropped and counted.
type EventBus struct {
	ticks      chan domain.MarketDataRecord
	signals    chan domain.TradingSignal
	executions chan domain.TradeRecord
	errs       chan ErrorEvent

	dropped atomic.Uint64
	logger  *zap.Logger
}

func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		ticks:      make(chan domain.MarketDataRecord, buffer),
		signals:    make(chan domain.TradingSignal, buffer),
		executions: make(chan domain.TradeRecord, buffer),
		errs:       make(chan ErrorEvent, buffer),
		logger:     logger,
	}
}

func (b *EventBus) Ticks() <-chan domain.MarketDataRecord { return b.ticks }
func (b *EventBus) Signals() <-chan domain.TradingSignal { return b.signals }
func (b *EventBus) Executions() <-chan domain.TradeRecord { return b.executions }
func (b *EventBus) Errors() <-chan ErrorEvent { return b.errs }
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

func (b *EventBus) PublishTick(rec domain.MarketDataRecord) {
	select {
	case b.ticks <- rec:
	default:
		b.drop(EventTick, rec.Symbol)
	}
}

func (b *EventBus) PublishSignal(sig domain.TradingSignal) {
	select {
	case b.signals <- sig:
	default:
		b.drop(EventSignal, sig.Symbol)
	}
}

func (b *EventBus) PublishExecution(trade domain.TradeRecord) {
	select {
	case b.executions <- trade:
	default:
		b.drop(EventExecution, trade.Symbol)
	}
}

func (b *EventBus) PublishError(symbol, stage string, err error) {
	ev := ErrorEvent{Symbol: symbol, Stage: stage, Error: err.Error(), Time: time.Now()}
	select {
	case b.errs <- ev:
	default:
		b.drop(EventError, symbol)
	}
}

func (b *EventBus) drop(kind, symbol string) {
	n := b.dropped.Add(1)
	b.logger.Warn("Event dropped, subscriber lagging",
		zap.String("kind", kind),
		zap.String("symbol", symbol),
		zap.Uint64("dropped_total", n))
}

// Dispatcher drains the bus into the storage recorder and the external event publisher.
// Either may be nil.
type Dispatcher struct {
	bus       *EventBus
	recorder  domain.Recorder
	publisher domain.EventPublisher
	logger    *zap.Logger
	timeout   time.Duration
}

func NewDispatcher(bus *EventBus, recorder domain.Recorder, publisher domain.EventPublisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{bus: bus, recorder: recorder, publisher: publisher, logger: logger, timeout: 5 * time.Second}
}

// Run forwards events until ctx ends, then flushes what is already buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flush(context.WithoutCancel(ctx))
			return
		case rec := <-d.bus.ticks:
			d.handleTick(ctx, rec)
		case sig := <-d.bus.signals:
			d.handleSignal(ctx, sig)
		case trade := <-d.bus.executions:
			d.handleExecution(ctx, trade)
		case ev := <-d.bus.errs:
			d.publish(ctx, EventError, ev.Symbol, ev)
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	for {
		select {
		case rec := <-d.bus.ticks:
			d.handleTick(ctx, rec)
		case sig := <-d.bus.signals:
			d.handleSignal(ctx, sig)
		case trade := <-d.bus.executions:
			d.handleExecution(ctx, trade)
		case ev := <-d.bus.errs:
			d.publish(ctx, EventError, ev.Symbol, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) handleTick(ctx context.Context, rec domain.MarketDataRecord) {
	if d.recorder != nil {
		if err := d.recorder.RecordMarketData(ctx, rec); err != nil {
			d.logger.Warn("Failed to record market data", zap.String("symbol", rec.Symbol), zap.Error(err))
		}
	}
	d.publish(ctx, EventTick, rec.Symbol, rec)
}

func (d *Dispatcher) handleSignal(ctx context.Context, sig domain.TradingSignal) {
	if d.recorder != nil {
		if err := d.recorder.RecordSignal(ctx, sig); err != nil {
			d.logger.Warn("Failed to record signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		}
	}
	d.publish(ctx, EventSignal, sig.Symbol, sig)
}

func (d *Dispatcher) handleExecution(ctx context.Context, trade domain.TradeRecord) {
	if d.recorder != nil {
		if err := d.recorder.RecordTrade(ctx, trade); err != nil {
			d.logger.Error("Failed to record trade", zap.String("symbol", trade.Symbol), zap.Error(err))
		}
	}
	d.publish(ctx, EventExecution, trade.Symbol, trade)
}

func (d *Dispatcher) publish(ctx context.Context, kind, symbol string, payload any) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, kind, payload); err != nil {
		d.logger.Warn("Failed to publish event",
			zap.String("kind", kind),
			zap.String("symbol", symbol),
			zap.Error(err))
	}
}
