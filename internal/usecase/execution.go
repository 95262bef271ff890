package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

type PositionState string

const (
	StateFlat    PositionState = "FLAT"
	StateOpening PositionState = "OPENING"
	StateOpen    PositionState = "OPEN"
	StateClosing PositionState = "CLOSING"
	StateError   PositionState = "ERROR"
)

// ErrSymbolInError is returned for symbols parked in ERROR until ClearError.
var ErrSymbolInError = errors.New("symbol requires manual intervention")

// ExecutionInput is the market context the coordinator needs next to the signal.
type ExecutionInput struct {
	Price   float64
	ATR     float64
	Balance float64
	Closes  map[string][]float64 // per-symbol closes for the correlation check
}

type symbolSlot struct {
	exec sync.Mutex // held for the whole of one Execute call

	state         PositionState
	position      *domain.Position
	pendingSide   domain.Side
	pendingStop   float64
	pendingTarget float64
	lastErr       string
}

// ExecutionCoordinator owns the per-symbol position lifecycle
// FLAT -> OPENING -> OPEN -> CLOSING -> FLAT, with ERROR on venue rejection.
// State only moves on what the venue confirms; anything uncertain is reconciled from
// GetOpenPositions on the next call.
type ExecutionCoordinator struct {
	exchange domain.Exchange
	risk     *RiskManager
	logger   *zap.Logger

	mu      sync.Mutex
	slots   map[string]*symbolSlot
	timeNow func() time.Time
}

func NewExecutionCoordinator(exchange domain.Exchange, risk *RiskManager, logger *zap.Logger) *ExecutionCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionCoordinator{
		exchange: exchange,
		risk:     risk,
		logger:   logger,
		slots:    make(map[string]*symbolSlot),
		timeNow:  time.Now,
	}
}

func (c *ExecutionCoordinator) slot(symbol string) *symbolSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[symbol]
	if !ok {
		s = &symbolSlot{state: StateFlat}
		c.slots[symbol] = s
	}
	return s
}

func (c *ExecutionCoordinator) transition(symbol string, s *symbolSlot, to PositionState, pos *domain.Position, errMsg string) {
	c.mu.Lock()
	from := s.state
	s.state = to
	s.position = pos
	s.lastErr = errMsg
	c.mu.Unlock()
	if from != to {
		fields := []zap.Field{zap.String("symbol", symbol), zap.String("from", string(from)), zap.String("to", string(to))}
		if errMsg != "" {
			fields = append(fields, zap.String("error", errMsg))
		}
		c.logger.Info("Position state changed", fields...)
	}
}

func (c *ExecutionCoordinator) read(s *symbolSlot) (PositionState, *domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pos *domain.Position
	if s.position != nil {
		cp := *s.position
		pos = &cp
	}
	return s.state, pos
}

// Execute applies one signal for one symbol. It returns the trades confirmed during the call.
// Risk refusals come back as *domain.RiskLimitExceededError or domain.ErrEmergencyStopActive.
func (c *ExecutionCoordinator) Execute(ctx context.Context, sig domain.TradingSignal, in ExecutionInput) ([]domain.TradeRecord, error) {
	s := c.slot(sig.Symbol)
	s.exec.Lock()
	defer s.exec.Unlock()

	state, _ := c.read(s)
	if state == StateError {
		return nil, fmt.Errorf("%s: %w", sig.Symbol, ErrSymbolInError)
	}

	var trades []domain.TradeRecord
	if state == StateOpening || state == StateClosing {
		trade, err := c.reconcile(ctx, sig.Symbol, s, in.Price)
		if err != nil {
			return nil, err
		}
		if trade != nil {
			trades = append(trades, *trade)
		}
	}

	state, pos := c.read(s)
	if state == StateOpen {
		c.mark(s, in.Price)
		reason := c.exitReason(sig, pos, in.Price)
		if reason == "" {
			return trades, nil
		}
		trade, err := c.closePosition(ctx, sig.Symbol, s, pos, in.Price, reason)
		if trade != nil {
			trades = append(trades, *trade)
		}
		if err != nil {
			return trades, err
		}
		if state, _ = c.read(s); state != StateFlat || sig.Action == domain.ActionExit {
			return trades, nil
		}
	}

	if state != StateFlat || !sig.IsEntry() {
		return trades, nil
	}
	trade, err := c.openPosition(ctx, sig, s, in)
	if trade != nil {
		trades = append(trades, *trade)
	}
	return trades, err
}

func (c *ExecutionCoordinator) mark(s *symbolSlot, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.position != nil {
		s.position.MarkPrice = price
		s.position.UnrealizedPnL = s.position.PnLAt(price)
	}
}

func (c *ExecutionCoordinator) exitReason(sig domain.TradingSignal, pos *domain.Position, price float64) string {
	switch {
	case c.risk != nil && c.risk.IsHalted():
		return "emergency_stop"
	case sig.Action == domain.ActionExit:
		return "exit_signal"
	}
	if side, ok := sig.Action.Side(); ok && side != pos.Side {
		return "opposing_signal"
	}
	switch {
	case pos.StopCrossed(price):
		return "stop_loss"
	case pos.TargetCrossed(price):
		return "take_profit"
	}
	return ""
}

func (c *ExecutionCoordinator) openPosition(ctx context.Context, sig domain.TradingSignal, s *symbolSlot, in ExecutionInput) (*domain.TradeRecord, error) {
	side, _ := sig.Action.Side()
	if in.Price <= 0 {
		return nil, &domain.ValidationError{Field: "price", Reason: "no price to size the entry"}
	}
	margin := c.risk.CalculatePositionSize(sig, in.Balance)
	lev := c.risk.AdjustLeverage(sig, ATRPercent(domain.Indicators{ATR: in.ATR}, in.Price))
	qty := margin * float64(lev) / in.Price

	stop := c.risk.CalculateDynamicStopLoss(side, in.Price, in.ATR)
	if sig.StopLoss != nil {
		if side == domain.SideShort {
			stop = math.Max(stop, *sig.StopLoss)
		} else {
			stop = math.Min(stop, *sig.StopLoss)
		}
	}
	var target float64
	if sig.TakeProfit != nil {
		target = *sig.TakeProfit
	}

	// Validation and the move to OPENING happen under one lock so that concurrent entries
	// on different symbols see each other's reservation.
	c.mu.Lock()
	if err := c.risk.ValidateTrade(sig.Symbol, side, c.committedLocked(), in.Closes); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if margin <= 0 {
		c.mu.Unlock()
		return nil, &domain.RiskLimitExceededError{Limit: "position_size", Reason: fmt.Sprintf("no margin available (balance %.2f)", in.Balance)}
	}
	s.state, s.position, s.lastErr = StateOpening, nil, ""
	s.pendingSide, s.pendingStop, s.pendingTarget = side, stop, target
	c.mu.Unlock()
	c.logger.Info("Position state changed",
		zap.String("symbol", sig.Symbol), zap.String("from", string(StateFlat)), zap.String("to", string(StateOpening)))

	c.logger.Info("Opening position",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("margin", margin),
		zap.Int("leverage", lev),
		zap.Float64("stop_loss", stop),
		zap.Float64("take_profit", target),
		zap.Float64("confidence", sig.Confidence))

	order, err := c.exchange.OpenPosition(ctx, sig.Symbol, side, qty, nil, lev)
	if err != nil {
		return nil, c.failOpen(ctx, sig.Symbol, s, in.Price, err)
	}

	pos, err := c.confirmedPosition(ctx, sig.Symbol)
	if err != nil || pos == nil {
		c.logger.Warn("Entry not yet confirmed by venue, will reconcile",
			zap.String("symbol", sig.Symbol), zap.String("order_id", order.OrderID), zap.Error(err))
		return nil, err
	}
	pos = c.attachProtection(ctx, sig.Symbol, pos, stop, target)
	c.transition(sig.Symbol, s, StateOpen, pos, "")

	return &domain.TradeRecord{
		Symbol:     sig.Symbol,
		Kind:       domain.TradeOpen,
		Side:       pos.Side,
		Size:       pos.Size,
		Price:      pos.EntryPrice,
		Leverage:   lev,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Reason:     fmt.Sprintf("%s signal, confidence %.0f", sig.Action, sig.Confidence),
		CreatedAt:  c.timeNow(),
	}, nil
}

// failOpen decides the state after a failed entry order. Nothing reached the venue for
// validation and open-circuit errors; a rejection parks the symbol; anything else leaves
// OPENING so the next call reconciles.
func (c *ExecutionCoordinator) failOpen(ctx context.Context, symbol string, s *symbolSlot, price float64, err error) error {
	var vErr *domain.ValidationError
	var cErr *domain.CircuitOpenError
	switch {
	case errors.As(err, &vErr), errors.As(err, &cErr):
		c.transition(symbol, s, StateFlat, nil, "")
	case domain.IsVenueRejected(err):
		c.transition(symbol, s, StateError, nil, err.Error())
	default:
		if _, rErr := c.reconcile(ctx, symbol, s, price); rErr != nil {
			c.logger.Warn("Reconcile after failed entry failed", zap.String("symbol", symbol), zap.Error(rErr))
		}
	}
	return err
}

func (c *ExecutionCoordinator) attachProtection(ctx context.Context, symbol string, pos *domain.Position, stop, target float64) *domain.Position {
	if stop > 0 {
		if err := c.exchange.SetStopLoss(ctx, symbol, stop); err != nil {
			c.logger.Warn("Failed to attach stop-loss, tracking it locally", zap.String("symbol", symbol), zap.Error(err))
		}
		pos.StopLoss = stop
	}
	if target > 0 {
		if err := c.exchange.SetTakeProfit(ctx, symbol, target); err != nil {
			c.logger.Warn("Failed to attach take-profit, tracking it locally", zap.String("symbol", symbol), zap.Error(err))
		}
		pos.TakeProfit = target
	}
	return pos
}

func (c *ExecutionCoordinator) closePosition(ctx context.Context, symbol string, s *symbolSlot, pos *domain.Position, price float64, reason string) (*domain.TradeRecord, error) {
	c.transition(symbol, s, StateClosing, pos, "")
	c.logger.Info("Closing position",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size),
		zap.Float64("price", price),
		zap.String("reason", reason))

	if _, err := c.exchange.ClosePosition(ctx, symbol); err != nil {
		var cErr *domain.CircuitOpenError
		switch {
		case errors.As(err, &cErr):
			c.transition(symbol, s, StateOpen, pos, "")
		case domain.IsVenueRejected(err):
			c.transition(symbol, s, StateError, pos, err.Error())
		}
		return nil, err
	}

	still, err := c.confirmedPosition(ctx, symbol)
	if err != nil {
		c.logger.Warn("Close not yet confirmed by venue, will reconcile", zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}
	if still != nil {
		c.logger.Warn("Venue still reports the position after close", zap.String("symbol", symbol), zap.Float64("size", still.Size))
		return nil, nil
	}
	return c.finishClose(symbol, s, pos, price, reason), nil
}

func (c *ExecutionCoordinator) finishClose(symbol string, s *symbolSlot, pos *domain.Position, price float64, reason string) *domain.TradeRecord {
	if price <= 0 {
		price = pos.MarkPrice
	}
	pnl := pos.PnLAt(price)
	if c.risk != nil {
		c.risk.RecordRealizedPnL(pnl)
	}
	c.transition(symbol, s, StateFlat, nil, "")
	return &domain.TradeRecord{
		Symbol:      symbol,
		Kind:        domain.TradeClose,
		Side:        pos.Side,
		Size:        pos.Size,
		Price:       price,
		Leverage:    pos.Leverage,
		StopLoss:    pos.StopLoss,
		TakeProfit:  pos.TakeProfit,
		RealizedPnL: pnl,
		Reason:      reason,
		CreatedAt:   c.timeNow(),
	}
}

// reconcile resolves OPENING and CLOSING from the venue's position list. It returns the
// close record when a pending close turns out to have filled.
func (c *ExecutionCoordinator) reconcile(ctx context.Context, symbol string, s *symbolSlot, price float64) (*domain.TradeRecord, error) {
	venue, err := c.confirmedPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	state, local := s.state, s.position
	stop, target := s.pendingStop, s.pendingTarget
	c.mu.Unlock()

	switch state {
	case StateOpening:
		if venue == nil {
			c.transition(symbol, s, StateFlat, nil, "")
			return nil, nil
		}
		venue = c.attachProtection(ctx, symbol, venue, stop, target)
		c.transition(symbol, s, StateOpen, venue, "")
	case StateClosing:
		if venue != nil {
			if local != nil {
				venue.StopLoss, venue.TakeProfit = local.StopLoss, local.TakeProfit
			}
			c.transition(symbol, s, StateOpen, venue, "")
			return nil, nil
		}
		if local == nil {
			c.transition(symbol, s, StateFlat, nil, "")
			return nil, nil
		}
		return c.finishClose(symbol, s, local, price, "reconciled"), nil
	}
	return nil, nil
}

func (c *ExecutionCoordinator) confirmedPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := c.exchange.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Size > 0 {
			p.Status = domain.PositionOpen
			return p, nil
		}
	}
	return nil, nil
}

// Sync adopts the venue's open positions. Used at startup and after manual intervention.
// Symbols in ERROR are left alone.
func (c *ExecutionCoordinator) Sync(ctx context.Context) error {
	positions, err := c.exchange.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	venue := make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		if p.Size > 0 {
			p.Status = domain.PositionOpen
			venue[p.Symbol] = p
		}
	}

	c.mu.Lock()
	for sym := range venue {
		if _, ok := c.slots[sym]; !ok {
			c.slots[sym] = &symbolSlot{state: StateFlat}
		}
	}
	slots := make(map[string]*symbolSlot, len(c.slots))
	for sym, s := range c.slots {
		slots[sym] = s
	}
	c.mu.Unlock()

	for sym, s := range slots {
		s.exec.Lock()
		state, _ := c.read(s)
		switch {
		case state == StateError:
		case venue[sym] != nil:
			c.transition(sym, s, StateOpen, venue[sym], "")
		default:
			c.transition(sym, s, StateFlat, nil, "")
		}
		s.exec.Unlock()
	}
	c.logger.Info("Positions synced from venue", zap.Int("open", len(venue)))
	return nil
}

// ClearError releases a symbol from ERROR after manual intervention and re-reads its
// position from the venue.
func (c *ExecutionCoordinator) ClearError(ctx context.Context, symbol string) error {
	s := c.slot(symbol)
	s.exec.Lock()
	defer s.exec.Unlock()
	if state, _ := c.read(s); state != StateError {
		return nil
	}
	pos, err := c.confirmedPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if pos != nil {
		c.transition(symbol, s, StateOpen, pos, "")
	} else {
		c.transition(symbol, s, StateFlat, nil, "")
	}
	return nil
}

func (c *ExecutionCoordinator) State(symbol string) PositionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[symbol]; ok {
		return s.state
	}
	return StateFlat
}

// Positions returns copies of every tracked position, sorted by symbol.
func (c *ExecutionCoordinator) Positions() []*domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*domain.Position
	for _, s := range c.slots {
		if s.position != nil {
			cp := *s.position
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// committedLocked lists confirmed positions plus entries still in OPENING, which count
// against the open-position limit. Caller holds c.mu.
func (c *ExecutionCoordinator) committedLocked() []*domain.Position {
	var out []*domain.Position
	for sym, s := range c.slots {
		switch {
		case s.position != nil:
			cp := *s.position
			out = append(out, &cp)
		case s.state == StateOpening:
			out = append(out, &domain.Position{Symbol: sym, Side: s.pendingSide, Status: domain.PositionOpen})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ErroredSymbols maps each symbol in ERROR to the rejection that put it there.
func (c *ExecutionCoordinator) ErroredSymbols() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for sym, s := range c.slots {
		if s.state == StateError {
			out[sym] = s.lastErr
		}
	}
	return out
}
