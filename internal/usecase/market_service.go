package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

type IngestorConfig struct {
	Interval       string
	UpdateInterval time.Duration
	MaxHistory     int
	MaxClockSkew   time.Duration
	BookDepth      int
}

func (c *IngestorConfig) withDefaults() {
	if c.Interval == "" {
		c.Interval = "5"
	}
	if c.UpdateInterval < time.Second {
		c.UpdateInterval = time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 200
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = 5 * time.Minute
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 50
	}
}

// MarketDataIngestor keeps a bounded, validated candle history and the latest order book
// per subscribed symbol. Polling goroutines and stream callbacks both feed ProcessTick.
type MarketDataIngestor struct {
	source domain.MarketDataSource
	cfg    IngestorConfig
	logger *zap.Logger

	mu      sync.RWMutex
	history map[string][]domain.Candle
	books   map[string]*domain.OrderBook
	subs    map[string]context.CancelFunc
	onTick  []func(domain.Tick)
	wg      sync.WaitGroup
	timeNow func() time.Time
}

func NewMarketDataIngestor(source domain.MarketDataSource, cfg IngestorConfig, logger *zap.Logger) *MarketDataIngestor {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataIngestor{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		history: make(map[string][]domain.Candle),
		books:   make(map[string]*domain.OrderBook),
		subs:    make(map[string]context.CancelFunc),
		timeNow: time.Now,
	}
}

// OnTick registers a callback invoked after every accepted tick. Register before Subscribe.
func (s *MarketDataIngestor) OnTick(fn func(domain.Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = append(s.onTick, fn)
}

// Subscribe starts tracking symbol: one synchronous best-effort fetch, then a refresh every
// UpdateInterval until Unsubscribe or ctx ends. Subscribing twice is a no-op.
func (s *MarketDataIngestor) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	if _, ok := s.subs[symbol]; ok {
		s.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.subs[symbol] = cancel
	if _, ok := s.history[symbol]; !ok {
		s.history[symbol] = make([]domain.Candle, 0, s.cfg.MaxHistory)
	}
	s.mu.Unlock()

	if err := s.refresh(subCtx, symbol); err != nil {
		s.logger.Warn("Initial market data fetch failed", zap.String("symbol", symbol), zap.Error(err))
	}

	s.wg.Add(1)
	go s.pollLoop(subCtx, symbol)
	s.logger.Info("Subscribed to market data",
		zap.String("symbol", symbol),
		zap.Duration("update_interval", s.cfg.UpdateInterval))
	return nil
}

func (s *MarketDataIngestor) pollLoop(ctx context.Context, symbol string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := s.timeNow()
			if err := s.refresh(ctx, symbol); err != nil && ctx.Err() == nil {
				s.logger.Warn("Market data refresh failed", zap.String("symbol", symbol), zap.Error(err))
			}
			if took := s.timeNow().Sub(start); took > s.cfg.UpdateInterval {
				s.logger.Warn("Market data refresh overran its interval",
					zap.String("symbol", symbol),
					zap.Duration("took", took),
					zap.Duration("interval", s.cfg.UpdateInterval))
			}
		}
	}
}

// Unsubscribe stops the refresh goroutine for symbol. History is kept.
func (s *MarketDataIngestor) Unsubscribe(symbol string) {
	s.mu.Lock()
	cancel, ok := s.subs[symbol]
	delete(s.subs, symbol)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop unsubscribes everything and waits for the refresh goroutines to exit.
func (s *MarketDataIngestor) Stop() {
	s.mu.Lock()
	for sym, cancel := range s.subs {
		cancel()
		delete(s.subs, sym)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// refresh pulls candles and the book. Bars older than the newest one are backfilled
// silently; the newest goes through ProcessTick.
func (s *MarketDataIngestor) refresh(ctx context.Context, symbol string) error {
	candles, err := s.source.GetCandles(ctx, symbol, s.cfg.Interval, s.cfg.MaxHistory)
	if err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	if n := len(candles); n > 0 {
		s.backfill(symbol, candles[:n-1])
		if err := s.ProcessTick(domain.Tick{Symbol: symbol, Candle: candles[n-1], Received: s.timeNow()}); err != nil {
			s.logger.Debug("Latest candle rejected", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	book, err := s.source.GetOrderBook(ctx, symbol, s.cfg.BookDepth)
	if err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}
	if book != nil && book.Symbol == "" {
		book.Symbol = symbol
	}
	return s.UpdateOrderBook(book)
}

func (s *MarketDataIngestor) backfill(symbol string, candles []domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[symbol]
	for _, c := range candles {
		if c.Validate() != nil {
			continue
		}
		hist, _ = s.merge(hist, c)
	}
	s.history[symbol] = hist
}

// merge applies c to hist: newer bars append, a bar with the same open time replaces
// the last one, older bars are rejected. The history is capped at MaxHistory.
func (s *MarketDataIngestor) merge(hist []domain.Candle, c domain.Candle) ([]domain.Candle, bool) {
	if n := len(hist); n > 0 {
		last := hist[n-1]
		switch {
		case c.Time == last.Time:
			hist[n-1] = c
			return hist, true
		case c.Time < last.Time:
			return hist, false
		}
	}
	hist = append(hist, c)
	if over := len(hist) - s.cfg.MaxHistory; over > 0 {
		copy(hist, hist[over:])
		hist = hist[:s.cfg.MaxHistory]
	}
	return hist, true
}

// ProcessTick validates and stores one candle update. Malformed bars return a
// *domain.ValidationError and are dropped. Bars far from the local clock are kept but
// flagged stale.
func (s *MarketDataIngestor) ProcessTick(tick domain.Tick) error {
	if err := tick.Candle.Validate(); err != nil {
		s.logger.Warn("Dropping invalid tick", zap.String("symbol", tick.Symbol), zap.Error(err))
		return err
	}
	if tick.Received.IsZero() {
		tick.Received = s.timeNow()
	}
	if s.isStale(tick) {
		tick.Stale = true
		s.logger.Warn("Tick timestamp outside clock skew window",
			zap.String("symbol", tick.Symbol),
			zap.Int64("candle_time", tick.Candle.Time),
			zap.Time("received", tick.Received))
	}

	s.mu.Lock()
	hist, ok := s.merge(s.history[tick.Symbol], tick.Candle)
	s.history[tick.Symbol] = hist
	callbacks := append([]func(domain.Tick){}, s.onTick...)
	s.mu.Unlock()

	if !ok {
		return &domain.ValidationError{Field: "time", Reason: fmt.Sprintf("out-of-order candle at %d", tick.Candle.Time)}
	}
	for _, cb := range callbacks {
		cb(tick)
	}
	return nil
}

// isStale reports whether the bar's open time does not fit the receive time: in the future
// beyond the skew, or older than one interval plus the skew.
func (s *MarketDataIngestor) isStale(tick domain.Tick) bool {
	age := tick.Received.Sub(time.Unix(tick.Candle.Time, 0))
	return age < -s.cfg.MaxClockSkew || age > domain.IntervalDuration(s.cfg.Interval)+s.cfg.MaxClockSkew
}

// UpdateOrderBook validates and stores the latest book snapshot for its symbol.
func (s *MarketDataIngestor) UpdateOrderBook(book *domain.OrderBook) error {
	if err := book.Validate(); err != nil {
		s.logger.Warn("Dropping invalid order book", zap.Error(err))
		return err
	}
	snap := book.Clone()
	snap.Truncate(s.cfg.BookDepth)
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.timeNow()
	}

	s.mu.Lock()
	s.books[snap.Symbol] = snap
	s.mu.Unlock()
	return nil
}

// History returns a copy of the candle history for symbol, oldest first.
func (s *MarketDataIngestor) History(symbol string) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Candle(nil), s.history[symbol]...)
}

// OrderBook returns a copy of the latest book, or nil if none has been seen.
func (s *MarketDataIngestor) OrderBook(symbol string) *domain.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[symbol].Clone()
}

// LastPrice is the close of the newest candle, or 0.
func (s *MarketDataIngestor) LastPrice(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[symbol]
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Close
}

// Symbols lists every symbol with stored history, sorted.
func (s *MarketDataIngestor) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.history))
	for sym := range s.history {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
