package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// SyntheticSource generates a seeded random walk for dry runs and tests.
// It satisfies domain.MarketDataSource and is indistinguishable from the venue to analytics.
type SyntheticSource struct {
	mu         sync.Mutex
	rng        *rand.Rand
	basePrice  float64
	volatility float64 // per-bar stddev of returns
	baseVolume float64
	prices     map[string]float64
	timeNow    func() time.Time
}

func NewSyntheticSource(seed int64, basePrice float64) *SyntheticSource {
	if basePrice <= 0 {
		basePrice = 50000
	}
	return &SyntheticSource{
		rng:        rand.New(rand.NewSource(seed)),
		basePrice:  basePrice,
		volatility: 0.004,
		baseVolume: 1000,
		prices:     make(map[string]float64),
		timeNow:    time.Now,
	}
}

var _ domain.MarketDataSource = (*SyntheticSource)(nil)

// GetCandles returns limit bars ending at the current interval, oldest first.
// Each call continues the walk from the last close of the previous call.
func (s *SyntheticSource) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	step := domain.IntervalDuration(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		price = s.basePrice
	}
	end := s.timeNow().Truncate(step)
	candles := make([]domain.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		open := price
		ret := s.rng.NormFloat64() * s.volatility
		closePrice := math.Max(open*(1+ret), 0.01)
		wick := math.Abs(s.rng.NormFloat64()) * s.volatility * open / 2
		high := math.Max(open, closePrice) + wick
		low := math.Max(math.Min(open, closePrice)-wick, 0.005)
		vol := s.baseVolume * (0.5 + s.rng.Float64())

		candles = append(candles, domain.Candle{
			Time:   end.Add(-time.Duration(i) * step).Unix(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: vol,
		})
		price = closePrice
	}
	s.prices[symbol] = price
	return candles, nil
}

// GetOrderBook builds depth levels around the current walk price, spaced 1bp apart.
func (s *SyntheticSource) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mid, ok := s.prices[symbol]
	if !ok {
		mid = s.basePrice
	}
	tickSize := mid * 0.0001
	ob := &domain.OrderBook{
		Symbol:    symbol,
		Bids:      make([]domain.OrderBookEntry, 0, depth),
		Asks:      make([]domain.OrderBookEntry, 0, depth),
		Timestamp: s.timeNow(),
	}
	for i := 0; i < depth; i++ {
		off := tickSize * float64(i+1)
		ob.Bids = append(ob.Bids, domain.OrderBookEntry{Price: mid - off, Size: 1 + s.rng.Float64()*2})
		ob.Asks = append(ob.Asks, domain.OrderBookEntry{Price: mid + off, Size: 1 + s.rng.Float64()*2})
	}
	return ob, nil
}
