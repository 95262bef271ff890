package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Candle is one OHLCV bar. BuyVolume/SellVolume are set only when the venue reports taker-side volume.
type Candle struct {
	Time       int64    `json:"time"` // open time, unix seconds
	Open       float64  `json:"open"`
	High       float64  `json:"high"`
	Low        float64  `json:"low"`
	Close      float64  `json:"close"`
	Volume     float64  `json:"volume"`
	BuyVolume  *float64 `json:"buy_volume,omitempty"`
	SellVolume *float64 `json:"sell_volume,omitempty"`
}

// HasTakerVolume reports whether the venue supplied the buy/sell split for this bar.
func (c Candle) HasTakerVolume() bool {
	return c.BuyVolume != nil && c.SellVolume != nil
}

// Validate rejects bars that cannot come from a real market.
func (c Candle) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("non-positive price in candle at %d", c.Time)}
	}
	if c.High < c.Low {
		return &ValidationError{Field: "high", Reason: fmt.Sprintf("high %.8f below low %.8f", c.High, c.Low)}
	}
	if c.Volume < 0 {
		return &ValidationError{Field: "volume", Reason: fmt.Sprintf("negative volume %.8f", c.Volume)}
	}
	if c.BuyVolume != nil && *c.BuyVolume < 0 || c.SellVolume != nil && *c.SellVolume < 0 {
		return &ValidationError{Field: "taker_volume", Reason: "negative taker volume"}
	}
	return nil
}

type OrderBookEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds bids best-first (descending) and asks best-first (ascending).
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Validate checks side ordering, positive prices, non-negative sizes and that the book is not crossed.
func (ob *OrderBook) Validate() error {
	if ob == nil {
		return &ValidationError{Field: "orderbook", Reason: "nil order book"}
	}
	for i, e := range ob.Bids {
		if e.Price <= 0 || e.Size < 0 {
			return &ValidationError{Field: "bids", Reason: fmt.Sprintf("invalid level %d (%.8f x %.8f)", i, e.Price, e.Size)}
		}
		if i > 0 && e.Price > ob.Bids[i-1].Price {
			return &ValidationError{Field: "bids", Reason: fmt.Sprintf("bid %.8f above previous %.8f", e.Price, ob.Bids[i-1].Price)}
		}
	}
	for i, e := range ob.Asks {
		if e.Price <= 0 || e.Size < 0 {
			return &ValidationError{Field: "asks", Reason: fmt.Sprintf("invalid level %d (%.8f x %.8f)", i, e.Price, e.Size)}
		}
		if i > 0 && e.Price < ob.Asks[i-1].Price {
			return &ValidationError{Field: "asks", Reason: fmt.Sprintf("ask %.8f below previous %.8f", e.Price, ob.Asks[i-1].Price)}
		}
	}
	if len(ob.Bids) > 0 && len(ob.Asks) > 0 && ob.Bids[0].Price >= ob.Asks[0].Price {
		return &ValidationError{Field: "orderbook", Reason: fmt.Sprintf("crossed book: bid %.8f >= ask %.8f", ob.Bids[0].Price, ob.Asks[0].Price)}
	}
	return nil
}

// Truncate keeps at most depth levels per side. depth <= 0 leaves the book untouched.
func (ob *OrderBook) Truncate(depth int) {
	if depth <= 0 {
		return
	}
	if len(ob.Bids) > depth {
		ob.Bids = ob.Bids[:depth]
	}
	if len(ob.Asks) > depth {
		ob.Asks = ob.Asks[:depth]
	}
}

// Mid returns the mid price, or 0 when either side is empty.
func (ob *OrderBook) Mid() float64 {
	if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0
	}
	return (ob.Bids[0].Price + ob.Asks[0].Price) / 2
}

// Clone returns a deep copy so callers cannot mutate shared snapshots.
func (ob *OrderBook) Clone() *OrderBook {
	if ob == nil {
		return nil
	}
	c := &OrderBook{Symbol: ob.Symbol, Timestamp: ob.Timestamp}
	c.Bids = append([]OrderBookEntry(nil), ob.Bids...)
	c.Asks = append([]OrderBookEntry(nil), ob.Asks...)
	return c
}

// Tick is a single candle update for a symbol, as received from a poll or a stream.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Candle   Candle    `json:"candle"`
	Received time.Time `json:"received"`
	Stale    bool      `json:"stale"`
}

type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	MarkPrice float64 `json:"mark_price"`
	Volume24h float64 `json:"volume_24h"`
}

// MarketData is the per-symbol view assembled from the venue. Indicators are filled by the ingestor.
type MarketData struct {
	Symbol     string      `json:"symbol"`
	Price      float64     `json:"price"`
	Volume24h  float64     `json:"volume_24h"`
	OrderBook  *OrderBook  `json:"order_book"`
	Indicators *Indicators `json:"indicators,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// IntervalDuration maps Bybit kline interval codes ("1", "5", "60", "D", "W") to a duration.
// Unknown codes map to one minute.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	}
	if m, err := strconv.Atoi(interval); err == nil && m > 0 {
		return time.Duration(m) * time.Minute
	}
	return time.Minute
}
