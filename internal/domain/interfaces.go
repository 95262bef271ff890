package domain

import (
	"context"
	"time"
)

// MarketDataSource supplies candles and depth. Live and synthetic implementations exist;
// analytics never knows which one is active.
type MarketDataSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
}

// Exchange defines the interface for interacting with a crypto futures exchange.
type Exchange interface {
	MarketDataSource

	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetMarketData(ctx context.Context, symbol string) (*MarketData, error)
	GetBalance(ctx context.Context) (map[string]Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	OpenPosition(ctx context.Context, symbol string, side Side, qty float64, price *float64, leverage int) (*Order, error)
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
	SetStopLoss(ctx context.Context, symbol string, price float64) error
	SetTakeProfit(ctx context.Context, symbol string, price float64) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenPositions(ctx context.Context) ([]*Position, error)
}

// Advisor is the external AI recommendation collaborator.
type Advisor interface {
	Recommend(ctx context.Context, snapshot MarketSnapshot) (*Recommendation, error)
}

// MarketDataRecord is the per-tick market record handed to storage.
type MarketDataRecord struct {
	Symbol     string     `json:"symbol"`
	Candle     Candle     `json:"candle"`
	Indicators Indicators `json:"indicators"`
	CVD        float64    `json:"cvd"`
	Volume     float64    `json:"volume_ratio"`
	Time       time.Time  `json:"time"`
}

// Recorder is the storage collaborator. It owns schema and retention.
type Recorder interface {
	RecordMarketData(ctx context.Context, rec MarketDataRecord) error
	RecordSignal(ctx context.Context, sig TradingSignal) error
	RecordTrade(ctx context.Context, trade TradeRecord) error
}

// EventPublisher forwards engine events to an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// SnapshotPublisher exposes the read-only engine snapshot to the dashboard collaborator.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snapshot any) error
}
