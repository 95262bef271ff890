package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Position represents an open position as confirmed by the exchange.
type Position struct {
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	EntryPrice    float64        `json:"entry_price"`
	Size          float64        `json:"size"`
	Leverage      int            `json:"leverage"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	MarkPrice     float64        `json:"mark_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
}

// PnLAt returns the profit of the position if closed at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// StopCrossed reports whether price has reached the recorded stop-loss.
func (p *Position) StopCrossed(price float64) bool {
	if p.StopLoss <= 0 || price <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TargetCrossed reports whether price has reached the recorded take-profit.
func (p *Position) TargetCrossed(price float64) bool {
	if p.TakeProfit <= 0 || price <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// Order is a submitted order acknowledged by the exchange.
type Order struct {
	OrderID     string    `json:"order_id"`
	OrderLinkID string    `json:"order_link_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	ReduceOnly  bool      `json:"reduce_only"`
	CreatedAt   time.Time `json:"created_at"`
}

type TradeKind string

const (
	TradeOpen  TradeKind = "OPEN"
	TradeClose TradeKind = "CLOSE"
)

// TradeRecord is what the storage collaborator receives on every confirmed execution.
type TradeRecord struct {
	Symbol      string    `json:"symbol"`
	Kind        TradeKind `json:"kind"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	Leverage    int       `json:"leverage"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}
