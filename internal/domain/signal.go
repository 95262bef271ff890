package domain

import "time"

type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
	ActionExit  Action = "EXIT"
)

// Side maps an entry action to a position side. ok is false for HOLD and EXIT.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionLong:
		return SideLong, true
	case ActionShort:
		return SideShort, true
	}
	return "", false
}

type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskExtreme RiskLevel = "EXTREME"
)

// RiskLevelForConfidence maps signal confidence onto a risk tier.
func RiskLevelForConfidence(confidence float64) RiskLevel {
	switch {
	case confidence < 50:
		return RiskHigh
	case confidence < 70:
		return RiskMedium
	default:
		return RiskLow
	}
}

// TradingSignal is produced once per tick and never mutated afterwards.
type TradingSignal struct {
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Reasoning  []string  `json:"reasoning"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsEntry reports whether the signal asks for a new position.
func (s TradingSignal) IsEntry() bool {
	_, ok := s.Action.Side()
	return ok
}

// Recommendation is the external AI collaborator's answer. Confidence is in [0,1].
type Recommendation struct {
	Symbol      string  `json:"symbol"`
	Action      Action  `json:"action"`
	Confidence  float64 `json:"confidence"`
	TargetPrice float64 `json:"target_price"`
	StopLoss    float64 `json:"stop_loss"`
	Reasoning   string  `json:"reasoning"`
}

// MarketSnapshot is what the AI collaborator is asked about.
type MarketSnapshot struct {
	Symbol     string          `json:"symbol"`
	Price      float64         `json:"price"`
	Candles    []Candle        `json:"candles"`
	Indicators Indicators      `json:"indicators"`
	Analytics  AnalyticsResult `json:"analytics"`
	Timestamp  time.Time       `json:"timestamp"`
}
