package domain

// RiskConfig is loaded once at startup and never changed during a session.
// Percentages are expressed in percent (2.0 means 2%).
type RiskConfig struct {
	MaxDailyLossPct           float64 `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxPositionSize           float64 `yaml:"max_position_size" json:"max_position_size"` // quote currency
	StopLossPct               float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	MaxOpenPositions          int     `yaml:"max_open_positions" json:"max_open_positions"`
	MaxLeverage               int     `yaml:"max_leverage" json:"max_leverage"`
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	DynamicStopLoss           bool    `yaml:"dynamic_stop_loss" json:"dynamic_stop_loss"`
	PortfolioCorrelationLimit float64 `yaml:"portfolio_correlation_limit" json:"portfolio_correlation_limit"`
}
