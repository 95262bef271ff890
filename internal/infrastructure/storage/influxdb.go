package storage

import (
	"context"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// InfluxRecorder writes market data, signals and trades as InfluxDB points.
// Writes are synchronous so the dispatcher sees every failure.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

var _ domain.Recorder = (*InfluxRecorder)(nil)

func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// Ping checks that the server is reachable and healthy.
func (r *InfluxRecorder) Ping(ctx context.Context) error {
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return fmt.Errorf("influxdb not healthy: %+v", health)
	}
	return nil
}

func (r *InfluxRecorder) RecordMarketData(ctx context.Context, rec domain.MarketDataRecord) error {
	ind := rec.Indicators
	p := influxdb2.NewPoint("market_data",
		map[string]string{"symbol": rec.Symbol},
		map[string]interface{}{
			"open":           rec.Candle.Open,
			"high":           rec.Candle.High,
			"low":            rec.Candle.Low,
			"close":          rec.Candle.Close,
			"volume":         rec.Candle.Volume,
			"rsi":            ind.RSI,
			"macd":           ind.MACD,
			"macd_signal":    ind.MACDSignal,
			"macd_histogram": ind.MACDHistogram,
			"sma":            ind.MovingAverage,
			"ema":            ind.EMA,
			"bb_upper":       ind.Bollinger.Upper,
			"bb_lower":       ind.Bollinger.Lower,
			"stoch_k":        ind.Stochastic.K,
			"stoch_d":        ind.Stochastic.D,
			"williams":       ind.Williams,
			"atr":            ind.ATR,
			"obv":            ind.OBV,
			"cvd":            rec.CVD,
			"volume_ratio":   rec.Volume,
		},
		rec.Time)
	return r.writeAPI.WritePoint(ctx, p)
}

func (r *InfluxRecorder) RecordSignal(ctx context.Context, sig domain.TradingSignal) error {
	fields := map[string]interface{}{
		"confidence":  sig.Confidence,
		"entry_price": sig.EntryPrice,
		"reasoning":   strings.Join(sig.Reasoning, "; "),
	}
	if sig.StopLoss != nil {
		fields["stop_loss"] = *sig.StopLoss
	}
	if sig.TakeProfit != nil {
		fields["take_profit"] = *sig.TakeProfit
	}
	p := influxdb2.NewPoint("signals",
		map[string]string{
			"symbol":     sig.Symbol,
			"action":     string(sig.Action),
			"risk_level": string(sig.RiskLevel),
		},
		fields,
		sig.CreatedAt)
	return r.writeAPI.WritePoint(ctx, p)
}

func (r *InfluxRecorder) RecordTrade(ctx context.Context, trade domain.TradeRecord) error {
	p := influxdb2.NewPoint("trades",
		map[string]string{
			"symbol": trade.Symbol,
			"kind":   string(trade.Kind),
			"side":   string(trade.Side),
		},
		map[string]interface{}{
			"size":         trade.Size,
			"price":        trade.Price,
			"leverage":     trade.Leverage,
			"stop_loss":    trade.StopLoss,
			"take_profit":  trade.TakeProfit,
			"realized_pnl": trade.RealizedPnL,
			"reason":       trade.Reason,
		},
		trade.CreatedAt)
	return r.writeAPI.WritePoint(ctx, p)
}

func (r *InfluxRecorder) Close() {
	r.client.Close()
}
