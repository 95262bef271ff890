package storage

import (
	"context"

	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// NopRecorder discards everything. Used when storage is disabled.
type NopRecorder struct{}

var _ domain.Recorder = NopRecorder{}

func (NopRecorder) RecordMarketData(context.Context, domain.MarketDataRecord) error { return nil }
func (NopRecorder) RecordSignal(context.Context, domain.TradingSignal) error        { return nil }
func (NopRecorder) RecordTrade(context.Context, domain.TradeRecord) error           { return nil }
