package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// Public market data endpoints.

func (g *BybitGateway) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)

	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/market/tickers", q, nil, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, &domain.VenueRejectedError{HTTPStatus: http.StatusOK, Message: "symbol not found: " + symbol}
	}

	raw := res.List[0]
	last, err := parseNumber("lastPrice", raw.LastPrice)
	if err != nil {
		return nil, err
	}
	if last <= 0 {
		return nil, &domain.ValidationError{Field: "lastPrice", Reason: "non-positive price"}
	}
	mark, err := parseOptional("markPrice", raw.MarkPrice)
	if err != nil {
		return nil, err
	}
	vol, err := parseOptional("volume24h", raw.Volume24h)
	if err != nil {
		return nil, err
	}
	return &domain.Ticker{Symbol: raw.Symbol, LastPrice: last, MarkPrice: mark, Volume24h: vol}, nil
}

// GetOrderBook returns a validated book truncated to depth levels per side.
func (g *BybitGateway) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = g.cfg.BookDepth
	}
	limit := depth
	if limit > 500 {
		limit = 500
	}

	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	var res struct {
		S  string     `json:"s"`
		B  [][]string `json:"b"`
		A  [][]string `json:"a"`
		TS int64      `json:"ts"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/market/orderbook", q, nil, &res); err != nil {
		return nil, err
	}

	bids, err := parseLevels("b", res.B)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("a", res.A)
	if err != nil {
		return nil, err
	}

	ob := &domain.OrderBook{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: time.UnixMilli(res.TS)}
	if res.TS == 0 {
		ob.Timestamp = g.timeNow()
	}
	if err := ob.Validate(); err != nil {
		return nil, err
	}
	ob.Truncate(depth)
	return ob, nil
}

func parseLevels(field string, raw [][]string) ([]domain.OrderBookEntry, error) {
	out := make([]domain.OrderBookEntry, 0, len(raw))
	for i, lvl := range raw {
		if len(lvl) < 2 {
			return nil, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("level %d has %d fields", i, len(lvl))}
		}
		price, err := parseNumber(field, lvl[0])
		if err != nil {
			return nil, err
		}
		size, err := parseNumber(field, lvl[1])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.OrderBookEntry{Price: price, Size: size})
	}
	return out, nil
}

// GetMarketData combines ticker and book. Indicators are left for the ingestor to attach.
func (g *BybitGateway) GetMarketData(ctx context.Context, symbol string) (*domain.MarketData, error) {
	ticker, err := g.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	book, err := g.GetOrderBook(ctx, symbol, g.cfg.BookDepth)
	if err != nil {
		return nil, fmt.Errorf("orderbook %s: %w", symbol, err)
	}
	return &domain.MarketData{
		Symbol:    symbol,
		Price:     ticker.LastPrice,
		Volume24h: ticker.Volume24h,
		OrderBook: book,
		Timestamp: g.timeNow(),
	}, nil
}

// GetCandles returns klines oldest first. Bars failing validation are skipped.
func (g *BybitGateway) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var res struct {
		List [][]string `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/market/kline", q, nil, &res); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(res.List))
	// Bybit returns newest first: [startTime, open, high, low, close, volume, turnover]
	for i := len(res.List) - 1; i >= 0; i-- {
		c, err := parseKline(res.List[i])
		if err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			g.logger.Warn("Dropping invalid kline", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(raw []string) (domain.Candle, error) {
	if len(raw) < 6 {
		return domain.Candle{}, &domain.ValidationError{Field: "kline", Reason: fmt.Sprintf("expected 6+ fields, got %d", len(raw))}
	}
	ts, err := strconv.ParseInt(raw[0], 10, 64)
	if err != nil {
		return domain.Candle{}, &domain.ValidationError{Field: "startTime", Reason: err.Error()}
	}
	var vals [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := range vals {
		v, err := parseNumber(names[i], raw[i+1])
		if err != nil {
			return domain.Candle{}, err
		}
		vals[i] = v
	}
	return domain.Candle{
		Time:   ts / 1000,
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}
