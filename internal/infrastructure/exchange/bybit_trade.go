package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// Private account and trading endpoints.

// GetBalance returns the wallet coins of the configured account type keyed by asset.
func (g *BybitGateway) GetBalance(ctx context.Context) (map[string]domain.Balance, error) {
	q := url.Values{}
	q.Set("accountType", g.cfg.AccountType)

	var res struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				Locked              string `json:"locked"`
				TotalPositionIM     string `json:"totalPositionIM"`
				TotalOrderIM        string `json:"totalOrderIM"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, &res); err != nil {
		return nil, err
	}

	balances := make(map[string]domain.Balance)
	for _, acct := range res.List {
		for _, c := range acct.Coin {
			wallet, err := parseOptional("walletBalance", c.WalletBalance)
			if err != nil {
				return nil, err
			}
			locked, err := parseOptional("locked", c.Locked)
			if err != nil {
				return nil, err
			}
			posIM, err := parseOptional("totalPositionIM", c.TotalPositionIM)
			if err != nil {
				return nil, err
			}
			orderIM, err := parseOptional("totalOrderIM", c.TotalOrderIM)
			if err != nil {
				return nil, err
			}
			locked += posIM + orderIM

			available := wallet - locked
			if c.AvailableToWithdraw != "" {
				if available, err = parseNumber("availableToWithdraw", c.AvailableToWithdraw); err != nil {
					return nil, err
				}
			}
			if available < 0 {
				available = 0
			}
			balances[c.Coin] = domain.Balance{Asset: c.Coin, Available: available, Locked: locked}
		}
	}
	return balances, nil
}

// SetLeverage sets both buy and sell leverage. "leverage not modified" counts as success.
func (g *BybitGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return &domain.ValidationError{Field: "leverage", Reason: fmt.Sprintf("must be >= 1, got %d", leverage)}
	}
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := g.call(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, nil)
	var rejected *domain.VenueRejectedError
	if errors.As(err, &rejected) && rejected.Code == retCodeLeverageNotMoved {
		return nil
	}
	return err
}

// OpenPosition sets leverage and places a market order (price nil) or a GTC limit order.
func (g *BybitGateway) OpenPosition(ctx context.Context, symbol string, side domain.Side, qty float64, price *float64, leverage int) (*domain.Order, error) {
	qtyStr, err := g.formatQty(qty)
	if err != nil {
		return nil, err
	}
	if err := g.SetLeverage(ctx, symbol, leverage); err != nil {
		return nil, fmt.Errorf("set leverage %s: %w", symbol, err)
	}

	linkID := g.newLinkID()
	body := map[string]any{
		"category":    categoryLinear,
		"symbol":      symbol,
		"side":        venueSide(side),
		"orderType":   "Market",
		"qty":         qtyStr,
		"positionIdx": 0,
		"orderLinkId": linkID,
	}
	order := &domain.Order{
		OrderLinkID: linkID,
		Symbol:      symbol,
		Side:        side,
		CreatedAt:   g.timeNow(),
	}
	if price != nil {
		if *price <= 0 {
			return nil, &domain.ValidationError{Field: "price", Reason: "limit price must be positive"}
		}
		body["orderType"] = "Limit"
		body["price"] = g.formatPrice(*price)
		body["timeInForce"] = "GTC"
		order.Price = *price
	}
	order.Size, _ = decimal.RequireFromString(qtyStr).Float64()

	orderID, err := g.placeOrder(ctx, symbol, linkID, body)
	if err != nil {
		return nil, err
	}
	order.OrderID = orderID

	g.logger.Info("Order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qtyStr),
		zap.String("order_id", orderID),
		zap.String("order_link_id", linkID))
	return order, nil
}

// placeOrder submits an order create. A duplicate orderLinkId means an earlier attempt of
// the same call reached the venue and only its response was lost, so the existing order
// is looked up and returned instead of surfacing a rejection.
func (g *BybitGateway) placeOrder(ctx context.Context, symbol, linkID string, body map[string]any) (string, error) {
	var res struct {
		OrderID string `json:"orderId"`
	}
	err := g.call(ctx, http.MethodPost, "/v5/order/create", nil, body, &res)
	var rejected *domain.VenueRejectedError
	if err == nil || !errors.As(err, &rejected) || rejected.Code != retCodeDuplicateLinkID {
		return res.OrderID, err
	}

	g.logger.Warn("Order already accepted by an earlier attempt, looking it up",
		zap.String("symbol", symbol), zap.String("order_link_id", linkID))
	orderID, lookupErr := g.orderIDByLinkID(ctx, symbol, linkID)
	if lookupErr != nil || orderID == "" {
		// Unknown outcome: leave it to position reconciliation rather than report a rejection.
		return "", &domain.TransientNetworkError{
			Op:  "POST /v5/order/create",
			Err: fmt.Errorf("order %s accepted earlier but not found: %v", linkID, lookupErr),
		}
	}
	return orderID, nil
}

func (g *BybitGateway) orderIDByLinkID(ctx context.Context, symbol, linkID string) (string, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	q.Set("orderLinkId", linkID)
	var res struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/order/realtime", q, nil, &res); err != nil {
		return "", err
	}
	for _, o := range res.List {
		if o.OrderLinkID == linkID {
			return o.OrderID, nil
		}
	}
	return "", nil
}

// ClosePosition submits a reduce-only market order for the full venue size.
// It returns nil, nil when the venue reports no open position.
func (g *BybitGateway) ClosePosition(ctx context.Context, symbol string) (*domain.Order, error) {
	raw, err := g.positionList(ctx, url.Values{"category": {categoryLinear}, "symbol": {symbol}})
	if err != nil {
		return nil, err
	}

	var (
		side domain.Side
		size decimal.Decimal
		open bool
	)
	for _, p := range raw {
		sz, err := decimal.NewFromString(p.Size)
		if err != nil {
			return nil, &domain.ValidationError{Field: "size", Reason: fmt.Sprintf("bad position size %q", p.Size)}
		}
		if !sz.IsPositive() {
			continue
		}
		s, ok := domainSide(p.Side)
		if !ok {
			return nil, &domain.ValidationError{Field: "side", Reason: "unknown position side " + p.Side}
		}
		side, size, open = s, sz, true
		break
	}
	if !open {
		return nil, nil
	}

	linkID := g.newLinkID()
	body := map[string]any{
		"category":    categoryLinear,
		"symbol":      symbol,
		"side":        venueSide(side.Opposite()),
		"orderType":   "Market",
		"qty":         size.String(),
		"reduceOnly":  true,
		"positionIdx": 0,
		"orderLinkId": linkID,
	}
	orderID, err := g.placeOrder(ctx, symbol, linkID, body)
	if err != nil {
		return nil, err
	}
	sz, _ := size.Float64()
	return &domain.Order{
		OrderID:     orderID,
		OrderLinkID: linkID,
		Symbol:      symbol,
		Side:        side.Opposite(),
		Size:        sz,
		ReduceOnly:  true,
		CreatedAt:   g.timeNow(),
	}, nil
}

func (g *BybitGateway) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	return g.tradingStop(ctx, symbol, "stopLoss", price)
}

func (g *BybitGateway) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	return g.tradingStop(ctx, symbol, "takeProfit", price)
}

func (g *BybitGateway) tradingStop(ctx context.Context, symbol, field string, price float64) error {
	if price <= 0 {
		return &domain.ValidationError{Field: field, Reason: "must be positive"}
	}
	body := map[string]any{
		"category":    categoryLinear,
		"symbol":      symbol,
		field:         g.formatPrice(price),
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	return g.call(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, nil)
}

func (g *BybitGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return g.call(ctx, http.MethodPost, "/v5/order/cancel", nil, body, nil)
}

// GetOpenPositions lists every non-empty linear position settled in the configured coin.
func (g *BybitGateway) GetOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	raw, err := g.positionList(ctx, url.Values{"category": {categoryLinear}, "settleCoin": {g.cfg.SettleCoin}})
	if err != nil {
		return nil, err
	}

	positions := make([]*domain.Position, 0, len(raw))
	for _, p := range raw {
		pos, err := p.toDomain()
		if err != nil {
			return nil, err
		}
		if pos == nil {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type venuePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	CreatedTime   string `json:"createdTime"`
}

func (g *BybitGateway) positionList(ctx context.Context, q url.Values) ([]venuePosition, error) {
	var res struct {
		List []venuePosition `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/position/list", q, nil, &res); err != nil {
		return nil, err
	}
	return res.List, nil
}

// toDomain converts a venue row. Empty rows (size 0) yield nil.
func (p venuePosition) toDomain() (*domain.Position, error) {
	size, err := parseOptional("size", p.Size)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, nil
	}
	side, ok := domainSide(p.Side)
	if !ok {
		return nil, &domain.ValidationError{Field: "side", Reason: "unknown position side " + p.Side}
	}

	pos := &domain.Position{Symbol: p.Symbol, Side: side, Size: size, Status: domain.PositionOpen}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"avgPrice", p.AvgPrice, &pos.EntryPrice},
		{"markPrice", p.MarkPrice, &pos.MarkPrice},
		{"unrealisedPnl", p.UnrealisedPnl, &pos.UnrealizedPnL},
		{"stopLoss", p.StopLoss, &pos.StopLoss},
		{"takeProfit", p.TakeProfit, &pos.TakeProfit},
	}
	for _, f := range fields {
		if *f.dst, err = parseOptional(f.name, f.raw); err != nil {
			return nil, err
		}
	}
	if lev, err := parseOptional("leverage", p.Leverage); err == nil {
		pos.Leverage = int(lev)
	}
	if ms, err := strconv.ParseInt(p.CreatedTime, 10, 64); err == nil {
		pos.OpenedAt = time.UnixMilli(ms)
	}
	return pos, nil
}

// formatQty truncates qty to the configured lot precision; a result of zero is rejected.
func (g *BybitGateway) formatQty(qty float64) (string, error) {
	d := decimal.NewFromFloat(qty).Truncate(g.cfg.QtyPrecision)
	if !d.IsPositive() {
		return "", &domain.ValidationError{Field: "qty", Reason: fmt.Sprintf("%.10f rounds to zero at precision %d", qty, g.cfg.QtyPrecision)}
	}
	return d.String(), nil
}

func (g *BybitGateway) formatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(g.cfg.PricePrecision).String()
}
