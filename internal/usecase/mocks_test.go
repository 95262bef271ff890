package usecase

import (
	"context"
	"sync"

	"github.com/vitos/crypto_trade_signal/internal/domain"
)

type openCall struct {
	Symbol   string
	Side     domain.Side
	Qty      float64
	Leverage int
}

// MockExchange is an in-memory venue. OpenPosition fills immediately unless NoFill is set.
type MockExchange struct {
	mu sync.Mutex

	Candles   map[string][]domain.Candle
	Books     map[string]*domain.OrderBook
	Balances  map[string]domain.Balance
	Venue     map[string]*domain.Position
	NoFill    bool
	FillPrice float64
	// BeforeOpen runs outside the mock's lock, so it may block to hold an order in flight.
	BeforeOpen func(symbol string)

	CandlesErr   error
	BookErr      error
	OpenErr      error
	CloseErr     error
	PositionsErr error
	BalanceErr   error

	Opens      []openCall
	Closes     []string
	StopLosses map[string]float64
	Targets    map[string]float64
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		Candles:    make(map[string][]domain.Candle),
		Books:      make(map[string]*domain.OrderBook),
		Balances:   map[string]domain.Balance{"USDT": {Asset: "USDT", Available: 10000}},
		Venue:      make(map[string]*domain.Position),
		StopLosses: make(map[string]float64),
		Targets:    make(map[string]float64),
	}
}

var _ domain.Exchange = (*MockExchange)(nil)

func (m *MockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandlesErr != nil {
		return nil, m.CandlesErr
	}
	return append([]domain.Candle(nil), m.Candles[symbol]...), nil
}

func (m *MockExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BookErr != nil {
		return nil, m.BookErr
	}
	return m.Books[symbol].Clone(), nil
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	return &domain.Ticker{Symbol: symbol}, nil
}

func (m *MockExchange) GetMarketData(ctx context.Context, symbol string) (*domain.MarketData, error) {
	book, err := m.GetOrderBook(ctx, symbol, 50)
	if err != nil {
		return nil, err
	}
	return &domain.MarketData{Symbol: symbol, Price: book.Mid(), OrderBook: book}, nil
}

func (m *MockExchange) GetBalance(ctx context.Context) (map[string]domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	out := make(map[string]domain.Balance, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockExchange) OpenPosition(ctx context.Context, symbol string, side domain.Side, qty float64, price *float64, leverage int) (*domain.Order, error) {
	if m.BeforeOpen != nil {
		m.BeforeOpen(symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opens = append(m.Opens, openCall{Symbol: symbol, Side: side, Qty: qty, Leverage: leverage})
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if !m.NoFill {
		m.Venue[symbol] = &domain.Position{
			Symbol:     symbol,
			Side:       side,
			EntryPrice: m.FillPrice,
			Size:       qty,
			Leverage:   leverage,
		}
	}
	return &domain.Order{OrderID: "ord-" + symbol, Symbol: symbol, Side: side, Size: qty}, nil
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closes = append(m.Closes, symbol)
	if m.CloseErr != nil {
		return nil, m.CloseErr
	}
	pos, ok := m.Venue[symbol]
	if !ok {
		return nil, nil
	}
	delete(m.Venue, symbol)
	return &domain.Order{OrderID: "close-" + symbol, Symbol: symbol, Side: pos.Side.Opposite(), Size: pos.Size, ReduceOnly: true}, nil
}

func (m *MockExchange) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopLosses[symbol] = price
	return nil
}

func (m *MockExchange) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Targets[symbol] = price
	return nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (m *MockExchange) GetOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]*domain.Position, 0, len(m.Venue))
	for _, p := range m.Venue {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockExchange) setVenue(symbol string, pos *domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos == nil {
		delete(m.Venue, symbol)
		return
	}
	m.Venue[symbol] = pos
}

func (m *MockExchange) opens() []openCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]openCall(nil), m.Opens...)
}

type MockAdvisor struct {
	Rec   *domain.Recommendation
	Err   error
	Calls int
}

func (a *MockAdvisor) Recommend(ctx context.Context, snapshot domain.MarketSnapshot) (*domain.Recommendation, error) {
	a.Calls++
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Rec, nil
}

// MockRecorder captures everything handed to storage.
type MockRecorder struct {
	mu      sync.Mutex
	Market  []domain.MarketDataRecord
	Signals []domain.TradingSignal
	Trades  []domain.TradeRecord
}

func (r *MockRecorder) RecordMarketData(ctx context.Context, rec domain.MarketDataRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Market = append(r.Market, rec)
	return nil
}

func (r *MockRecorder) RecordSignal(ctx context.Context, sig domain.TradingSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Signals = append(r.Signals, sig)
	return nil
}

func (r *MockRecorder) RecordTrade(ctx context.Context, trade domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trades = append(r.Trades, trade)
	return nil
}

func (r *MockRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Market), len(r.Signals), len(r.Trades)
}

type MockPublisher struct {
	mu    sync.Mutex
	Kinds []string
}

func (p *MockPublisher) Publish(ctx context.Context, kind string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Kinds = append(p.Kinds, kind)
	return nil
}

func (p *MockPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Kinds...)
}

func ptr(v float64) *float64 { return &v }
