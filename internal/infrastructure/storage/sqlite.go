package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// SQLiteStore records market data, signals and trades in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.Recorder = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS market_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			candle_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			indicators TEXT NOT NULL,
			cvd REAL NOT NULL,
			volume_ratio REAL NOT NULL,
			recorded_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_data_symbol_time ON market_data(symbol, candle_time);`,
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			confidence REAL NOT NULL,
			entry_price REAL NOT NULL,
			stop_loss REAL,
			take_profit REAL,
			risk_level TEXT NOT NULL,
			reasoning TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol, created_at);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) RecordMarketData(ctx context.Context, rec domain.MarketDataRecord) error {
	ind, err := json.Marshal(rec.Indicators)
	if err != nil {
		return fmt.Errorf("encoding indicators: %w", err)
	}
	query := `INSERT INTO market_data (symbol, candle_time, open, high, low, close, volume, indicators, cvd, volume_ratio, recorded_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.Symbol, rec.Candle.Time, rec.Candle.Open, rec.Candle.High, rec.Candle.Low, rec.Candle.Close,
		rec.Candle.Volume, string(ind), rec.CVD, rec.Volume, rec.Time)
	return err
}

func (s *SQLiteStore) RecordSignal(ctx context.Context, sig domain.TradingSignal) error {
	query := `INSERT INTO signals (symbol, action, confidence, entry_price, stop_loss, take_profit, risk_level, reasoning, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sig.Symbol, string(sig.Action), sig.Confidence, sig.EntryPrice,
		nullable(sig.StopLoss), nullable(sig.TakeProfit), string(sig.RiskLevel),
		strings.Join(sig.Reasoning, "; "), sig.CreatedAt)
	return err
}

func (s *SQLiteStore) RecordTrade(ctx context.Context, trade domain.TradeRecord) error {
	query := `INSERT INTO trades (symbol, kind, side, size, price, leverage, stop_loss, take_profit, realized_pnl, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		trade.Symbol, string(trade.Kind), string(trade.Side), trade.Size, trade.Price, trade.Leverage,
		trade.StopLoss, trade.TakeProfit, trade.RealizedPnL, trade.Reason, trade.CreatedAt)
	return err
}

// ListTrades returns the trades recorded for symbol since the given time, oldest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, symbol string, since time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT symbol, kind, side, size, price, leverage, stop_loss, take_profit, realized_pnl, reason, created_at
			  FROM trades WHERE symbol = ? AND created_at >= ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var kind, side string
		if err := rows.Scan(&t.Symbol, &kind, &side, &t.Size, &t.Price, &t.Leverage, &t.StopLoss, &t.TakeProfit, &t.RealizedPnL, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = domain.TradeKind(kind)
		t.Side = domain.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RealizedPnLSince sums realized PnL of close trades across all symbols since the given time.
// It lets the risk manager resume the daily loss counter after a restart.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(realized_pnl) FROM trades WHERE kind = ? AND created_at >= ?`,
		string(domain.TradeClose), since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// CountSignals returns how many signals were recorded for symbol.
func (s *SQLiteStore) CountSignals(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
