package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/resilience"
	"go.uber.org/zap"
)

// check_exchange verifies connectivity and credentials against the configured venue
// without placing orders.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to probe")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	gateway := exchange.NewBybitGateway(exchange.GatewayConfig{
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
		BaseURL:     cfg.Exchange.RESTEndpoint,
		RecvWindow:  cfg.Exchange.RecvWindow,
		HTTPTimeout: cfg.Exchange.HTTPTimeout,
		SettleCoin:  cfg.Exchange.SettleCoin,
		AccountType: cfg.Exchange.AccountType,
	},
		resilience.NewRateLimiter(cfg.Resilience.RateLimit.Capacity, cfg.Resilience.RateLimit.Window),
		resilience.NewCircuitBreaker("bybit", cfg.Resilience.Breaker.FailureThreshold, cfg.Resilience.Breaker.ResetTimeout, zap.NewNop()),
		resilience.NewRetrier(1, time.Second, time.Second),
		zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	if st, err := gateway.ServerTime(ctx); err != nil {
		fmt.Printf("❌ Failed to get server time: %v\n", err)
	} else {
		fmt.Printf("✅ Server time: %s (local skew %s)\n", st.Format(time.RFC3339), time.Since(st).Round(time.Millisecond))
	}

	ticker, err := gateway.GetTicker(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get ticker: %v\n", err)
	} else {
		fmt.Printf("✅ Last price (%s): %f, mark %f\n", *symbol, ticker.LastPrice, ticker.MarkPrice)
	}

	if cfg.Exchange.APIKey == "" {
		fmt.Println("No API key configured, skipping private endpoints")
		return
	}
	if len(cfg.Exchange.APIKey) > 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	balances, err := gateway.GetBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		for asset, b := range balances {
			fmt.Printf("✅ Balance %s: available=%f locked=%f\n", asset, b.Available, b.Locked)
		}
	}

	positions, err := gateway.GetOpenPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
	} else {
		fmt.Printf("✅ Open positions: %d\n", len(positions))
		for _, p := range positions {
			fmt.Printf("   %s %s size=%f entry=%f pnl=%f\n", p.Symbol, p.Side, p.Size, p.EntryPrice, p.UnrealizedPnL)
		}
	}
}
