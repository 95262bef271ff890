package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/resilience"
	"github.com/vitos/crypto_trade_signal/internal/usecase"
	"go.uber.org/zap"
)

// debug_orderbook prints the book-derived support, resistance and hunter zones for a symbol.
func main() {
	symbol := flag.String("symbol", "BTCUSDT", "symbol to inspect")
	depth := flag.Int("depth", 50, "order book depth")
	flag.Parse()

	if os.Getenv("BYBIT_API_KEY") == "" {
		fmt.Println("No API keys provided, using public endpoints (might be rate limited or restricted)")
	}

	cfg := config.Default()
	gateway := exchange.NewBybitGateway(exchange.GatewayConfig{
		APIKey:    os.Getenv("BYBIT_API_KEY"),
		APISecret: os.Getenv("BYBIT_API_SECRET"),
		BaseURL:   exchange.BybitBaseURL,
	},
		resilience.NewRateLimiter(cfg.Resilience.RateLimit.Capacity, cfg.Resilience.RateLimit.Window),
		resilience.NewCircuitBreaker("bybit", cfg.Resilience.Breaker.FailureThreshold, cfg.Resilience.Breaker.ResetTimeout, zap.NewNop()),
		resilience.NewRetrier(cfg.Resilience.Retry.Attempts, cfg.Resilience.Retry.BaseDelay, cfg.Resilience.Retry.MaxDelay),
		zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	fmt.Printf("Fetching Order Book for %s (Linear)...\n", *symbol)
	ob, err := gateway.GetOrderBook(ctx, *symbol, *depth)
	if err != nil {
		log.Fatalf("Error fetching linear order book: %v", err)
	}

	fmt.Printf("Linear Order Book: %d Bids, %d Asks\n", len(ob.Bids), len(ob.Asks))
	if len(ob.Bids) > 0 {
		fmt.Printf("Best Bid: %.4f (Size: %.4f)\n", ob.Bids[0].Price, ob.Bids[0].Size)
	}
	if len(ob.Asks) > 0 {
		fmt.Printf("Best Ask: %.4f (Size: %.4f)\n", ob.Asks[0].Price, ob.Asks[0].Size)
	}

	mid := ob.Mid()
	vrvp := usecase.NewAdvancedAnalytics(cfg.Analytics).VRVP(ob, mid)
	fmt.Printf("\nMid: %.4f\n", mid)
	fmt.Printf("Supports:    %v\n", vrvp.SupportLevels)
	fmt.Printf("Resistances: %v\n", vrvp.ResistanceLevels)
	for _, z := range vrvp.LiquidityZones {
		marker := ""
		if z.IsHunterZone {
			marker = "  <- hunter zone"
		}
		fmt.Printf("  %-10s %.4f size %.4f (%.2f%% from mid)%s\n", z.Type, z.Price, z.Volume, (z.Price-mid)/mid*100, marker)
	}
}
