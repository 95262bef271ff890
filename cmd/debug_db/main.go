package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/infrastructure/storage"
)

// debug_db prints the trade journal and signal counts recorded by the bot.
func main() {
	dbPath := flag.String("db", "bot.db", "sqlite database written by the bot")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to report")
	since := flag.Duration("since", 24*time.Hour, "look-back window")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	from := time.Now().Add(-*since)

	trades, err := store.ListTrades(ctx, *symbol, from)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d trades since %s:\n", len(trades), from.Format(time.RFC3339))
	for _, t := range trades {
		fmt.Printf("- %s %s %-5s %s size=%f price=%f lev=%dx pnl=%f (%s)\n",
			t.CreatedAt.Format(time.RFC3339), t.Symbol, t.Kind, t.Side, t.Size, t.Price, t.Leverage, t.RealizedPnL, t.Reason)
	}

	pnl, err := store.RealizedPnLSince(ctx, from)
	if err != nil {
		fmt.Printf("  ❌ Failed to sum realized PnL: %v\n", err)
	} else {
		fmt.Printf("Realized PnL: %f\n", pnl)
	}

	n, err := store.CountSignals(ctx, *symbol)
	if err != nil {
		fmt.Printf("  ❌ Failed to count signals: %v\n", err)
	} else {
		fmt.Printf("Signals recorded: %d\n", n)
	}
}
