package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/config"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/advisor"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/broker"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/resilience"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/snapshot"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_signal/internal/usecase"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	recorder, closeRecorder, err := newRecorder(cfg, log)
	if err != nil {
		log.Fatal("Failed to init storage", zap.Error(err))
	}
	defer closeRecorder()

	// 4. Init Exchange (Bybit) behind the shared resilience layer
	limiter := resilience.NewRateLimiter(cfg.Resilience.RateLimit.Capacity, cfg.Resilience.RateLimit.Window)
	breaker := resilience.NewCircuitBreaker("bybit", cfg.Resilience.Breaker.FailureThreshold, cfg.Resilience.Breaker.ResetTimeout, log)
	retrier := resilience.NewRetrier(cfg.Resilience.Retry.Attempts, cfg.Resilience.Retry.BaseDelay, cfg.Resilience.Retry.MaxDelay)
	gateway := exchange.NewBybitGateway(exchange.GatewayConfig{
		APIKey:         cfg.Exchange.APIKey,
		APISecret:      cfg.Exchange.APISecret,
		BaseURL:        cfg.Exchange.RESTEndpoint,
		RecvWindow:     cfg.Exchange.RecvWindow,
		HTTPTimeout:    cfg.Exchange.HTTPTimeout,
		QtyPrecision:   cfg.Exchange.QtyPrecision,
		PricePrecision: cfg.Exchange.PricePrecision,
		SettleCoin:     cfg.Exchange.SettleCoin,
		AccountType:    cfg.Exchange.AccountType,
		BookDepth:      cfg.Trading.BookDepth,
	}, limiter, breaker, retrier, log)

	var source domain.MarketDataSource = gateway
	var venue domain.Exchange = gateway
	if cfg.Trading.DataSource == "synthetic" {
		log.Info("Using synthetic market data, execution disabled", zap.Int64("seed", cfg.Trading.SyntheticSeed))
		source = exchange.NewSyntheticSource(cfg.Trading.SyntheticSeed, 0)
		venue = nil
	}

	// 5. Init Services
	ingestor := usecase.NewMarketDataIngestor(source, usecase.IngestorConfig{
		Interval:       cfg.Trading.Interval,
		UpdateInterval: cfg.Trading.UpdateInterval,
		MaxHistory:     cfg.Trading.MaxHistory,
		MaxClockSkew:   cfg.Trading.MaxClockSkew,
		BookDepth:      cfg.Trading.BookDepth,
	}, log.Named("ingestor"))
	risk := usecase.NewRiskManager(cfg.Risk, cfg.Sizing, log.Named("risk"))
	if store, ok := recorder.(*storage.SQLiteStore); ok {
		// Resume today's realized result so a restart does not reset the daily loss limit.
		dayStart := time.Now().UTC().Truncate(24 * time.Hour)
		if pnl, err := store.RealizedPnLSince(context.Background(), dayStart); err != nil {
			log.Warn("Failed to restore daily PnL", zap.Error(err))
		} else if pnl != 0 {
			risk.RecordRealizedPnL(pnl)
			log.Info("Restored daily realized PnL", zap.Float64("pnl", pnl))
		}
	}
	bus := usecase.NewEventBus(0, log)

	var coordinator *usecase.ExecutionCoordinator
	if venue != nil {
		coordinator = usecase.NewExecutionCoordinator(venue, risk, log.Named("execution"))
	}

	var ai domain.Advisor
	if cfg.Advisor.Enabled {
		ai = advisor.NewHTTPAdvisor(advisor.Config{
			URL:     cfg.Advisor.URL,
			Token:   cfg.Advisor.Token,
			Timeout: cfg.Advisor.Timeout,
			Retries: cfg.Advisor.Retries,
		}, log.Named("advisor"))
	}

	indicators := usecase.NewIndicatorEngine()
	analytics := usecase.NewAdvancedAnalytics(cfg.Analytics)
	signals := usecase.NewSignalGenerator(cfg.Signal, cfg.Risk.StopLossPct)

	loops := make([]*usecase.TradingLoop, 0, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		loops = append(loops, usecase.NewTradingLoop(usecase.LoopDeps{
			Ingestor:    ingestor,
			Indicators:  indicators,
			Analytics:   analytics,
			Signals:     signals,
			Risk:        risk,
			Coordinator: coordinator,
			Exchange:    venue,
			Advisor:     ai,
			Bus:         bus,
			Logger:      log.Named("loop"),
		}, usecase.LoopConfig{
			Symbol:         sym,
			Interval:       cfg.Trading.LoopInterval,
			AutoExecute:    cfg.Trading.AutoExecute,
			AdvisorTimeout: cfg.Advisor.Timeout,
			QuoteAsset:     cfg.Trading.QuoteAsset,
		}))
	}

	// 6. Event fan-out: broker and dashboard snapshot are optional
	var publisher domain.EventPublisher
	if cfg.Broker.Enabled {
		pub, err := broker.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange, cfg.Broker.Prefix, log.Named("broker"))
		if err != nil {
			log.Fatal("Failed to connect to broker", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	}

	var snapshots domain.SnapshotPublisher
	if cfg.Snapshot.Enabled {
		rp := snapshot.NewRedisPublisher(snapshot.Options{
			Addr:     cfg.Snapshot.Addr,
			Password: cfg.Snapshot.Password,
			DB:       cfg.Snapshot.DB,
			Prefix:   cfg.Snapshot.Prefix,
			TTL:      cfg.Snapshot.TTL,
		})
		defer rp.Close()
		snapshots = rp
	}

	var stream usecase.Runner
	if cfg.Stream.Enabled && cfg.Trading.DataSource == "live" {
		stream = exchange.NewKlineStream(cfg.Exchange.WSEndpoint, cfg.Trading.Interval, cfg.Trading.Symbols, func(t domain.Tick) {
			if err := ingestor.ProcessTick(t); err != nil {
				log.Debug("Stream tick rejected", zap.String("symbol", t.Symbol), zap.Error(err))
			}
		}, log.Named("stream"))
	}

	engine := usecase.NewEngine(usecase.EngineDeps{
		Ingestor:      ingestor,
		Coordinator:   coordinator,
		Risk:          risk,
		Bus:           bus,
		Dispatcher:    usecase.NewDispatcher(bus, recorder, publisher, log.Named("dispatcher")),
		Loops:         loops,
		Stream:        stream,
		Snapshots:     snapshots,
		BreakerStatus: func() any { return gateway.BreakerStatus() },
		Logger:        log,
	}, usecase.EngineConfig{
		Symbols:          cfg.Trading.Symbols,
		AutoExecute:      cfg.Trading.AutoExecute,
		SnapshotInterval: cfg.Snapshot.Interval,
	})

	// 7. Start Engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	// 8. Wait for Shutdown. SIGUSR1 toggles the emergency stop.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	for s := range sigs {
		if s != syscall.SIGUSR1 {
			break
		}
		if risk.IsHalted() {
			engine.ClearEmergencyStop()
		} else {
			engine.EmergencyStop("operator signal")
		}
	}

	log.Info("Shutting down...")
	engine.Stop()
}

func newRecorder(cfg *config.Config, log *zap.Logger) (domain.Recorder, func(), error) {
	switch cfg.Storage.Type {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn("Failed to close sqlite", zap.Error(err))
			}
		}, nil
	case "influx":
		rec := storage.NewInfluxRecorder(cfg.Storage.Influx.URL, cfg.Storage.Influx.Token, cfg.Storage.Influx.Org, cfg.Storage.Influx.Bucket)
		if err := rec.Ping(context.Background()); err != nil {
			log.Warn("InfluxDB not reachable yet, writes will be retried by the client", zap.Error(err))
		}
		return rec, rec.Close, nil
	default:
		return storage.NopRecorder{}, func() {}, nil
	}
}
