package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/autotrader/internal/analyzer"
	"github.com/nexus-trading/autotrader/internal/config"
	"github.com/nexus-trading/autotrader/internal/decision"
	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/engine"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/jupiter"
	"github.com/nexus-trading/autotrader/internal/monitor"
	"github.com/nexus-trading/autotrader/internal/notify"
	"github.com/nexus-trading/autotrader/internal/observability"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/rugcheck"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/nexus-trading/autotrader/internal/store/clickhouse"
	"github.com/nexus-trading/autotrader/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional .env file loaded before the config")
	flag.Parse()

	// 2. Load configuration.
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	dryRun := cfg.DryRun()
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", dryRun).
		Int("rpc_endpoints", len(cfg.RPC.Endpoints)).
		Float64("max_trade_sol", cfg.Execution.MaxTradeSOL).
		Float64("stop_loss_pct", cfg.Decision.StopLossPct).
		Float64("take_profit_pct", cfg.Decision.TakeProfitPct).
		Float64("safety_threshold", cfg.Analyzer.SafetyThreshold).
		Int("max_open_positions", cfg.Engine.MaxOpenPositions).
		Msg("Configuration loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Solana RPC pool and wallet.
	rpc, err := solana.NewLiveFailover(cfg.RPC)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RPC pool")
	}
	defer rpc.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rpc.Health(healthCtx); err != nil {
		log.Warn().Err(err).Msg("Solana RPC health check failed (continuing, failover will retry)")
	}
	healthCancel()

	signer, err := newSigner(cfg.Wallet, dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load wallet key")
	}
	log.Info().Str("wallet", string(signer.PublicKey())).Msg("Wallet ready")

	// 5. Market data adapters.
	jup := jupiter.New(cfg.Jupiter)
	var fees *solana.FeeEstimator
	if cfg.Fees.Enabled && cfg.Jupiter.PriorityFee == 0 {
		fees = solana.NewFeeEstimator(cfg.Fees, rpc)
		jup.SetFeeOracle(fees)
		go fees.Run(ctx)
		log.Info().Int("percentile", cfg.Fees.Percentile).Msg("Dynamic priority fees enabled")
	}
	dexScreener := discovery.NewDexScreener(cfg.Discovery.DexScreener)
	sources := []discovery.Source{dexScreener}
	var birdeye *discovery.Birdeye
	if cfg.Discovery.Birdeye.APIKey != "" {
		birdeye = discovery.NewBirdeye(cfg.Discovery.Birdeye)
		sources = append(sources, birdeye)
	}

	processed := discovery.NewProcessedSet()
	feed := discovery.NewFeed(cfg.Discovery.Feed, processed, sources...)
	feed.SetEnricher(dexScreener)

	// 6. Safety analysis and decisions.
	var locks analyzer.LiquidityLockSource
	var rugChecker *rugcheck.Client
	if cfg.RugCheck.Enabled {
		rugChecker = rugcheck.New(cfg.RugCheck.Config)
		locks = rugChecker
	}
	safety := analyzer.New(cfg.Analyzer, rpc, jup, locks)
	decisions := decision.New(cfg.Decision, processed)

	health := observability.NewHealth(5 * time.Second)
	health.Register("rpc", observability.Critical(rpc.Health))

	// 7. Storage.
	var backend store.TradeStore
	if cfg.Storage.PostgresDSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Error().Err(err).Msg("PostgreSQL unavailable, trades kept in memory")
		} else {
			defer pool.Close()
			if err := pool.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("PostgreSQL migration failed")
			}
			backend = postgres.NewTradeStore(pool)
			health.Register("postgres", observability.Optional(pool.Ping))
		}
	}
	trades := store.NewResilient(backend)
	health.Register("trade_store", func(context.Context) observability.ComponentHealth {
		st := trades.Stats()
		if st.Degraded {
			return observability.ComponentHealth{
				Status:  observability.StatusDegraded,
				Message: "backend failing, serving from memory",
				Details: map[string]any{"backend_errors": st.BackendErrors},
			}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})

	var history store.History
	var historyWriter *clickhouse.HistoryWriter
	if cfg.Storage.ClickHouseDSN != "" {
		chClient, err := clickhouse.NewClient(cfg.Storage.ClickHouseDSN)
		if err != nil {
			log.Error().Err(err).Msg("ClickHouse unavailable, trade history disabled")
		} else {
			defer chClient.Close()
			historyWriter = clickhouse.NewHistoryWriter(chClient, cfg.Storage.ClickHouseDatabase,
				cfg.Storage.HistoryBatchSize, cfg.Storage.HistoryFlushInterval)
			if err := historyWriter.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("ClickHouse migration failed")
			}
			historyWriter.Start(ctx)
			history = historyWriter
			health.Register("clickhouse", observability.Optional(chClient.Ping))
		}
	}

	// 8. Notifications.
	events := notify.NewMulti(cfg.Notify.Timeout, notify.Log{})
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.TelegramConfig)
		if err != nil {
			log.Error().Err(err).Msg("Telegram notifier disabled")
		} else {
			events.Add(tg)
		}
	}
	var kafkaPub *notify.KafkaPublisher
	if cfg.Notify.Kafka.Enabled {
		kafkaPub, err = notify.NewKafkaPublisher(cfg.Notify.Kafka.KafkaConfig)
		if err != nil {
			log.Error().Err(err).Msg("Kafka notifier disabled")
		} else {
			events.Add(notify.NewKafka(kafkaPub, cfg.Notify.Kafka.Topic))
		}
	}
	var hub *notify.Hub
	if cfg.Notify.WebSocket {
		hub = notify.NewHub()
		events.Add(hub)
	}

	// 9. Execution, monitoring and the engine.
	book := position.NewBook()
	gateway := execution.NewGateway(cfg.Execution, jup, rpc, signer, book, trades, history, events)
	mon := monitor.New(cfg.Monitor, book, jup, dexScreener, gateway, nil)

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Feed:      feed,
		Analyzer:  safety,
		Decision:  decisions,
		Gateway:   gateway,
		Monitor:   mon,
		Book:      book,
		Processed: processed,
		Trades:    trades,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// 10. HTTP status and control.
	var wg sync.WaitGroup
	if cfg.General.HTTPAddr != "" {
		stats := map[string]statsSource{
			"rpc":       func() any { return rpc.Stats() },
			"feed":      func() any { return feed.Stats() },
			"analyzer":  func() any { return safety.Stats() },
			"decision":  func() any { return decisions.Stats() },
			"jupiter":   func() any { return jup.Stats() },
			"execution": func() any { return gateway.Stats() },
			"monitor":   func() any { return mon.Stats() },
			"store":     func() any { return trades.Stats() },
			"notify":    func() any { return events.Stats() },
		}
		if fees != nil {
			stats["priority_fees"] = func() any { return fees.Stats() }
		}
		if birdeye != nil {
			stats["birdeye"] = func() any { return birdeye.Stats() }
		}
		if rugChecker != nil {
			stats["rugcheck"] = func() any { return rugChecker.Stats() }
		}
		if historyWriter != nil {
			stats["history"] = func() any { return historyWriter.Stats() }
		}
		var ws http.Handler
		if hub != nil {
			ws = hub
			stats["websocket"] = func() any { return hub.Stats() }
		}

		server := &http.Server{
			Addr:              cfg.General.HTTPAddr,
			Handler:           newMux(eng, health, stats, ws, cfg.General.InstanceID),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", server.Addr).Msg("HTTP server started (health + stats + control)")

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// Background health checks log component transitions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Run(ctx, 30*time.Second)
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := eng.Status()
				log.Info().
					Int64("scan_ticks", st.Metrics.ScanTicks).
					Int64("tokens_scanned", st.Metrics.TokensScanned).
					Int64("signals", st.Metrics.Signals).
					Int64("buys", st.Metrics.Buys).
					Int("open_positions", len(st.OpenPositions)).
					Int("total_trades", st.Performance.TotalTrades).
					Float64("win_rate_pct", st.Performance.WinRatePct).
					Str("profit_sol", st.Performance.TotalProfitSOL.String()).
					Msg("Periodic stats")
			}
		}
	}()

	<-ctx.Done()

	// 11. Graceful shutdown. Open positions stay open and are restored on
	// the next start.
	log.Info().Msg("Shutting down...")
	if err := eng.Stop(); err != nil {
		log.Warn().Err(err).Msg("Engine stop")
	}
	wg.Wait()
	events.Wait()

	if historyWriter != nil {
		if err := historyWriter.Close(); err != nil {
			log.Error().Err(err).Msg("Trade history flush on shutdown failed")
		}
	}
	if kafkaPub != nil {
		kafkaPub.Close()
	}
	if hub != nil {
		hub.Close()
	}

	st := eng.Status()
	log.Info().
		Int64("scan_ticks", st.Metrics.ScanTicks).
		Int64("buys", st.Metrics.Buys).
		Int64("buy_failures", st.Metrics.BuyFailures).
		Int("open_positions", len(st.OpenPositions)).
		Int("total_trades", st.Performance.TotalTrades).
		Str("profit_sol", st.Performance.TotalProfitSOL.String()).
		Msg("Autotrader - Final Statistics")

	log.Info().Msg("Autotrader - Shutdown complete")
}

// newSigner loads the wallet key. Without a key, dry-run uses a stub signer
// bound to the configured public key.
func newSigner(w config.WalletConfig, dryRun bool) (solana.Signer, error) {
	if w.PrivateKey != "" {
		return solana.NewKeySigner(w.PrivateKey)
	}
	if !dryRun {
		return nil, fmt.Errorf("wallet: private key required for live trading")
	}
	pub := w.PublicKey
	if pub == "" {
		pub = "DRY-RUN-WALLET"
	}
	return &solana.StubSigner{Pub: solana.Pubkey(pub)}, nil
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "autotrader").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "autotrader").
			Str("instance", general.InstanceID).Logger()
	}
}
