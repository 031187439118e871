package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bithumb-trading-bot/config"
	"bithumb-trading-bot/internal/api"
	"bithumb-trading-bot/internal/circuit"
	"bithumb-trading-bot/internal/confluence"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/engine"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/executor"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/position"
	"bithumb-trading-bot/internal/regime"
	"bithumb-trading-bot/internal/risk"
	"bithumb-trading-bot/internal/telemetry"
	"bithumb-trading-bot/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		log.Println("Wrote config.json")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "main",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accessKey, secretKey, err := resolveCredentials(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve exchange credentials")
	}

	db, err := database.NewDB(cfg.DatabaseConfig.DSN, cfg.DatabaseConfig.MaxConnections)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if cfg.DatabaseConfig.MigrateOnStart {
		if err := db.RunMigrations(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to run migrations")
		}
	}
	repo := database.NewRepository(db)

	var rdb *redis.Client
	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, throttle cache disabled")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var gateway exchange.Gateway
	var feed *exchange.WSFeed
	if cfg.GatewayConfig.MockMode {
		gateway = exchange.NewMockClient()
		logger.Warn("Running against the in-memory mock exchange")
	} else {
		gateway = exchange.NewClient(cfg.GatewayConfig.BaseURL, accessKey, secretKey)
		if cfg.GatewayConfig.FeedEnabled {
			feed = exchange.NewWSFeed(cfg.GatewayConfig.WSURL)
			feed.Subscribe(configuredMarkets(cfg))
			feed.Start(ctx)
			gateway = exchange.NewFeedGateway(gateway, feed)
		}
	}

	marketCache := exchange.NewMarketCache(gateway)

	bus := events.NewBus()

	zl := zerolog.New(os.Stdout).With().Timestamp().Str("component", "telemetry").Logger()
	recorder := telemetry.NewRecorder(repo, zl)

	exec := executor.New(gateway, repo, recorder, executorConfig(cfg))

	breakers := circuit.NewSet(breakerConfigs(cfg))
	throttle := risk.NewThrottle(repo, rdb)
	sizer := risk.NewSizer(nil)

	detector := regime.NewDetector()
	analyzer := confluence.NewAnalyzer()
	scalpAnalyzer := confluence.NewAnalyzerWithConfig(confluence.ScalpConfig())

	manager := position.NewManager(repo, gateway, exec, detector, analyzer, position.DefaultProfiles())
	reconciler := position.NewReconciler(repo, gateway, &position.SyncConfig{
		MinNotionalKRW: cfg.ExecutorConfig.MinNotionalKRW,
		StaleOrderAge:  2 * time.Minute,
		AdoptUntracked: cfg.TradingConfig.SyncAdopt,
	})

	var coordinator *engine.Coordinator
	rt := &engine.Runtime{
		Gateway:         gateway,
		Markets:         marketCache,
		Store:           repo,
		Buyer:           exec,
		Monitor:         manager,
		Throttle:        throttle,
		Sizer:           sizer,
		Breakers:        breakers,
		Detector:        detector,
		Scorer:          analyzer,
		Bus:             bus,
		Profiles:        position.DefaultProfiles(),
		Enabled:         func() bool { return coordinator.Enabled() },
		GlobalExclusion: cfg.TradingConfig.GlobalExclusion,
		MinNotionalKRW:  cfg.ExecutorConfig.MinNotionalKRW,
		CandleInterval:  cfg.TradingConfig.CandleInterval,
		CandleCount:     cfg.TradingConfig.CandleCount,
	}

	guided := engine.NewGuidedEngine(strategyConfig(cfg, database.StrategyGuided, engine.DefaultGuidedConfig()), rt)
	engines := []engine.Engine{
		engine.NewDCAEngine(strategyConfig(cfg, database.StrategyDCA, engine.DefaultDCAConfig()), rt),
		engine.NewMeanReversionEngine(strategyConfig(cfg, database.StrategyMeanReversion, engine.DefaultMeanReversionConfig()), rt),
		engine.NewBreakoutEngine(strategyConfig(cfg, database.StrategyBreakout, engine.DefaultBreakoutConfig()), rt),
		engine.NewVolumeSurgeEngine(strategyConfig(cfg, database.StrategyVolumeSurge, engine.DefaultVolumeSurgeConfig()), rt),
		engine.NewMemeScalperEngine(strategyConfig(cfg, database.StrategyMemeScalper, engine.DefaultMemeScalperConfig()), rt, scalpAnalyzer),
		engine.NewVolatilitySurvivalEngine(strategyConfig(cfg, database.StrategyVolatilitySurvival, engine.DefaultVolatilitySurvivalConfig()), rt),
		guided,
	}

	// Closed trades feed the circuit breakers; a trip closes the
	// strategy's remaining positions.
	for _, e := range engines {
		breakers.For(e.Code()).OnTrip(func(strategyCode, reason string) {
			bus.PublishBreakerTripped(strategyCode, reason)
			go flattenStrategy(context.Background(), repo, manager, strategyCode)
		})
	}
	manager.OnClose(func(trade *database.ClosedTrade) {
		breakers.For(trade.StrategyCode).RecordTrade(trade.RealizedPnl, trade.ClosedAt)
		bus.PublishTradeClosed(trade.Market, trade.StrategyCode, trade.ExitReason, trade.RealizedPnl, trade.RealizedPnlPercent)
	})

	coordinator = engine.NewCoordinator(engines, reconciler, repo, gateway, bus)

	server := api.NewServer(
		api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			DesktopToken:   cfg.ServerConfig.DesktopToken,
			AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
			ProductionMode: !cfg.GatewayConfig.MockMode,
		},
		coordinator, manager, reconciler, repo,
		breakers, throttle, recorder, guided, bus,
	)

	if err := coordinator.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start trading core")
	}
	if !cfg.TradingConfig.StartEnabled {
		coordinator.Disable()
		logger.Info("Trading paused on boot, enable via the admin API")
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("Admin server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownSec)*time.Second)
	defer cancel()

	coordinator.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Admin server shutdown error")
	}
	if feed != nil {
		feed.Stop()
	}
	logger.Info("Shutdown complete")
}

// flattenStrategy closes every open position of a tripped strategy
func flattenStrategy(ctx context.Context, repo *database.Repository, manager *position.Manager, strategyCode string) {
	positions, err := repo.GetOpenPositionsByStrategy(ctx, strategyCode)
	if err != nil {
		logging.WithComponent("main").WithError(err).Error("Failed to load positions after breaker trip", "strategy", strategyCode)
		return
	}
	for _, pos := range positions {
		if err := manager.CloseForCircuitBreaker(ctx, pos); err != nil {
			logging.WithComponent("main").WithError(err).Error("Failed to flatten position after breaker trip",
				"market", pos.Market, "strategy", strategyCode)
		}
	}
}

// resolveCredentials picks the exchange keys: Vault when enabled,
// otherwise the environment or config file
func resolveCredentials(ctx context.Context, cfg *config.Config) (string, string, error) {
	if !cfg.VaultConfig.Enabled {
		return cfg.GatewayConfig.AccessKey, cfg.GatewayConfig.SecretKey, nil
	}

	vc, err := vault.NewClient(&vault.Config{
		Enabled:    true,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		return "", "", err
	}
	creds, err := vc.Load(ctx)
	if err != nil {
		return "", "", err
	}
	return creds.AccessKey, creds.SecretKey, nil
}

// strategyConfig overlays the config file's per-strategy settings onto
// an engine's defaults
func strategyConfig(cfg *config.Config, code string, base *engine.Config) *engine.Config {
	sc, ok := cfg.StrategyConfigs[code]
	if !ok {
		return base
	}

	if sc.Enabled != nil {
		base.Enabled = *sc.Enabled
	}
	if sc.ScanIntervalSec > 0 {
		base.ScanInterval = sc.ScanInterval()
	}
	if sc.MonitorIntervalSec > 0 {
		base.MonitorInterval = sc.MonitorInterval()
	}
	if len(sc.Markets) > 0 {
		base.Markets = sc.Markets
	}
	if len(sc.ExcludeMarkets) > 0 {
		base.ExcludeMarkets = sc.ExcludeMarkets
	}
	if sc.PositionSizeKRW > 0 {
		base.PositionSizeKRW = sc.PositionSizeKRW
	}
	if sc.MaxPositions > 0 {
		base.MaxPositions = sc.MaxPositions
	}
	if sc.StopLossPercent > 0 {
		base.StopLossPercent = sc.StopLossPercent
	}
	if sc.TakeProfitPercent > 0 {
		base.TakeProfitPercent = sc.TakeProfitPercent
	}
	if sc.MinConfluence > 0 {
		base.MinConfluence = sc.MinConfluence
	}
	if sc.MaxRSI > 0 {
		base.MaxRSI = sc.MaxRSI
	}
	if sc.MinVolumeRatio > 0 {
		base.MinVolumeRatio = sc.MinVolumeRatio
	}
	if sc.CooldownSec > 0 {
		base.Cooldown = sc.CooldownDuration()
	}
	if sc.MinTradingValueKRW > 0 {
		base.MinTradingValueKRW = sc.MinTradingValueKRW
	}
	if sc.MaxTradingValueKRW > 0 {
		base.MaxTradingValueKRW = sc.MaxTradingValueKRW
	}
	return base
}

func executorConfig(cfg *config.Config) *executor.Config {
	ec := executor.DefaultConfig()
	if cfg.ExecutorConfig.MinNotionalKRW > 0 {
		ec.MinNotionalKRW = cfg.ExecutorConfig.MinNotionalKRW
	}
	if cfg.ExecutorConfig.LimitTimeoutSec > 0 {
		ec.LimitTimeout = time.Duration(cfg.ExecutorConfig.LimitTimeoutSec) * time.Second
	}
	if cfg.ExecutorConfig.PartialFillRatio > 0 {
		ec.PartialFillRatio = cfg.ExecutorConfig.PartialFillRatio
	}
	if cfg.ExecutorConfig.SlippageWarnPercent > 0 {
		ec.SlippageWarnPercent = cfg.ExecutorConfig.SlippageWarnPercent
	}
	if cfg.ExecutorConfig.SlippageBlockPercent > 0 {
		ec.SlippageBlockPercent = cfg.ExecutorConfig.SlippageBlockPercent
	}
	if cfg.ExecutorConfig.MarketOrderConfidence > 0 {
		ec.MarketConfidenceAbove = cfg.ExecutorConfig.MarketOrderConfidence
	}
	if cfg.ExecutorConfig.ThinBookBidDepthKRW > 0 {
		ec.ThinBookDepthKRW = cfg.ExecutorConfig.ThinBookBidDepthKRW
	}
	if cfg.ExecutorConfig.MinHoldingSec > 0 {
		ec.MinHolding = time.Duration(cfg.ExecutorConfig.MinHoldingSec) * time.Second
	}
	if cfg.ExecutorConfig.FeeRate > 0 {
		ec.FeeRate = cfg.ExecutorConfig.FeeRate
	}
	return ec
}

func breakerConfigs(cfg *config.Config) map[string]*circuit.Config {
	if len(cfg.BreakerConfigs) == 0 {
		return nil
	}
	out := make(map[string]*circuit.Config, len(cfg.BreakerConfigs))
	for code, bc := range cfg.BreakerConfigs {
		out[strings.ToUpper(code)] = &circuit.Config{
			Enabled:              bc.Enabled,
			MaxConsecutiveLosses: bc.MaxConsecutiveLosses,
			DailyMaxLossKRW:      bc.DailyMaxLossKRW,
		}
	}
	return out
}

// configuredMarkets collects the fixed market whitelists for the feed
// subscription. Engines scanning the whole exchange fall back to REST.
func configuredMarkets(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range cfg.StrategyConfigs {
		for _, m := range sc.Markets {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func splitOrigins(origins string) []string {
	if origins == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
