package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"position-risk-engine/config"
	"position-risk-engine/internal/api"
	"position-risk-engine/internal/circuit"
	"position-risk-engine/internal/database"
	"position-risk-engine/internal/engine"
	"position-risk-engine/internal/events"
	"position-risk-engine/internal/exchange"
	"position-risk-engine/internal/logging"
	"position-risk-engine/internal/metrics"
	"position-risk-engine/internal/position"
	"position-risk-engine/internal/reconcile"
	"position-risk-engine/internal/risk"
	"position-risk-engine/internal/scheduler"
	"position-risk-engine/internal/sizing"
	"position-risk-engine/internal/vault"
)

func main() {
	sampleConfig := flag.String("sample-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample config written to %s\n", *sampleConfig)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
		Output: cfg.LoggingConfig.Output,
	})
	logger.Info().
		Bool("mock_mode", cfg.ExchangeConfig.MockMode).
		Bool("testnet", cfg.ExchangeConfig.TestNet).
		Msg("Position and risk control engine starting")

	bus := events.NewBus()
	m := metrics.New()

	// Exchange client: real REST client, or the in-process simulator in
	// mock mode.
	var client exchange.Client
	if cfg.ExchangeConfig.MockMode {
		client = exchange.NewMockClient(10000, nil)
		logger.Warn().Msg("Mock mode: no real orders will be placed")
	} else {
		vaultClient, err := vault.NewClient(vault.Config{
			Enabled:    cfg.VaultConfig.Enabled,
			Address:    cfg.VaultConfig.Address,
			Token:      cfg.VaultConfig.Token,
			MountPath:  cfg.VaultConfig.MountPath,
			SecretPath: cfg.VaultConfig.SecretPath,
			CACert:     cfg.VaultConfig.CACert,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize vault client")
		}
		credCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := vaultClient.LoadCredentials(credCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load exchange credentials")
		}
		client = exchange.NewFuturesClient(
			creds.APIKey, creds.SecretKey,
			cfg.ExchangeConfig.BaseURL,
			cfg.ExchangeConfig.TestNet || creds.Testnet,
			logger,
		)
	}

	// Position store with atomic snapshot persistence.
	snapshot, err := position.NewSnapshotFile(cfg.StoreConfig.SnapshotPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize position snapshot")
	}
	store := position.NewStore(snapshot, logger)
	if err := store.Load(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load position snapshot")
	}

	// Adaptive sizing with persisted symbol memory.
	memoryFile, err := sizing.NewMemoryFile(cfg.StoreConfig.MemoryPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize symbol memory file")
	}
	sizer, err := sizing.NewEngine(sizing.Config{
		Blocks:           cfg.SizingConfig.Blocks,
		FirstCycleFactor: cfg.SizingConfig.FirstCycleFactor,
		KellyMinTrades:   cfg.SizingConfig.KellyMinTrades,
		KellyMultiplier:  cfg.SizingConfig.KellyMultiplier,
		KellyMinPct:      cfg.SizingConfig.KellyMinPct,
		KellyMaxPct:      cfg.SizingConfig.KellyMaxPct,
		ExpectedWinROE:   cfg.SizingConfig.ExpectedWinROE,
		ExpectedLossROE:  cfg.SizingConfig.ExpectedLossROE,
		RoundTripCostPct: cfg.SizingConfig.RoundTripCostPct,
		BlockCycles:      cfg.SizingConfig.BlockCycles,
		CapMultiplier:    cfg.SizingConfig.CapMultiplier,
		RiskMaxPct:       cfg.SizingConfig.RiskMaxPct,
		LossMultiplier:   cfg.SizingConfig.LossMultiplier,
		FreshStart:       cfg.SizingConfig.FreshStart,
	}, memoryFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load symbol memory")
	}

	breaker := circuit.New(circuit.Config{
		Enabled:              cfg.BreakerConfig.Enabled,
		MaxLossPerHour:       cfg.BreakerConfig.MaxLossPerHour,
		MaxConsecutiveLosses: cfg.BreakerConfig.MaxConsecutiveLosses,
		CooldownMinutes:      cfg.BreakerConfig.CooldownMinutes,
		MaxTradesPerMinute:   cfg.BreakerConfig.MaxTradesPerMinute,
		MaxDailyLoss:         cfg.BreakerConfig.MaxDailyLoss,
		MaxDailyTrades:       cfg.BreakerConfig.MaxDailyTrades,
	}, bus, logger)
	breaker.OnTrip(func(string) { m.BreakerTrips.Inc() })

	// Optional closed-trade archive.
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.New(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.RunMigrations(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Database migrations failed")
		}
		repo = database.NewRepository(db)

		// Every bus event lands in the engine_events archive alongside
		// the closed-trade history.
		bus.SubscribeAll(func(evt events.Event) {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.ArchiveEvent(archiveCtx, evt); err != nil {
				logger.Error().Err(err).Str("event", string(evt.Type)).Msg("Failed to archive event")
			}
		})
	}

	// Optional Redis mirror for external dashboards.
	var mirror *database.RedisMirror
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		mirror = database.NewRedisMirror(redisClient, logger)
	}

	reconciler := reconcile.New(store, client, bus, m, reconcile.Config{
		DefaultLeverage: cfg.ExchangeConfig.DefaultLeverage,
	}, logger)

	ladder := make([]risk.ExitRung, 0, len(cfg.RiskConfig.Ladder))
	for _, rung := range cfg.RiskConfig.Ladder {
		ladder = append(ladder, risk.ExitRung{
			Name:   rung.Name,
			MaxAge: time.Duration(rung.MaxAgeMins) * time.Minute,
			MaxROE: rung.MaxROE,
		})
	}
	enforcer := risk.NewEnforcer(store, client, bus, m, risk.EnforcerConfig{
		StopLossPct:            cfg.RiskConfig.StopLossPct,
		MaxFixAttempts:         cfg.RiskConfig.MaxFixAttempts,
		Ladder:                 ladder,
		MaxAge:                 time.Duration(cfg.RiskConfig.MaxAgeHours) * time.Hour,
		SpareProfitableRunners: cfg.RiskConfig.SpareProfitableRunners,
	}, logger)

	trailing := risk.NewTrailingController(store, client, bus, m, risk.TrailingConfig{
		ActivationROE: cfg.TrailingConfig.ActivationROE,
		ProtectMargin: cfg.TrailingConfig.ProtectMargin,
	}, logger)

	levels := make([]risk.ExitLevel, 0, len(cfg.PartialConfig.Levels))
	for _, l := range cfg.PartialConfig.Levels {
		levels = append(levels, risk.ExitLevel{ID: l.ID, ROE: l.ROE, Fraction: l.Fraction})
	}
	partial := risk.NewPartialExitController(store, client, bus, m, risk.PartialConfig{
		Levels:      levels,
		MinNotional: cfg.PartialConfig.MinNotional,
	}, logger)

	signals := engine.NewQueueSource(256)
	eng := engine.New(engine.Config{
		DefaultLeverage:   cfg.ExchangeConfig.DefaultLeverage,
		MaxOpenPositions:  cfg.EngineConfig.MaxOpenPositions,
		MinTradeMargin:    cfg.EngineConfig.MinTradeMargin,
		InitialStopPct:    cfg.EngineConfig.InitialStopPct,
		CycleInterval:     config.Seconds(cfg.EngineConfig.CycleInterval),
		ReconcileInterval: config.Seconds(cfg.EngineConfig.ReconcileInterval),
		RiskInterval:      config.Seconds(cfg.EngineConfig.RiskInterval),
		TrailingInterval:  config.Seconds(cfg.EngineConfig.TrailingInterval),
		PartialInterval:   config.Seconds(cfg.EngineConfig.PartialInterval),
		BalanceInterval:   config.Seconds(cfg.EngineConfig.BalanceInterval),
	}, engine.Deps{
		Store:      store,
		Client:     client,
		Sizer:      sizer,
		Breaker:    breaker,
		Reconciler: reconciler,
		Enforcer:   enforcer,
		Trailing:   trailing,
		Partial:    partial,
		Source:     signals,
		Bus:        bus,
		Metrics:    m,
		Repo:       repo,
		Mirror:     mirror,
	}, logger)

	sched := scheduler.New(eng.Tasks(), m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		}, store, sizer, breaker, eng, signals, repo, mirror, m, bus, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal().Err(err).Msg("API server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")
	cancel()
	sched.Stop()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown error")
		}
		shutdownCancel()
	}
	logger.Info().Msg("Shutdown complete")
}
