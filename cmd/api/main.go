package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lockgame/duelcore/src/app/battles"
	leaderboardsvc "github.com/lockgame/duelcore/src/app/leaderboard"
	"github.com/lockgame/duelcore/src/app/snapshot"
	domainbattle "github.com/lockgame/duelcore/src/domain/battle"
	domainlevel "github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/infra/auth"
	"github.com/lockgame/duelcore/src/infra/gateway"
	levelsrc "github.com/lockgame/duelcore/src/infra/level"
	"github.com/lockgame/duelcore/src/infra/store"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := buildLogger(cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	baseCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	shutdownTelemetry, err := setupTelemetry(baseCtx, "duelcore-api")
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	battleRepo, playerRepo, levelSource, closeStore, err := buildStores(baseCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	cache := snapshot.NewCache(battleRepo, logger.Named("snapshot"), snapshot.Config{
		TickInterval: cfg.SnapshotTick,
	})
	cache.Start()
	defer cache.Stop()

	battleService := battles.NewService(battleRepo, playerRepo, levelSource,
		battles.StaticConfig(cfg.gameConfig()), logger.Named("battles"))
	battleService.Cache = cache
	leaderboardService := leaderboardsvc.NewService(playerRepo)

	var verifier auth.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("no JWT secret configured, rejecting all tokens")
		verifier = auth.StaticVerifier{}
	}

	registry := prometheus.NewRegistry()
	ws := gateway.NewGateway(battleService, verifier, logger.Named("gateway"), registry)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatal("failed to build scheduler", zap.Error(err))
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.CleanupEvery),
		gocron.NewTask(func() { battleService.CleanupStale(baseCtx) }),
	)
	if err != nil {
		logger.Fatal("failed to schedule cleanup", zap.Error(err))
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	server := NewServer(ServerConfig{
		Logger:             logger,
		BattleService:      battleService,
		LeaderboardService: leaderboardService,
		Snapshots:          cache,
		Gateway:            ws,
		Verifier:           verifier,
		Registry:           registry,
		AllowedOrigins:     cfg.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("duelcore API listening", zap.String("addr", cfg.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-baseCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildStores picks Postgres when a database URL is configured and falls
// back to in-memory storage otherwise.
func buildStores(ctx context.Context, cfg Config, logger *zap.Logger) (domainbattle.Repository, player.Repository, domainlevel.Source, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, using in-memory storage")
		levels, err := catalogSource(cfg, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store.NewMemoryBattleRepository(), store.NewMemoryPlayerRepository(), levels, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	var levels domainlevel.Source = store.NewPgLevelSource(pool)
	if cfg.CatalogFile != "" {
		levels, err = levelsrc.LoadFile(cfg.CatalogFile)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
	}
	return store.NewPgBattleRepository(pool), store.NewPgPlayerRepository(pool), levels, pool.Close, nil
}

func catalogSource(cfg Config, logger *zap.Logger) (domainlevel.Source, error) {
	if cfg.CatalogFile != "" {
		return levelsrc.LoadFile(cfg.CatalogFile)
	}
	logger.Info("no catalog file configured, serving the built-in demo catalog")
	return levelsrc.DemoCatalog(), nil
}
