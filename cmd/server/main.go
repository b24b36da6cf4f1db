package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Clark-Hu/vendor-ratings/internal/cache"
	"github.com/Clark-Hu/vendor-ratings/internal/config"
	httpserver "github.com/Clark-Hu/vendor-ratings/internal/http"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
	"github.com/Clark-Hu/vendor-ratings/internal/metrics"
	"github.com/Clark-Hu/vendor-ratings/internal/ratings"
	"github.com/Clark-Hu/vendor-ratings/internal/repository"
	"github.com/Clark-Hu/vendor-ratings/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.NewManager()
	m.RegisterPoolStats(st.Stats)

	vendorCache, err := cache.New(dbCtx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      time.Duration(cfg.CacheTTLSecs) * time.Second,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer vendorCache.Close()

	repo := repository.New(st,
		repository.WithMaxAttempts(cfg.TxMaxAttempts),
		repository.WithRetryHooks(m),
		repository.WithLogger(logger))
	aggregator := ratings.New(repo.Ratings, logger, ratings.WithHooks(m))

	server := httpserver.New(cfg, httpserver.Dependencies{
		Store:   st,
		Repo:    repo,
		Ratings: aggregator,
		Cache:   vendorCache,
		Metrics: m,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
