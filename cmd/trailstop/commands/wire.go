package commands

import (
	"context"
	"fmt"

	"github.com/tradekit/trailstop/internal/engine"
	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/internal/exchange/kraken"
	"github.com/tradekit/trailstop/internal/position"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/database"
	"github.com/tradekit/trailstop/pkg/logger"
	"github.com/tradekit/trailstop/pkg/redis"
)

// app bundles the wired dependencies shared by the commands
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *database.DB
	redis  *redis.Client
	engine *engine.Engine
}

// newApp loads config and wires the engine with its real collaborators
func newApp(ctx context.Context) (*app, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	log := logger.New(cfg)

	// 3. Connect to database
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := position.EnsureSchema(ctx, db.Pool); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	// 4. Connect to Redis (no-op client when disabled)
	redisClient, err := redis.New(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	// 5. Create exchange client and quote cache
	krakenClient := kraken.NewClient(cfg, log)
	quoteCache := redis.NewCache(redisClient, "trailstop")
	market := exchange.NewCachedMarketData(krakenClient, quoteCache, log)

	// 6. Create repository and engine
	repo := position.NewRepository(db.Pool)
	rules := engine.NewInstrumentRules(cfg.Trading.QuoteCurrencies)
	eng := engine.New(repo, market, krakenClient, rules, log)

	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		redis:  redisClient,
		engine: eng,
	}, nil
}

// close releases the app's connections
func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
