package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/events"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/logger"
	"crashgame/internal/server"
)

type closer interface {
	Close() error
}

func gracefulShutdown(srv *server.FiberServer, tables *game.Tables, closers []closer, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	logger.Log.Info("shutting down gracefully, press Ctrl+C again to force")
	stop()

	if err := srv.Shutdown(); err != nil {
		logger.Log.Error("server forced to shutdown", zap.Error(err))
	}
	tables.StopAll()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Log.Warn("close dependency", zap.Error(err))
		}
	}

	logger.Log.Info("server exiting")
	done <- true
}

func main() {
	cfg := config.Load()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()
	log := logger.Log

	var (
		store       game.Store
		ledgerStore ledger.Store
		db          database.Service
		closers     []closer
	)
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory storage, balances are lost on restart")
		store = game.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
	default:
		db = database.New()
		if config.GetEnv("AUTO_MIGRATE", "false") == "true" {
			if err := database.RunMigrations(db.DB(), config.GetEnv("MIGRATIONS_PATH", "./migrations")); err != nil {
				log.Fatal("migrations failed", zap.Error(err))
			}
		}
		store = database.NewGameStore(db.Pool())
		ledgerStore = database.NewLedgerStore(db.Pool())
	}
	l := ledger.New(ledgerStore)

	redisService := cache.New()
	var lock *cache.RedisLock
	if redisService != nil {
		lock = cache.NewRedisLock(redisService.GetClient())
	} else {
		log.Warn("no redis, running as the only instance without round cache")
	}

	limits := map[ledger.Currency]game.Limits{
		ledger.CurrencyTON:   {Min: cfg.LimitsTON.Min, Max: cfg.LimitsTON.Max},
		ledger.CurrencyStars: {Min: cfg.LimitsStars.Min, Max: cfg.LimitsStars.Max},
	}

	registry := game.NewTables()
	served := make(map[string]server.Table, len(cfg.Tables))
	for _, name := range cfg.Tables {
		engine := game.NewEngine(game.Config{
			Table:       name,
			HouseEdge:   cfg.HouseEdge,
			GrowthPerMs: cfg.GrowthPerMs,
			Limits:      limits,
		}, l, store)

		hub := game.NewHub(name)
		go hub.Run()

		table := server.Table{Hub: hub}
		var deps game.ManagerDeps
		if redisService != nil {
			table.Cache = cache.NewRoundCache(redisService.GetClient(), name)
			deps.Cache = table.Cache
			deps.Locker = lock
		}
		if len(cfg.KafkaBrokers) > 0 {
			pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, name)
			if err != nil {
				log.Fatal("kafka publisher", zap.Error(err))
			}
			deps.Events = pub
			closers = append(closers, pub)
		}

		table.Manager = game.NewManager(engine, hub, game.ManagerConfig{
			TableName:    name,
			TickInterval: cfg.TickInterval,
			BettingTime:  cfg.BettingTime,
			PauseTime:    cfg.PauseTime,
		}, deps)
		registry.Register(name, table.Manager)
		served[name] = table
	}

	if redisService != nil {
		closers = append(closers, redisService)
	}
	if db != nil {
		closers = append(closers, db)
	}

	// The loops outlive startup, so they get an unbounded context.
	registry.StartAll(context.Background())

	srv := server.New(server.Config{
		Tables:       served,
		DefaultTable: cfg.TableName,
		Ledger:       l,
		Store:        store,
		DB:           db,
		Cache:        redisService,
		AdminToken:   cfg.AdminToken,
		HouseEdge:    cfg.HouseEdge,
		RateLimit:    cfg.RateLimit,
	})
	srv.RegisterFiberRoutes()

	done := make(chan bool, 1)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("listening", zap.String("addr", addr), zap.Strings("tables", cfg.Tables))
		if err := srv.Listen(addr); err != nil {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	go gracefulShutdown(srv, registry, closers, done)

	<-done
	log.Info("graceful shutdown complete")
}
