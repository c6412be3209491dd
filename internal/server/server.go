package server

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/cache"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/logger"
)

// Table is what the HTTP layer needs to serve one table.
type Table struct {
	Manager *game.Manager
	Hub     *game.Hub
	// Cache is nil when Redis is not configured.
	Cache *cache.RoundCache
}

// Config wires the server to already constructed components. DB and Cache
// are only used for health reporting and may be nil.
type Config struct {
	Tables       map[string]Table
	DefaultTable string
	Ledger       *ledger.Ledger
	Store        game.Store
	DB           database.Service
	Cache        cache.Service
	AdminToken   string
	HouseEdge    decimal.Decimal
	// RateLimit is requests per minute per client; zero disables the limiter.
	RateLimit int
}

type FiberServer struct {
	*fiber.App

	tables       map[string]Table
	defaultTable string
	ledger       *ledger.Ledger
	store        game.Store
	db           database.Service
	cache        cache.Service
	adminToken   string
	houseEdge    decimal.Decimal
	log          *zap.Logger
}

func New(cfg Config) *FiberServer {
	houseEdge := cfg.HouseEdge
	if !houseEdge.IsPositive() {
		houseEdge = game.DefaultHouseEdge
	}

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashgame",
			AppName:       "crashgame",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}),

		tables:       cfg.Tables,
		defaultTable: cfg.DefaultTable,
		ledger:       cfg.Ledger,
		store:        cfg.Store,
		db:           cfg.DB,
		cache:        cfg.Cache,
		adminToken:   cfg.AdminToken,
		houseEdge:    houseEdge,
		log:          logger.Named("server"),
	}

	server.App.Use(recover.New())
	if cfg.RateLimit > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: 1 * time.Minute,
			Next: func(c *fiber.Ctx) bool {
				// Sockets and scrapes are long lived or machine driven.
				return c.Path() == "/ws" || c.Path() == "/metrics"
			},
		}))
	}

	return server
}

func (s *FiberServer) tableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops the HTTP listener, then the hubs. Game loops and
// connections are owned by the caller.
func (s *FiberServer) Shutdown() error {
	s.log.Info("shutting down")
	err := s.App.ShutdownWithTimeout(5 * time.Second)
	for _, name := range s.tableNames() {
		if hub := s.tables[name].Hub; hub != nil {
			hub.Stop()
		}
	}
	return err
}
