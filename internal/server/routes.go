package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	g := api.Group("/game")
	g.Get("/state", s.getGameStateHandler)
	g.Post("/bet", s.placeBetHandler)
	g.Post("/cashout", s.cashoutHandler)
	g.Get("/history", s.historyHandler)
	g.Get("/crashes", s.crashesHandler)
	g.Get("/rounds/:id", s.getRoundHandler)
	g.Post("/verify", s.verifyHandler)

	user := api.Group("/user/:userId")
	user.Get("/balance", s.getUserBalanceHandler)
	user.Get("/transactions", s.transactionsHandler)
	user.Get("/bets", s.userBetsHandler)
	user.Post("/deposit", s.adminOnly, s.depositHandler)
	user.Post("/withdraw", s.adminOnly, s.withdrawHandler)

	admin := api.Group("/admin", s.adminOnly)
	admin.Post("/crash", s.forceCrashHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

// adminOnly accepts "Authorization: Bearer <token>". Without a configured
// token the admin surface is closed.
func (s *FiberServer) adminOnly(c *fiber.Ctx) error {
	if s.adminToken == "" {
		return fiber.NewError(fiber.StatusForbidden, "admin access is disabled")
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid admin token")
	}
	return c.Next()
}
