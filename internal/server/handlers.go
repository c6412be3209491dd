package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/cache"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var verr *game.ValidationError
	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		return ferr.Code
	case errors.As(err, &verr),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownCurrency):
		return fiber.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired
	case errors.Is(err, game.ErrBettingClosed),
		errors.Is(err, game.ErrRoundNotActive),
		errors.Is(err, game.ErrNoRound):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *FiberServer) fail(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	if code == fiber.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return errorHandler(c, err)
}

func (s *FiberServer) table(c *fiber.Ctx) (string, Table, error) {
	name := c.Query("table", s.defaultTable)
	t, ok := s.tables[name]
	if !ok {
		return name, Table{}, fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown table %q", name))
	}
	return name, t, nil
}

func pageSize(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": fiber.Map{"status": "disabled"},
		"cache":    fiber.Map{"status": "disabled"},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}

	tables := fiber.Map{}
	for _, name := range s.tableNames() {
		t := s.tables[name]
		info := fiber.Map{"status": "idle"}
		if snap, ok := t.Manager.Engine().Status(time.Now()); ok {
			info["status"] = "running"
			info["round_id"] = snap.RoundID
			info["state"] = snap.State
		}
		if t.Hub != nil {
			info["connected_clients"] = t.Hub.GetClientCount()
		}
		tables[name] = info
	}
	health["game"] = tables
	return c.JSON(health)
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	name, t, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	engine := t.Manager.Engine()
	snap, ok := engine.Status(time.Now())
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	round, _ := engine.Current()

	resp := fiber.Map{
		"table":    name,
		"round":    round,
		"snapshot": snap,
		"bets":     len(engine.Bets()),
	}
	if userID := c.Query("user_id"); userID != "" {
		if bet, ok := engine.Bet(userID); ok {
			resp["bet"] = bet
		}
	}
	if round.Reveal != nil && round.StartedAt != nil {
		resp["crash_after_ms"] = engine.Clock().TimeUntil(round.Reveal.CrashPoint, *round.StartedAt, *round.StartedAt).Milliseconds()
	}
	return c.JSON(resp)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	_, t, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := t.Manager.PlaceBet(c.UserContext(), req)
	if err != nil {
		if code := statusOf(err); code != fiber.StatusInternalServerError {
			return c.Status(code).JSON(resp)
		}
		return s.fail(c, err)
	}
	return c.JSON(resp)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	_, t, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp, err := t.Manager.Cashout(c.UserContext(), req)
	if err != nil {
		if code := statusOf(err); code != fiber.StatusInternalServerError {
			return c.Status(code).JSON(resp)
		}
		return s.fail(c, err)
	}
	if !resp.Success {
		return c.Status(fiber.StatusNotFound).JSON(resp)
	}
	return c.JSON(resp)
}

// historyHandler lists the table's crashed rounds with their reveals, newest
// first.
func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	name, _, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	records, err := s.store.RecentRounds(c.UserContext(), name, pageSize(c))
	if err != nil {
		return s.fail(c, err)
	}
	rounds := make([]game.Round, 0, len(records))
	for _, r := range records {
		rounds = append(rounds, r.View())
	}
	return c.JSON(fiber.Map{"rounds": rounds})
}

// crashesHandler is the compact crash strip, served from Redis when the
// table has a cache.
func (s *FiberServer) crashesHandler(c *fiber.Ctx) error {
	name, t, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	limit := pageSize(c)
	if t.Cache != nil {
		entries, err := t.Cache.History(c.UserContext(), limit)
		if err == nil {
			return c.JSON(fiber.Map{"crashes": entries})
		}
		s.log.Warn("crash history from cache", zap.Error(err))
	}

	records, err := s.store.RecentRounds(c.UserContext(), name, limit)
	if err != nil {
		return s.fail(c, err)
	}
	entries := make([]cache.CrashEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, cache.CrashEntry{RoundID: r.ID, Multiplier: r.CrashMultiplier.Decimal})
	}
	return c.JSON(fiber.Map{"crashes": entries})
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid round id",
		})
	}
	if _, t, err := s.table(c); err == nil && t.Cache != nil {
		if round, ok, err := t.Cache.Round(c.UserContext(), id); err == nil && ok {
			return c.JSON(round)
		}
	}

	rec, err := s.store.GetRound(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(rec.View())
}

type verifyRequest struct {
	ServerSeedHash string          `json:"server_seed_hash"`
	ServerSeed     string          `json:"server_seed"`
	ClientSeed     string          `json:"client_seed"`
	RoundID        int64           `json:"round_id"`
	CrashPoint     decimal.Decimal `json:"crash_point"`
}

// verifyHandler lets players check a revealed round without trusting us.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ServerSeed == "" || req.ServerSeedHash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "server_seed and server_seed_hash are required",
		})
	}

	digest := game.CombineSeeds(req.ServerSeed, req.ClientSeed, req.RoundID)
	return c.JSON(fiber.Map{
		"valid":           game.VerifyRound(req.ServerSeedHash, req.ServerSeed, req.ClientSeed, req.RoundID, s.houseEdge, req.CrashPoint),
		"commitment_ok":   game.HashCommitment(req.ServerSeed) == req.ServerSeedHash,
		"combined_digest": digest,
		"crash_point":     game.CrashPointOf(digest, s.houseEdge),
	})
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	currencies := []ledger.Currency{ledger.CurrencyTON, ledger.CurrencyStars}
	if q := c.Query("currency"); q != "" {
		cur, err := ledger.ParseCurrency(q)
		if err != nil {
			return s.fail(c, err)
		}
		currencies = []ledger.Currency{cur}
	}

	balances := make(map[ledger.Currency]decimal.Decimal, len(currencies))
	for _, cur := range currencies {
		b, err := s.ledger.BalanceOf(c.UserContext(), userID, cur)
		if err != nil {
			return s.fail(c, err)
		}
		balances[cur] = b
	}
	return c.JSON(fiber.Map{
		"user_id":  userID,
		"balances": balances,
	})
}

func (s *FiberServer) transactionsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var cur ledger.Currency
	if q := c.Query("currency"); q != "" {
		parsed, err := ledger.ParseCurrency(q)
		if err != nil {
			return s.fail(c, err)
		}
		cur = parsed
	}
	entries, err := s.ledger.History(c.UserContext(), userID, cur, pageSize(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id":      userID,
		"transactions": entries,
	})
}

func (s *FiberServer) userBetsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	bets, err := s.store.ListBetsByUser(c.UserContext(), userID, pageSize(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"bets":    bets,
	})
}

type transferRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	return s.transfer(c, ledger.KindDeposit)
}

func (s *FiberServer) withdrawHandler(c *fiber.Ctx) error {
	return s.transfer(c, ledger.KindWithdrawal)
}

func (s *FiberServer) transfer(c *fiber.Ctx, kind ledger.Kind) error {
	userID := c.Params("userId")
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	cur, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		return s.fail(c, err)
	}

	var balance decimal.Decimal
	if kind == ledger.KindDeposit {
		balance, err = s.ledger.Credit(c.UserContext(), userID, req.Amount, cur, kind, ledger.Links{})
	} else {
		balance, err = s.ledger.Debit(c.UserContext(), userID, req.Amount, cur, kind, ledger.Links{})
	}
	if err != nil {
		return s.fail(c, err)
	}

	s.log.Info("balance transfer",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", string(cur)))
	return c.JSON(fiber.Map{
		"user_id":  userID,
		"currency": cur,
		"balance":  balance,
	})
}

func (s *FiberServer) forceCrashHandler(c *fiber.Ctx) error {
	_, t, err := s.table(c)
	if err != nil {
		return s.fail(c, err)
	}
	snap, err := t.Manager.ForceCrash(c.UserContext())
	if errors.Is(err, game.ErrInvalidTransition) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return s.fail(c, err)
	}
	s.log.Warn("round force crashed", zap.Int64("round_id", snap.RoundID))
	return c.JSON(snap)
}
