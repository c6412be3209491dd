package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/game"
	"crashgame/internal/ledger"
)

const testToken = "s3cret"

type testServer struct {
	*FiberServer
	engine *game.Engine
	ledger *ledger.Ledger
	store  *game.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	store := game.NewMemoryStore()
	limits := map[ledger.Currency]game.Limits{
		ledger.CurrencyTON: {Min: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(100)},
	}

	tables := make(map[string]Table)
	var engine *game.Engine
	for _, name := range []string{"main", "side"} {
		e := game.NewEngine(game.Config{Table: name, Limits: limits}, l, store)
		hub := game.NewHub(name)
		t.Cleanup(hub.Stop)
		tables[name] = Table{
			Manager: game.NewManager(e, hub, game.ManagerConfig{TableName: name}, game.ManagerDeps{}),
			Hub:     hub,
		}
		if name == "main" {
			engine = e
		}
	}

	s := New(Config{
		Tables:       tables,
		DefaultTable: "main",
		Ledger:       l,
		Store:        store,
		AdminToken:   testToken,
	})
	s.RegisterFiberRoutes()
	return &testServer{FiberServer: s, engine: engine, ledger: l, store: store}
}

func (s *testServer) openRound(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := s.engine.Open(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.engine.StartCountdown(ctx))
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var result map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &result))
	}
	return resp.StatusCode, result
}

func decimalField(t *testing.T, v interface{}) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "expected a decimal string, got %T", v)
	return decimal.RequireFromString(s)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)

	db, ok := body["database"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disabled", db["status"])

	tables, ok := body["game"].(map[string]interface{})
	require.True(t, ok)
	main, ok := tables["main"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "idle", main["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.App.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGameState(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/v1/game/state", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/game/state?table=nope", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	s.openRound(t)
	status, body := s.do(t, http.MethodGet, "/api/v1/game/state", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "main", body["table"])

	round, ok := body["round"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "countdown", round["state"])
	assert.NotEmpty(t, round["server_seed_hash"])
	assert.Nil(t, round["reveal"], "outcome must stay sealed before the crash")
}

func TestBetFlow(t *testing.T) {
	s := newTestServer(t)
	s.openRound(t)
	bet := map[string]interface{}{"user_id": "u1", "amount": "10", "currency": "TON"}

	status, body := s.do(t, http.MethodPost, "/api/v1/game/bet", bet, "")
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, false, body["success"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/user/u1/deposit", map[string]interface{}{"amount": "100", "currency": "TON"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/user/u1/deposit", map[string]interface{}{"amount": "100", "currency": "TON"}, testToken)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decimalField(t, body["balance"]).Equal(decimal.NewFromInt(100)))

	status, body = s.do(t, http.MethodPost, "/api/v1/game/bet", bet, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.True(t, decimalField(t, body["balance"]).Equal(decimal.NewFromInt(90)))

	status, _ = s.do(t, http.MethodPost, "/api/v1/game/bet", bet, "")
	assert.Equal(t, http.StatusBadRequest, status, "second bet in the same round")

	tooBig := map[string]interface{}{"user_id": "u2", "amount": "1000", "currency": "TON"}
	status, _ = s.do(t, http.MethodPost, "/api/v1/game/bet", tooBig, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/game/cashout", map[string]interface{}{"user_id": "u1"}, "")
	assert.Equal(t, http.StatusConflict, status, "cashout before the round runs")

	status, body = s.do(t, http.MethodGet, "/api/v1/user/u1/bets", nil, "")
	require.Equal(t, http.StatusOK, status)
	bets, ok := body["bets"].([]interface{})
	require.True(t, ok)
	assert.Len(t, bets, 1)

	status, body = s.do(t, http.MethodGet, "/api/v1/user/u1/transactions?currency=TON", nil, "")
	require.Equal(t, http.StatusOK, status)
	txs, ok := body["transactions"].([]interface{})
	require.True(t, ok)
	require.Len(t, txs, 2)
	assert.Equal(t, "bet", txs[0].(map[string]interface{})["kind"])
}

func TestBalanceAndWithdraw(t *testing.T) {
	s := newTestServer(t)
	_, err := s.ledger.Credit(context.Background(), "u1", decimal.NewFromInt(5), ledger.CurrencyStars, ledger.KindDeposit, ledger.Links{})
	require.NoError(t, err)

	status, body := s.do(t, http.MethodGet, "/api/v1/user/u1/balance", nil, "")
	require.Equal(t, http.StatusOK, status)
	balances, ok := body["balances"].(map[string]interface{})
	require.True(t, ok)
	assert.True(t, decimalField(t, balances["STARS"]).Equal(decimal.NewFromInt(5)))
	assert.True(t, decimalField(t, balances["TON"]).IsZero())

	status, _ = s.do(t, http.MethodGet, "/api/v1/user/u1/balance?currency=EUR", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/user/u1/withdraw", map[string]interface{}{"amount": "6", "currency": "STARS"}, testToken)
	assert.Equal(t, http.StatusPaymentRequired, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/user/u1/withdraw", map[string]interface{}{"amount": "2", "currency": "STARS"}, testToken)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decimalField(t, body["balance"]).Equal(decimal.NewFromInt(3)))

	status, _ = s.do(t, http.MethodPost, "/api/v1/user/u1/withdraw", map[string]interface{}{"amount": "-1", "currency": "STARS"}, testToken)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVerifyHandler(t *testing.T) {
	s := newTestServer(t)
	req := map[string]interface{}{
		"server_seed_hash": game.HashCommitment("abc"),
		"server_seed":      "abc",
		"client_seed":      "x",
		"round_id":         7,
		"crash_point":      "1.56",
	}

	status, body := s.do(t, http.MethodPost, "/api/v1/game/verify", req, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, true, body["commitment_ok"])
	assert.True(t, decimalField(t, body["crash_point"]).Equal(decimal.RequireFromString("1.56")))

	req["crash_point"] = "3.00"
	_, body = s.do(t, http.MethodPost, "/api/v1/game/verify", req, "")
	assert.Equal(t, false, body["valid"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/game/verify", map[string]interface{}{"server_seed": "abc"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRoundLookupAndHistory(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/v1/game/rounds/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/game/rounds/99", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	s.openRound(t)
	status, body := s.do(t, http.MethodGet, "/api/v1/game/rounds/1", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["reveal"])

	status, body = s.do(t, http.MethodGet, "/api/v1/game/history", nil, "")
	require.Equal(t, http.StatusOK, status)
	rounds, ok := body["rounds"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, rounds, "open rounds are not history")

	status, body = s.do(t, http.MethodGet, "/api/v1/game/crashes", nil, "")
	require.Equal(t, http.StatusOK, status)
	crashes, ok := body["crashes"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, crashes)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodPost, "/api/v1/admin/crash", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/crash", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	s.adminToken = ""
	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/crash", nil, testToken)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/ws", nil, "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestHistoryIsScopedToTable(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for id, table := range map[int64]string{10: "main", 11: "side", 12: "main"} {
		require.NoError(t, s.store.CreateRound(ctx, game.RoundRecord{
			ID:              id,
			Table:           table,
			ServerSeed:      "seed",
			ServerSeedHash:  game.HashCommitment("seed"),
			CrashPoint:      decimal.RequireFromString("2.00"),
			CrashMultiplier: decimal.NewNullDecimal(decimal.RequireFromString("2.00")),
			State:           game.RoundCrashed,
			Outcome:         game.OutcomeCrashed,
		}))
	}

	roundIDs := func(path, key, field string) []float64 {
		status, body := s.do(t, http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, status)
		items, ok := body[key].([]interface{})
		require.True(t, ok)
		var ids []float64
		for _, item := range items {
			ids = append(ids, item.(map[string]interface{})[field].(float64))
		}
		return ids
	}

	assert.Equal(t, []float64{12, 10}, roundIDs("/api/v1/game/history", "rounds", "round_id"))
	assert.Equal(t, []float64{11}, roundIDs("/api/v1/game/history?table=side", "rounds", "round_id"))
	assert.Equal(t, []float64{11}, roundIDs("/api/v1/game/crashes?table=side", "crashes", "round_id"))

	status, _ := s.do(t, http.MethodGet, "/api/v1/game/history?table=nope", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}
