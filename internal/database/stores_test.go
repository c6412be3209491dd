package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/game"
	"crashgame/internal/ledger"
)

const migrationsPath = "../../migrations"

func migratedService(t *testing.T) Service {
	t.Helper()
	srv := New()
	require.NoError(t, RunMigrations(srv.DB(), migrationsPath))

	version, dirty, err := GetMigrationVersion(srv.DB(), migrationsPath)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
	return srv
}

func TestGameStore_Rounds(t *testing.T) {
	ctx := context.Background()
	store := NewGameStore(migratedService(t).Pool())

	id, err := store.NextRoundID(ctx)
	require.NoError(t, err)

	seed := "store-test-seed"
	rec := game.RoundRecord{
		ID:             id,
		Table:          "main",
		ServerSeed:     seed,
		ServerSeedHash: game.HashCommitment(seed),
		CombinedDigest: game.CombineSeeds(seed, "", id),
		CrashPoint:     decimal.RequireFromString("2.37"),
		State:          game.RoundCountdown,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.CreateRound(ctx, rec))

	unfinished, err := store.UnfinishedRounds(ctx, "main")
	require.NoError(t, err)
	require.NotEmpty(t, unfinished)
	assert.Equal(t, id, unfinished[len(unfinished)-1].ID)

	elsewhere, err := store.UnfinishedRounds(ctx, "high-rollers")
	require.NoError(t, err)
	for _, r := range elsewhere {
		assert.NotEqual(t, id, r.ID, "another table must not see this round")
	}

	crashedAt := rec.CreatedAt.Add(2 * time.Second)
	rec.State = game.RoundCrashed
	rec.Outcome = game.OutcomeCrashed
	rec.CrashedAt = &crashedAt
	rec.CrashMultiplier = decimal.NewNullDecimal(decimal.RequireFromString("2.37"))
	rec.DurationMs = 2000
	require.NoError(t, store.UpdateRound(ctx, rec))

	got, err := store.GetRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, game.RoundCrashed, got.State)
	assert.Equal(t, "main", got.Table)
	assert.True(t, got.CrashPoint.Equal(rec.CrashPoint))
	require.True(t, got.CrashMultiplier.Valid)
	assert.True(t, got.CrashMultiplier.Decimal.Equal(rec.CrashPoint))
	require.NotNil(t, got.CrashedAt)
	assert.Nil(t, got.StartedAt)

	recent, err := store.RecentRounds(ctx, "main", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)

	recent, err = store.RecentRounds(ctx, "high-rollers", 0)
	require.NoError(t, err)
	assert.Empty(t, recent)

	_, err = store.GetRound(ctx, -1)
	assert.ErrorIs(t, err, game.ErrNotFound)
	assert.ErrorIs(t, store.UpdateRound(ctx, game.RoundRecord{ID: -1}), game.ErrNotFound)
}

func TestGameStore_Bets(t *testing.T) {
	ctx := context.Background()
	store := NewGameStore(migratedService(t).Pool())

	id, err := store.NextRoundID(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CreateRound(ctx, game.RoundRecord{
		ID: id, ServerSeed: "s", ServerSeedHash: game.HashCommitment("s"), CombinedDigest: "d",
		CrashPoint: decimal.NewFromInt(1), State: game.RoundCountdown, CreatedAt: time.Now(),
	}))

	user := "user-" + uuid.NewString()
	bet := game.Bet{
		ID:          uuid.NewString(),
		UserID:      user,
		RoundID:     id,
		Stake:       decimal.RequireFromString("1.5"),
		Currency:    ledger.CurrencyTON,
		AutoCashout: decimal.NewNullDecimal(decimal.RequireFromString("2.00")),
		State:       game.BetPending,
		PlacedAt:    time.Now(),
	}
	require.NoError(t, store.CreateBet(ctx, bet))

	settled := time.Now()
	bet.State = game.BetCashedOut
	bet.CashedOutMultiplier = decimal.NewNullDecimal(decimal.RequireFromString("2.00"))
	bet.Payout = decimal.NewNullDecimal(decimal.RequireFromString("3"))
	bet.SettledAt = &settled
	require.NoError(t, store.UpdateBet(ctx, bet))

	byRound, err := store.ListBetsByRound(ctx, id)
	require.NoError(t, err)
	require.Len(t, byRound, 1)
	assert.Equal(t, game.BetCashedOut, byRound[0].State)
	assert.Equal(t, ledger.CurrencyTON, byRound[0].Currency)
	assert.True(t, byRound[0].Payout.Decimal.Equal(decimal.NewFromInt(3)))

	byUser, err := store.ListBetsByUser(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, bet.ID, byUser[0].ID)

	assert.ErrorIs(t, store.UpdateBet(ctx, game.Bet{ID: uuid.NewString()}), game.ErrNotFound)
}

func TestLedgerStore_ThroughLedger(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(migratedService(t).Pool())
	l := ledger.New(store)
	user := "user-" + uuid.NewString()

	_, err := l.Credit(ctx, user, decimal.NewFromInt(100), ledger.CurrencyTON, ledger.KindDeposit, ledger.Links{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, user, decimal.NewFromInt(3), ledger.CurrencyTON, ledger.KindBet, ledger.Links{BetID: uuid.NewString(), RoundID: 1})
		}()
	}
	wg.Wait()

	balance, err := store.Balance(ctx, user, ledger.CurrencyTON)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(70)), "balance = %s", balance)

	history, err := store.History(ctx, user, ledger.CurrencyTON, 0)
	require.NoError(t, err)
	require.Len(t, history, 11)
	assert.Equal(t, ledger.KindBet, history[0].Kind)
	assert.Equal(t, ledger.KindDeposit, history[10].Kind)
	for _, e := range history {
		assert.True(t, e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Amount)))
	}

	entries, err := store.EntriesForBet(ctx, history[0].BetID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].RoundID)
}

func TestLedgerStore_StaleBalanceConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(migratedService(t).Pool())
	user := "user-" + uuid.NewString()

	err := store.Append(ctx, ledger.Entry{
		ID: uuid.NewString(), UserID: user, Currency: ledger.CurrencyStars,
		Amount: decimal.NewFromInt(5), BalanceBefore: decimal.NewFromInt(7), BalanceAfter: decimal.NewFromInt(12),
		Kind: ledger.KindDeposit, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ledger.ErrBalanceConflict)

	balance, err := store.Balance(ctx, user, ledger.CurrencyStars)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	history, err := store.History(ctx, user, "", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStores_EightDecimalStakeSettlesExactly(t *testing.T) {
	ctx := context.Background()
	pool := migratedService(t).Pool()
	games := NewGameStore(pool)
	balances := NewLedgerStore(pool)
	l := ledger.New(balances)
	book := game.NewBetBook(l, games, map[ledger.Currency]game.Limits{
		ledger.CurrencyTON: {Min: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(100)},
	})

	id, err := games.NextRoundID(ctx)
	require.NoError(t, err)
	require.NoError(t, games.CreateRound(ctx, game.RoundRecord{
		ID: id, Table: "main", ServerSeed: "s", ServerSeedHash: game.HashCommitment("s"), CombinedDigest: "d",
		CrashPoint: decimal.NewFromInt(2), State: game.RoundCountdown, CreatedAt: time.Now(),
	}))

	user := "user-" + uuid.NewString()
	_, err = l.Credit(ctx, user, decimal.NewFromInt(1), ledger.CurrencyTON, ledger.KindDeposit, ledger.Links{})
	require.NoError(t, err)

	_, _, err = book.Place(ctx, id, user, decimal.RequireFromString("0.123456789"), "TON", decimal.NullDecimal{})
	var verr *game.ValidationError
	require.ErrorAs(t, err, &verr, "stakes finer than the stored scale are rejected")

	_, _, err = book.Place(ctx, id, user, decimal.RequireFromString("0.12345678"), "TON", decimal.NullDecimal{})
	require.NoError(t, err)
	require.Equal(t, 1, book.ActivateAll(ctx, id))

	settled, err := book.ManualCashout(ctx, id, user, decimal.RequireFromString("1.55"))
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.True(t, settled.Payout.Decimal.Equal(decimal.RequireFromString("0.191358")), "payout = %s", settled.Payout.Decimal)

	// The cached balance must agree with the stored one, so the next
	// optimistic append still matches.
	_, err = l.Debit(ctx, user, decimal.RequireFromString("0.5"), ledger.CurrencyTON, ledger.KindWithdrawal, ledger.Links{})
	require.NoError(t, err)

	cached, err := l.BalanceOf(ctx, user, ledger.CurrencyTON)
	require.NoError(t, err)
	stored, err := balances.Balance(ctx, user, ledger.CurrencyTON)
	require.NoError(t, err)
	assert.True(t, cached.Equal(stored), "cached %s, stored %s", cached, stored)
	assert.True(t, stored.Equal(decimal.RequireFromString("0.56790122")), "balance = %s", stored)

	bets, err := games.ListBetsByRound(ctx, id)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.True(t, bets[0].Payout.Decimal.Equal(decimal.RequireFromString("0.191358")))
}
