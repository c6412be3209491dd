package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/ledger"
	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

// Ledger is the part of ledger.Ledger the game needs.
type Ledger interface {
	BalanceOf(ctx context.Context, userID string, currency ledger.Currency) (decimal.Decimal, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, currency ledger.Currency, kind ledger.Kind, links ledger.Links) (decimal.Decimal, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, currency ledger.Currency, kind ledger.Kind, links ledger.Links) (decimal.Decimal, error)
	EntriesForBet(ctx context.Context, betID string) ([]ledger.Entry, error)
}

// Limits is the accepted stake range for one currency.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

type betKey struct {
	roundID int64
	userID  string
}

// betEntry guards a single bet. placed stays false while the stake debit is
// in flight, so scans skip bets that do not exist yet.
type betEntry struct {
	mu     sync.Mutex
	placed bool
	bet    Bet
}

// BetBook is the in-round registry of bets. Settlement of one bet is
// serialized on its entry mutex and only ever starts from BetActive.
type BetBook struct {
	ledger Ledger
	store  BetStore
	limits map[ledger.Currency]Limits
	log    *zap.Logger
	nowFn  func() time.Time

	mu      sync.RWMutex
	entries map[betKey]*betEntry
}

func NewBetBook(l Ledger, store BetStore, limits map[ledger.Currency]Limits) *BetBook {
	return &BetBook{
		ledger:  l,
		store:   store,
		limits:  limits,
		log:     logger.Named("betbook"),
		nowFn:   time.Now,
		entries: make(map[betKey]*betEntry),
	}
}

// Validate checks a bet request and returns the parsed currency. Exactly one
// reason is reported; a balance below the stake is ledger.ErrInsufficientFunds.
func (b *BetBook) Validate(roundID int64, userID string, amount decimal.Decimal, currency string, autoCashout decimal.NullDecimal, balance decimal.Decimal) (ledger.Currency, error) {
	if userID == "" {
		return "", invalid("user id is required")
	}
	if !amount.IsPositive() {
		return "", invalid("bet amount must be positive")
	}
	if !ledger.HasValidScale(amount) {
		return "", invalid("bet amount allows at most %d decimal places", ledger.Scale)
	}
	cur, err := ledger.ParseCurrency(currency)
	if err != nil {
		return "", invalid("unsupported currency %q", currency)
	}
	if lim, ok := b.limits[cur]; ok {
		if amount.LessThan(lim.Min) {
			return "", invalid("minimum bet is %s %s", lim.Min, cur)
		}
		if amount.GreaterThan(lim.Max) {
			return "", invalid("maximum bet is %s %s", lim.Max, cur)
		}
	}
	if autoCashout.Valid {
		if autoCashout.Decimal.LessThanOrEqual(MinMultiplier) {
			return "", invalid("auto cashout must be greater than %s", MinMultiplier.StringFixed(2))
		}
		if !autoCashout.Decimal.Equal(autoCashout.Decimal.Truncate(2)) {
			return "", invalid("auto cashout allows at most two decimal places")
		}
	}
	if b.hasOpenBet(roundID, userID) {
		return "", invalid("bet already placed in this round")
	}
	if balance.LessThan(amount) {
		return "", ledger.ErrInsufficientFunds
	}
	return cur, nil
}

// hasOpenBet reports whether the user holds a non-terminal bet in the round.
func (b *BetBook) hasOpenBet(roundID int64, userID string) bool {
	b.mu.RLock()
	e, ok := b.entries[betKey{roundID, userID}]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed && !e.bet.State.Terminal()
}

// Place debits the stake and records a Pending bet. The debit happens before
// the bet becomes visible, so a failed debit leaves nothing behind.
func (b *BetBook) Place(ctx context.Context, roundID int64, userID string, amount decimal.Decimal, currency string, autoCashout decimal.NullDecimal) (Bet, decimal.Decimal, error) {
	cur, err := ledger.ParseCurrency(currency)
	if err != nil {
		return Bet{}, decimal.Zero, invalid("unsupported currency %q", currency)
	}
	balance, err := b.ledger.BalanceOf(ctx, userID, cur)
	if err != nil {
		return Bet{}, decimal.Zero, err
	}
	if _, err := b.Validate(roundID, userID, amount, currency, autoCashout, balance); err != nil {
		return Bet{}, balance, err
	}

	key := betKey{roundID, userID}
	entry := &betEntry{}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	b.mu.Lock()
	if prev, ok := b.entries[key]; ok && !settled(prev) {
		b.mu.Unlock()
		return Bet{}, balance, invalid("bet already placed in this round")
	}
	b.entries[key] = entry
	b.mu.Unlock()

	bet := Bet{
		ID:          uuid.NewString(),
		UserID:      userID,
		RoundID:     roundID,
		Stake:       amount,
		Currency:    cur,
		AutoCashout: autoCashout,
		State:       BetPending,
		PlacedAt:    b.nowFn(),
	}
	links := ledger.Links{BetID: bet.ID, RoundID: roundID}

	after, err := b.ledger.Debit(ctx, userID, amount, cur, ledger.KindBet, links)
	if err != nil {
		b.drop(key, entry)
		return Bet{}, balance, err
	}
	if err := b.store.CreateBet(ctx, bet); err != nil {
		b.drop(key, entry)
		if refunded, rerr := b.ledger.Credit(ctx, userID, amount, cur, ledger.KindRefund, links); rerr != nil {
			b.log.Error("refund after failed bet write",
				zap.String("bet_id", bet.ID),
				zap.Error(rerr))
		} else {
			after = refunded
		}
		return Bet{}, after, fmt.Errorf("save bet: %w", err)
	}

	entry.bet = bet
	entry.placed = true
	metrics.BetsPlacedTotal.WithLabelValues(string(cur)).Inc()
	b.log.Info("bet placed",
		zap.Int64("round_id", roundID),
		zap.String("user_id", userID),
		zap.String("bet_id", bet.ID),
		zap.String("stake", amount.String()),
		zap.String("currency", string(cur)))
	return bet, after, nil
}

// settled is called under b.mu; a reservation in flight holds e.mu, so a
// failed TryLock means the previous bet is still being placed.
func settled(e *betEntry) bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	return e.placed && e.bet.State.Terminal()
}

func (b *BetBook) drop(key betKey, e *betEntry) {
	b.mu.Lock()
	if b.entries[key] == e {
		delete(b.entries, key)
	}
	b.mu.Unlock()
}

// round returns the entries of one round. Entry locks are taken after the
// book lock is released.
func (b *BetBook) round(roundID int64) []*betEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*betEntry
	for k, e := range b.entries {
		if k.roundID == roundID {
			out = append(out, e)
		}
	}
	return out
}

// ActivateAll moves every Pending bet of the round to Active.
func (b *BetBook) ActivateAll(ctx context.Context, roundID int64) int {
	n := 0
	for _, e := range b.round(roundID) {
		e.mu.Lock()
		if e.placed && e.bet.State == BetPending {
			e.bet.State = BetActive
			b.persist(ctx, e.bet)
			n++
		}
		e.mu.Unlock()
	}
	metrics.ActiveBets.Add(float64(n))
	return n
}

// EvaluateAutoCashouts settles every Active bet whose target is at or below
// limit, paying stake * target. Bets whose credit fails stay Active.
func (b *BetBook) EvaluateAutoCashouts(ctx context.Context, roundID int64, limit decimal.Decimal) ([]Bet, error) {
	var (
		out  []Bet
		errs []error
	)
	for _, e := range b.round(roundID) {
		e.mu.Lock()
		if e.placed && e.bet.State == BetActive && e.bet.AutoCashout.Valid &&
			e.bet.AutoCashout.Decimal.LessThanOrEqual(limit) {
			bet, err := b.settle(ctx, e, e.bet.AutoCashout.Decimal, "auto")
			if err != nil {
				errs = append(errs, err)
			} else {
				out = append(out, bet)
			}
		}
		e.mu.Unlock()
	}
	return out, errors.Join(errs...)
}

// ManualCashout settles the user's Active bet at multiplier. A user without
// an Active bet gets (nil, nil).
func (b *BetBook) ManualCashout(ctx context.Context, roundID int64, userID string, multiplier decimal.Decimal) (*Bet, error) {
	b.mu.RLock()
	e, ok := b.entries[betKey{roundID, userID}]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.placed || e.bet.State != BetActive {
		return nil, nil
	}
	bet, err := b.settle(ctx, e, multiplier, "manual")
	if err != nil {
		return nil, err
	}
	return &bet, nil
}

// settle credits the payout and flips the bet to CashedOut. Caller holds e.mu
// and has checked the bet is Active.
func (b *BetBook) settle(ctx context.Context, e *betEntry, multiplier decimal.Decimal, trigger string) (Bet, error) {
	bet := e.bet
	// Truncated so the payout never exceeds stake * multiplier.
	payout := bet.Stake.Mul(multiplier).Truncate(ledger.Scale)
	links := ledger.Links{BetID: bet.ID, RoundID: bet.RoundID}
	if _, err := b.ledger.Credit(ctx, bet.UserID, payout, bet.Currency, ledger.KindWin, links); err != nil {
		b.log.Error("cashout credit failed",
			zap.String("bet_id", bet.ID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return Bet{}, fmt.Errorf("credit payout for bet %s: %w", bet.ID, err)
	}

	now := b.nowFn()
	bet.State = BetCashedOut
	bet.CashedOutMultiplier = decimal.NewNullDecimal(multiplier)
	bet.Payout = decimal.NewNullDecimal(payout)
	bet.SettledAt = &now
	e.bet = bet
	b.persist(ctx, bet)

	metrics.ActiveBets.Dec()
	metrics.CashoutsTotal.WithLabelValues(trigger).Inc()
	metrics.PayoutAmountTotal.WithLabelValues(string(bet.Currency)).Add(payout.InexactFloat64())
	b.log.Info("bet cashed out",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("multiplier", multiplier.StringFixed(2)),
		zap.String("payout", payout.String()),
		zap.String("trigger", trigger))
	return bet, nil
}

// CrashAll marks every remaining Active bet of the round as lost.
func (b *BetBook) CrashAll(ctx context.Context, roundID int64) []Bet {
	var out []Bet
	now := b.nowFn()
	for _, e := range b.round(roundID) {
		e.mu.Lock()
		if e.placed && e.bet.State == BetActive {
			e.bet.State = BetCrashed
			e.bet.SettledAt = &now
			b.persist(ctx, e.bet)
			out = append(out, e.bet)
			metrics.ActiveBets.Dec()
		}
		e.mu.Unlock()
	}
	return out
}

// RefundPending returns the stake of bets that never went live and cancels
// them. Failed refunds leave the bet Pending so the call can be repeated.
func (b *BetBook) RefundPending(ctx context.Context, roundID int64) ([]Bet, error) {
	var (
		out  []Bet
		errs []error
	)
	for _, e := range b.round(roundID) {
		e.mu.Lock()
		if e.placed && e.bet.State == BetPending {
			bet := e.bet
			links := ledger.Links{BetID: bet.ID, RoundID: bet.RoundID}
			if _, err := b.ledger.Credit(ctx, bet.UserID, bet.Stake, bet.Currency, ledger.KindRefund, links); err != nil {
				errs = append(errs, fmt.Errorf("refund bet %s: %w", bet.ID, err))
			} else {
				now := b.nowFn()
				bet.State = BetCancelled
				bet.SettledAt = &now
				e.bet = bet
				b.persist(ctx, bet)
				out = append(out, bet)
			}
		}
		e.mu.Unlock()
	}
	return out, errors.Join(errs...)
}

// Forget drops a finished round from memory.
func (b *BetBook) Forget(roundID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if k.roundID == roundID {
			delete(b.entries, k)
		}
	}
}

func (b *BetBook) Get(roundID int64, userID string) (Bet, bool) {
	b.mu.RLock()
	e, ok := b.entries[betKey{roundID, userID}]
	b.mu.RUnlock()
	if !ok {
		return Bet{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bet, e.placed
}

func (b *BetBook) Bets(roundID int64) []Bet {
	var out []Bet
	for _, e := range b.round(roundID) {
		e.mu.Lock()
		if e.placed {
			out = append(out, e.bet)
		}
		e.mu.Unlock()
	}
	return out
}

// persist writes a bet transition. The ledger entry is already durable, so a
// failed write is logged and repaired by Engine.Recover.
func (b *BetBook) persist(ctx context.Context, bet Bet) {
	if err := b.store.UpdateBet(ctx, bet); err != nil {
		b.log.Error("bet update failed",
			zap.String("bet_id", bet.ID),
			zap.String("state", string(bet.State)),
			zap.Error(err))
	}
}
