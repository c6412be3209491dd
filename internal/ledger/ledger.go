package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

type accountKey struct {
	userID   string
	currency Currency
}

type account struct {
	mu      sync.Mutex
	loaded  bool
	balance decimal.Decimal
}

// Ledger owns every balance mutation. Each (user, currency) account is
// serialized by its own mutex; distinct accounts never contend.
type Ledger struct {
	store    Store
	log      *zap.Logger
	nowFn    func() time.Time
	mu       sync.Mutex
	accounts map[accountKey]*account
}

func New(store Store) *Ledger {
	return &Ledger{
		store:    store,
		log:      logger.Named("ledger"),
		nowFn:    time.Now,
		accounts: make(map[accountKey]*account),
	}
}

func (l *Ledger) account(userID string, currency Currency) *account {
	key := accountKey{userID: userID, currency: currency}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[key]
	if !ok {
		acc = &account{}
		l.accounts[key] = acc
	}
	return acc
}

// load fills the cached balance from the store. Caller holds acc.mu.
func (l *Ledger) load(ctx context.Context, acc *account, userID string, currency Currency) error {
	if acc.loaded {
		return nil
	}
	balance, err := l.store.Balance(ctx, userID, currency)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	acc.balance = balance
	acc.loaded = true
	return nil
}

func (l *Ledger) BalanceOf(ctx context.Context, userID string, currency Currency) (decimal.Decimal, error) {
	if _, err := ParseCurrency(string(currency)); err != nil {
		return decimal.Zero, err
	}
	acc := l.account(userID, currency)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if err := l.load(ctx, acc, userID, currency); err != nil {
		return decimal.Zero, err
	}
	return acc.balance, nil
}

// Debit removes amount from the account, failing with ErrInsufficientFunds
// when the balance is lower than amount.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, currency Currency, kind Kind, links Links) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount.Neg(), currency, kind, links)
}

// Credit adds amount to the account. Credits have no upper bound.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency Currency, kind Kind, links Links) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount, currency, kind, links)
}

func (l *Ledger) apply(ctx context.Context, userID string, signed decimal.Decimal, currency Currency, kind Kind, links Links) (decimal.Decimal, error) {
	if _, err := ParseCurrency(string(currency)); err != nil {
		return decimal.Zero, err
	}
	// The store keeps Scale places; a finer amount would leave the cached
	// balance out of step with the durable one.
	if !HasValidScale(signed) {
		return decimal.Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, Scale)
	}

	acc := l.account(userID, currency)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if err := l.load(ctx, acc, userID, currency); err != nil {
		return decimal.Zero, err
	}

	after := acc.balance.Add(signed)
	if after.IsNegative() {
		return acc.balance, ErrInsufficientFunds
	}

	entry := Entry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Currency:      currency,
		Amount:        signed,
		BalanceBefore: acc.balance,
		BalanceAfter:  after,
		Kind:          kind,
		BetID:         links.BetID,
		RoundID:       links.RoundID,
		CreatedAt:     l.nowFn(),
	}
	start := time.Now()
	err := l.store.Append(ctx, entry)
	metrics.LedgerAppendSeconds.WithLabelValues(resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		// Another writer may have moved the durable balance; reload next time.
		acc.loaded = false
		l.log.Error("ledger append failed",
			zap.String("user_id", userID),
			zap.String("currency", string(currency)),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return decimal.Zero, fmt.Errorf("append ledger entry: %w", err)
	}
	acc.balance = after

	l.log.Debug("ledger entry appended",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.String("amount", signed.String()),
		zap.String("balance", after.String()))
	return after, nil
}

func (l *Ledger) History(ctx context.Context, userID string, currency Currency, limit int) ([]Entry, error) {
	return l.store.History(ctx, userID, currency, limit)
}

func (l *Ledger) EntriesForBet(ctx context.Context, betID string) ([]Entry, error) {
	return l.store.EntriesForBet(ctx, betID)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
