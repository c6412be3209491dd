package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyTON   Currency = "TON"
	CurrencyStars Currency = "STARS"
)

func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(s); c {
	case CurrencyTON, CurrencyStars:
		return c, nil
	case "":
		return CurrencyTON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
}

// Scale is the number of decimal places an amount may carry. It matches the
// NUMERIC(20,8) columns of the durable store.
const Scale = 8

// HasValidScale reports whether amount fits in Scale decimal places.
func HasValidScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(Scale))
}

type Kind string

const (
	KindBet        Kind = "bet"
	KindWin        Kind = "win"
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindRefund     Kind = "refund"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUnknownCurrency   = errors.New("unknown currency")
	// ErrBalanceConflict is returned by a store when the balance it holds
	// no longer matches the entry's BalanceBefore.
	ErrBalanceConflict = errors.New("ledger balance conflict")
)

// Links ties an entry to the bet or round that caused it.
type Links struct {
	BetID   string
	RoundID int64
}

// Entry is one immutable balance mutation. BalanceAfter == BalanceBefore + Amount.
type Entry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Currency      Currency        `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Kind          Kind            `json:"kind"`
	BetID         string          `json:"bet_id,omitempty"`
	RoundID       int64           `json:"round_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store is the durable side of the ledger. Append must persist the entry and
// move the stored balance from BalanceBefore to BalanceAfter atomically.
type Store interface {
	Balance(ctx context.Context, userID string, currency Currency) (decimal.Decimal, error)
	Append(ctx context.Context, entry Entry) error
	History(ctx context.Context, userID string, currency Currency, limit int) ([]Entry, error)
	EntriesForBet(ctx context.Context, betID string) ([]Entry, error)
}
