package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/ledger"
	"crashgame/internal/logger"
)

// LedgerStore keeps balances in ledger_accounts and the append-only history
// in ledger_entries. Both move in the same transaction.
type LedgerStore struct {
	pool       *pgxpool.Pool
	log        *zap.Logger
	newBackOff func() backoff.BackOff
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{
		pool: pool,
		log:  logger.Named("database"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 25 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		},
	}
}

const entryColumns = `id, user_id, currency, amount, balance_before, balance_after, kind, bet_id, round_id, created_at`

func ledgerCurrency(s string) ledger.Currency { return ledger.Currency(s) }

func (s *LedgerStore) Balance(ctx context.Context, userID string, currency ledger.Currency) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT balance FROM ledger_accounts WHERE user_id = $1 AND currency = $2
	`, userID, string(currency)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of %s: %w", userID, err)
	}
	return balance, nil
}

// Append retries transient failures (serialization, deadlock, dropped
// connection). A balance mismatch is final and surfaces as
// ledger.ErrBalanceConflict.
func (s *LedgerStore) Append(ctx context.Context, entry ledger.Entry) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.append(ctx, entry)
		if err == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		s.log.Warn("ledger append retry",
			zap.String("entry_id", entry.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}
	return backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
}

func (s *LedgerStore) append(ctx context.Context, e ledger.Entry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, currency, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, e.UserID, string(e.Currency)); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance = $3, updated_at = now()
		WHERE user_id = $1 AND currency = $2 AND balance = $4
	`, e.UserID, string(e.Currency), e.BalanceAfter, e.BalanceBefore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrBalanceConflict
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, string(e.Currency), e.Amount, e.BalanceBefore, e.BalanceAfter, string(e.Kind),
		nullString(e.BetID), nullInt(e.RoundID), e.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *LedgerStore) History(ctx context.Context, userID string, currency ledger.Currency, limit int) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = $1 AND ($2::text = '' OR currency = $2::text)
		ORDER BY seq DESC
		LIMIT $3
	`, userID, string(currency), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	return collectEntries(rows)
}

func (s *LedgerStore) EntriesForBet(ctx context.Context, betID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE bet_id = $1 ORDER BY seq
	`, betID)
	if err != nil {
		return nil, fmt.Errorf("entries for bet %s: %w", betID, err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var (
			e        ledger.Entry
			currency string
			kind     string
			betID    *string
			roundID  *int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &currency, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&kind, &betID, &roundID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Currency = ledger.Currency(currency)
		e.Kind = ledger.Kind(kind)
		if betID != nil {
			e.BetID = *betID
		}
		if roundID != nil {
			e.RoundID = *roundID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
