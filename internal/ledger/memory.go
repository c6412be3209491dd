package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps entries in process. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[accountKey]decimal.Decimal
	entries  []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[accountKey]decimal.Decimal)}
}

func (s *MemoryStore) Balance(_ context.Context, userID string, currency Currency) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[accountKey{userID: userID, currency: currency}], nil
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{userID: entry.UserID, currency: entry.Currency}
	if !s.balances[key].Equal(entry.BalanceBefore) {
		return ErrBalanceConflict
	}
	s.balances[key] = entry.BalanceAfter
	s.entries = append(s.entries, entry)
	return nil
}

// History returns the newest entries first.
func (s *MemoryStore) History(_ context.Context, userID string, currency Currency, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.UserID != userID || (currency != "" && e.Currency != currency) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) EntriesForBet(_ context.Context, betID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.BetID == betID {
			out = append(out, e)
		}
	}
	return out, nil
}
