package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RoundRecord is the persisted form of a round, secret included. It never
// leaves the process except through a Round view.
type RoundRecord struct {
	ID              int64
	Table           string
	ServerSeed      string
	ServerSeedHash  string
	ClientSeed      string
	CombinedDigest  string
	CrashPoint      decimal.Decimal
	CrashMultiplier decimal.NullDecimal
	State           RoundState
	Outcome         string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CrashedAt       *time.Time
	DurationMs      int64
}

// View redacts the outcome unless the round has crashed.
func (r RoundRecord) View() Round {
	v := Round{
		ID:              r.ID,
		Table:           r.Table,
		ServerSeedHash:  r.ServerSeedHash,
		ClientSeed:      r.ClientSeed,
		State:           r.State,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CrashedAt:       r.CrashedAt,
		CrashMultiplier: r.CrashMultiplier,
	}
	if r.State == RoundCrashed {
		v.Outcome = r.Outcome
		v.Reveal = &Reveal{
			ServerSeed:     r.ServerSeed,
			CombinedDigest: r.CombinedDigest,
			CrashPoint:     r.CrashPoint,
		}
	}
	return v
}

type RoundStore interface {
	NextRoundID(ctx context.Context) (int64, error)
	CreateRound(ctx context.Context, r RoundRecord) error
	UpdateRound(ctx context.Context, r RoundRecord) error
	GetRound(ctx context.Context, id int64) (RoundRecord, error)
	// RecentRounds and UnfinishedRounds only see rounds of the given table.
	RecentRounds(ctx context.Context, table string, limit int) ([]RoundRecord, error)
	UnfinishedRounds(ctx context.Context, table string) ([]RoundRecord, error)
}

type BetStore interface {
	CreateBet(ctx context.Context, b Bet) error
	UpdateBet(ctx context.Context, b Bet) error
	ListBetsByRound(ctx context.Context, roundID int64) ([]Bet, error)
	ListBetsByUser(ctx context.Context, userID string, limit int) ([]Bet, error)
}

type Store interface {
	RoundStore
	BetStore
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rounds map[int64]RoundRecord
	bets   map[string]Bet
	order  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds: make(map[int64]RoundRecord),
		bets:   make(map[string]Bet),
	}
}

func (s *MemoryStore) NextRoundID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *MemoryStore) CreateRound(_ context.Context, r RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; !ok {
		return ErrNotFound
	}
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id int64) (RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return RoundRecord{}, ErrNotFound
	}
	return r, nil
}

// RecentRounds returns the table's crashed rounds, newest first.
func (s *MemoryStore) RecentRounds(_ context.Context, table string, limit int) ([]RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoundRecord
	for _, r := range s.rounds {
		if r.Table == table && r.State == RoundCrashed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UnfinishedRounds(_ context.Context, table string) ([]RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoundRecord
	for _, r := range s.rounds {
		if r.Table == table && r.State != RoundCrashed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateBet(_ context.Context, b Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets[b.ID] = b
	s.order = append(s.order, b.ID)
	return nil
}

func (s *MemoryStore) UpdateBet(_ context.Context, b Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bets[b.ID]; !ok {
		return ErrNotFound
	}
	s.bets[b.ID] = b
	return nil
}

func (s *MemoryStore) ListBetsByRound(_ context.Context, roundID int64) ([]Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Bet
	for _, id := range s.order {
		if b := s.bets[id]; b.RoundID == roundID {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListBetsByUser returns the user's bets, newest first.
func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string, limit int) ([]Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Bet
	for i := len(s.order) - 1; i >= 0; i-- {
		b := s.bets[s.order[i]]
		if b.UserID != userID {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
