package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/ledger"
	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

// DefaultTable names the table of an engine configured without one.
const DefaultTable = "main"

// Config holds the per-table game settings.
type Config struct {
	Table       string
	HouseEdge   decimal.Decimal
	GrowthPerMs decimal.Decimal
	Limits      map[ledger.Currency]Limits
}

// Engine drives one table through Pending, Countdown, Active and Crashed.
// Tick and ForceCrash take the write lock; bets and cashouts share the read
// lock, so a cashout always sees the multiplier of a whole tick.
type Engine struct {
	cfg    Config
	clock  MultiplierClock
	book   *BetBook
	ledger Ledger
	store  Store
	log    *zap.Logger

	secretFn func() (string, error)
	nowFn    func() time.Time

	mu  sync.RWMutex
	cur *RoundRecord
}

func NewEngine(cfg Config, l Ledger, store Store) *Engine {
	if !cfg.HouseEdge.IsPositive() {
		cfg.HouseEdge = DefaultHouseEdge
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	return &Engine{
		cfg:      cfg,
		clock:    NewMultiplierClock(cfg.GrowthPerMs),
		book:     NewBetBook(l, store, cfg.Limits),
		ledger:   l,
		store:    store,
		log:      logger.Named("game").With(zap.String("table", cfg.Table)),
		secretFn: GenerateSeed,
		nowFn:    time.Now,
	}
}

func (e *Engine) Table() string {
	return e.cfg.Table
}

func (e *Engine) HouseEdge() decimal.Decimal {
	return e.cfg.HouseEdge
}

func (e *Engine) Clock() MultiplierClock {
	return e.clock
}

func (e *Engine) Balance(ctx context.Context, userID string, currency ledger.Currency) (decimal.Decimal, error) {
	return e.ledger.BalanceOf(ctx, userID, currency)
}

// Open commits to a new round. The crash point is derived here and never
// again; only its commitment leaves the engine before the crash.
func (e *Engine) Open(ctx context.Context, clientSeed string) (Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil && e.cur.State != RoundCrashed {
		return Round{}, &InvalidTransitionError{Op: "open", From: e.cur.State}
	}

	id, err := e.store.NextRoundID(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("allocate round id: %w", err)
	}
	secret, err := e.secretFn()
	if err != nil {
		return Round{}, err
	}
	digest := CombineSeeds(secret, clientSeed, id)

	rec := RoundRecord{
		ID:             id,
		Table:          e.cfg.Table,
		ServerSeed:     secret,
		ServerSeedHash: HashCommitment(secret),
		ClientSeed:     clientSeed,
		CombinedDigest: digest,
		CrashPoint:     CrashPointOf(digest, e.cfg.HouseEdge),
		State:          RoundPending,
		CreatedAt:      e.nowFn(),
	}
	if err := e.store.CreateRound(ctx, rec); err != nil {
		return Round{}, fmt.Errorf("save round: %w", err)
	}

	if e.cur != nil {
		e.book.Forget(e.cur.ID)
	}
	e.cur = &rec

	e.log.Info("round opened",
		zap.Int64("round_id", id),
		zap.String("commitment", rec.ServerSeedHash))
	return rec.View(), nil
}

// StartCountdown opens betting.
func (e *Engine) StartCountdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil || e.cur.State != RoundPending {
		return e.transitionError("start countdown")
	}
	next := *e.cur
	next.State = RoundCountdown
	return e.commit(ctx, next)
}

// Begin starts the multiplier and activates every bet placed so far.
func (e *Engine) Begin(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil || e.cur.State != RoundCountdown {
		return e.transitionError("begin")
	}
	next := *e.cur
	next.State = RoundActive
	next.StartedAt = &now
	if err := e.commit(ctx, next); err != nil {
		return err
	}

	n := e.book.ActivateAll(ctx, next.ID)
	e.log.Info("round started", zap.Int64("round_id", next.ID), zap.Int("bets", n))
	return nil
}

// Tick advances the round to now. On the crash tick, auto cashouts with a
// target at or below the crash point are paid first; everything still
// riding is lost. An error leaves the round Active so the next tick retries.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil || e.cur.State != RoundActive {
		return Snapshot{}, e.transitionError("tick")
	}
	r := e.cur

	// mult is clamped to the crash point, so a target equal to it still pays.
	mult := e.clock.MultiplierAt(r.CrashPoint, *r.StartedAt, now)
	crashed := mult.GreaterThanOrEqual(r.CrashPoint)

	cashouts, err := e.book.EvaluateAutoCashouts(ctx, r.ID, mult)
	snap := Snapshot{
		RoundID:          r.ID,
		State:            RoundActive,
		Multiplier:       mult,
		AutoCashoutCount: len(cashouts),
		ServerSeedHash:   r.ServerSeedHash,
		Cashouts:         cashouts,
	}
	if err != nil {
		return snap, fmt.Errorf("auto cashout: %w", err)
	}
	if !crashed {
		return snap, nil
	}

	if err := e.crash(ctx, now, r.CrashPoint, OutcomeCrashed); err != nil {
		return snap, err
	}
	return e.finalSnapshot(snap), nil
}

// ForceCrash ends the round at the current multiplier through the normal
// crash path. During the countdown every bet is refunded.
func (e *Engine) ForceCrash(ctx context.Context, now time.Time) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil || (e.cur.State != RoundCountdown && e.cur.State != RoundActive) {
		return Snapshot{}, e.transitionError("force crash")
	}
	return e.end(ctx, now, OutcomeForced)
}

// Cancel ends a round that cannot continue, from any state short of Crashed.
func (e *Engine) Cancel(ctx context.Context, now time.Time) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil || e.cur.State == RoundCrashed {
		return Snapshot{}, e.transitionError("cancel")
	}
	return e.end(ctx, now, OutcomeCancelled)
}

func (e *Engine) end(ctx context.Context, now time.Time, outcome string) (Snapshot, error) {
	r := e.cur
	final := MinMultiplier
	if r.State == RoundActive {
		final = e.clock.MultiplierAt(r.CrashPoint, *r.StartedAt, now)
	}
	snap := Snapshot{
		RoundID:        r.ID,
		Multiplier:     final,
		ServerSeedHash: r.ServerSeedHash,
	}
	if err := e.crash(ctx, now, final, outcome); err != nil {
		return snap, err
	}
	e.log.Warn("round ended early",
		zap.Int64("round_id", r.ID),
		zap.String("multiplier", final.StringFixed(2)),
		zap.String("outcome", outcome))
	return e.finalSnapshot(snap), nil
}

// crash settles the round and reveals it. Caller holds e.mu. Every step is
// safe to repeat if a later one fails.
func (e *Engine) crash(ctx context.Context, now time.Time, final decimal.Decimal, outcome string) error {
	id := e.cur.ID
	lost := e.book.CrashAll(ctx, id)
	if _, err := e.book.RefundPending(ctx, id); err != nil {
		return fmt.Errorf("refund pending bets: %w", err)
	}

	next := *e.cur
	next.State = RoundCrashed
	next.Outcome = outcome
	next.CrashedAt = &now
	next.CrashMultiplier = decimal.NewNullDecimal(final)
	if next.StartedAt != nil {
		next.DurationMs = now.Sub(*next.StartedAt).Milliseconds()
	}
	if err := e.commit(ctx, next); err != nil {
		return err
	}

	metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	metrics.CrashPoint.Observe(next.CrashPoint.InexactFloat64())
	e.log.Info("round crashed",
		zap.Int64("round_id", id),
		zap.String("crash_point", next.CrashPoint.StringFixed(2)),
		zap.String("final", final.StringFixed(2)),
		zap.String("outcome", outcome),
		zap.Int("lost", len(lost)))
	return nil
}

func (e *Engine) finalSnapshot(s Snapshot) Snapshot {
	s.State = RoundCrashed
	s.Multiplier = e.cur.CrashMultiplier.Decimal
	s.CrashMultiplier = e.cur.CrashMultiplier
	s.ServerSeed = e.cur.ServerSeed
	return s
}

// ManualCashout settles the user's bet at the current multiplier. (nil, nil)
// means the user had no Active bet.
func (e *Engine) ManualCashout(ctx context.Context, userID string, now time.Time) (*Bet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cur == nil || e.cur.State != RoundActive {
		return nil, ErrRoundNotActive
	}
	mult := e.clock.MultiplierAt(e.cur.CrashPoint, *e.cur.StartedAt, now)
	if mult.GreaterThanOrEqual(e.cur.CrashPoint) {
		// The crash is due; only the next tick may settle this round.
		return nil, ErrRoundNotActive
	}
	return e.book.ManualCashout(ctx, e.cur.ID, userID, mult)
}

// PlaceBet accepts bets during the countdown and while the round runs. Bets
// placed while Active stay Pending and are refunded when the round ends.
func (e *Engine) PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, currency string, autoCashout decimal.NullDecimal) (Bet, decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cur == nil || (e.cur.State != RoundCountdown && e.cur.State != RoundActive) {
		return Bet{}, decimal.Zero, ErrBettingClosed
	}
	return e.book.Place(ctx, e.cur.ID, userID, amount, currency, autoCashout)
}

// Current returns the public view of the current round.
func (e *Engine) Current() (Round, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil {
		return Round{}, false
	}
	return e.cur.View(), true
}

// Status reports the round and the multiplier a reader should display at now.
func (e *Engine) Status(now time.Time) (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil {
		return Snapshot{}, false
	}
	r := e.cur
	s := Snapshot{
		RoundID:        r.ID,
		State:          r.State,
		Multiplier:     MinMultiplier,
		ServerSeedHash: r.ServerSeedHash,
	}
	switch r.State {
	case RoundActive:
		s.Multiplier = e.clock.MultiplierAt(r.CrashPoint, *r.StartedAt, now)
	case RoundCrashed:
		s.Multiplier = r.CrashMultiplier.Decimal
		s.CrashMultiplier = r.CrashMultiplier
		s.ServerSeed = r.ServerSeed
	}
	return s, true
}

// Bet returns the user's bet in the current round.
func (e *Engine) Bet(userID string) (Bet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil {
		return Bet{}, false
	}
	return e.book.Get(e.cur.ID, userID)
}

// Bets lists the bets of the current round.
func (e *Engine) Bets() []Bet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil {
		return nil
	}
	return e.book.Bets(e.cur.ID)
}

// Recover closes this table's rounds left unfinished by a previous process.
// Ledger entries decide each bet: a win entry means it was paid, a refund
// entry means it was returned, anything else is refunded now. Nothing is
// credited twice.
//
// Another instance may be running the table's live round, so callers must
// hold the table's leader lock.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rounds, err := e.store.UnfinishedRounds(ctx, e.cfg.Table)
	if err != nil {
		return 0, fmt.Errorf("list unfinished rounds: %w", err)
	}

	n := 0
	for _, rec := range rounds {
		if e.cur != nil && rec.ID == e.cur.ID {
			continue
		}
		if err := e.recoverRound(ctx, rec); err != nil {
			return n, fmt.Errorf("recover round %d: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}

func (e *Engine) recoverRound(ctx context.Context, rec RoundRecord) error {
	bets, err := e.store.ListBetsByRound(ctx, rec.ID)
	if err != nil {
		return err
	}
	now := e.nowFn()
	for _, bet := range bets {
		if bet.State.Terminal() {
			continue
		}
		entries, err := e.ledger.EntriesForBet(ctx, bet.ID)
		if err != nil {
			return err
		}
		if err := e.replayBet(ctx, bet, entries, now); err != nil {
			return err
		}
	}

	rec.State = RoundCrashed
	rec.Outcome = OutcomeCancelled
	rec.CrashedAt = &now
	if err := e.store.UpdateRound(ctx, rec); err != nil {
		return err
	}
	metrics.RoundsTotal.WithLabelValues(OutcomeCancelled).Inc()
	e.log.Warn("recovered unfinished round",
		zap.Int64("round_id", rec.ID),
		zap.Int("bets", len(bets)))
	return nil
}

func (e *Engine) replayBet(ctx context.Context, bet Bet, entries []ledger.Entry, now time.Time) error {
	var debited bool
	for _, en := range entries {
		switch en.Kind {
		case ledger.KindWin:
			bet.State = BetCashedOut
			bet.Payout = decimal.NewNullDecimal(en.Amount)
			bet.CashedOutMultiplier = decimal.NewNullDecimal(en.Amount.Div(bet.Stake).Round(2))
			bet.SettledAt = &now
			return e.store.UpdateBet(ctx, bet)
		case ledger.KindRefund:
			bet.State = BetCancelled
			bet.SettledAt = &now
			return e.store.UpdateBet(ctx, bet)
		case ledger.KindBet:
			debited = true
		}
	}
	if debited {
		links := ledger.Links{BetID: bet.ID, RoundID: bet.RoundID}
		if _, err := e.ledger.Credit(ctx, bet.UserID, bet.Stake, bet.Currency, ledger.KindRefund, links); err != nil {
			return err
		}
	}
	bet.State = BetCancelled
	bet.SettledAt = &now
	return e.store.UpdateBet(ctx, bet)
}

// commit persists a transition and only then makes it current.
func (e *Engine) commit(ctx context.Context, next RoundRecord) error {
	if err := e.store.UpdateRound(ctx, next); err != nil {
		e.log.Error("round update failed",
			zap.Int64("round_id", next.ID),
			zap.String("state", string(next.State)),
			zap.Error(err))
		return fmt.Errorf("save round: %w", err)
	}
	e.cur = &next
	return nil
}

func (e *Engine) transitionError(op string) error {
	from := RoundState("none")
	if e.cur != nil {
		from = e.cur.State
	}
	err := &InvalidTransitionError{Op: op, From: from}
	e.log.Error("invalid round transition", zap.Error(err))
	return err
}
