package game

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/ledger"
	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

const (
	REDIS_KEY_ROUND_LOCK = "crash:lock:round:"

	EventRoundOpened  = "round.opened"
	EventRoundCrashed = "round.crashed"
	EventBetSettled   = "bet.settled"

	crashRequestTimeout = 2 * time.Second

	eventQueueSize = 256
	publishTimeout = 2 * time.Second
)

type Broadcaster interface {
	Broadcast(message interface{})
}

// EventPublisher ships round and bet events to a stream, keyed by round id.
type EventPublisher interface {
	Publish(ctx context.Context, key, eventType string, payload interface{}) error
}

// RoundCache keeps the public round view and the crash history close to
// readers.
type RoundCache interface {
	SaveRound(ctx context.Context, round Round) error
	PushCrash(ctx context.Context, roundID int64, multiplier decimal.Decimal) error
}

// Locker is a lease-based lock shared by every instance serving a table.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type ManagerConfig struct {
	TableName    string
	TickInterval time.Duration
	BettingTime  time.Duration
	PauseTime    time.Duration
}

// ManagerDeps are optional collaborators; nil ones are skipped.
type ManagerDeps struct {
	Events EventPublisher
	Cache  RoundCache
	Locker Locker
}

type event struct {
	key       string
	eventType string
	payload   interface{}
}

type crashRequest struct {
	resp chan crashResult
}

type crashResult struct {
	snap Snapshot
	err  error
}

// Manager runs the round loop for one table on top of an Engine and relays
// what happens to the broadcast layer, the cache and the event stream.
type Manager struct {
	engine *Engine
	hub    Broadcaster
	cfg    ManagerConfig
	deps   ManagerDeps
	owner  string
	log    *zap.Logger

	clientSeedFn func() (string, error)

	crashChannel chan crashRequest
	// events decouples the stream from the tick loop; nil without a publisher.
	events   chan event
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

func NewManager(engine *Engine, hub Broadcaster, cfg ManagerConfig, deps ManagerDeps) *Manager {
	owner, err := GenerateSeed()
	if err != nil {
		owner = fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	m := &Manager{
		engine:       engine,
		hub:          hub,
		cfg:          cfg,
		deps:         deps,
		owner:        owner[:16],
		log:          logger.Named("game").With(zap.String("table", cfg.TableName)),
		clientSeedFn: GenerateSeed,
		crashChannel: make(chan crashRequest),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	if deps.Events != nil {
		m.events = make(chan event, eventQueueSize)
	}
	return m
}

func (m *Manager) Engine() *Engine {
	return m.engine
}

func (m *Manager) Start(ctx context.Context) {
	if m.started.CompareAndSwap(false, true) {
		if m.events != nil {
			go m.publishLoop()
		}
		go m.gameLoop(ctx)
	}
}

// Stop ends the loop after the current step and waits for it to exit. It is
// safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Manager) lockKey() string {
	return REDIS_KEY_ROUND_LOCK + m.cfg.TableName
}

func (m *Manager) lockTTL() time.Duration {
	return m.cfg.BettingTime + m.cfg.PauseTime + 10*time.Second
}

func (m *Manager) gameLoop(ctx context.Context) {
	defer close(m.done)
	defer m.releaseLock()

	leading := false
	for {
		select {
		case <-m.stopChan:
			m.log.Info("game loop stopped")
			return
		default:
		}

		if !m.lead(ctx) {
			if leading {
				m.log.Warn("leadership lost")
			}
			leading = false
			if !m.wait(m.cfg.PauseTime) {
				return
			}
			continue
		}
		if !leading {
			// Rounds left open by the previous leader are settled before
			// this instance opens its own.
			if err := m.recover(ctx); err != nil {
				m.log.Error("recover unfinished rounds", zap.Error(err))
				if !m.wait(m.cfg.PauseTime) {
					return
				}
				continue
			}
			leading = true
		}
		if !m.runRound(ctx) {
			return
		}
	}
}

func (m *Manager) recover(ctx context.Context) error {
	n, err := m.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Warn("closed unfinished rounds", zap.Int("rounds", n))
	}
	return nil
}

// lead reports whether this instance may drive the table.
func (m *Manager) lead(ctx context.Context) bool {
	if m.deps.Locker == nil {
		return true
	}
	ok, err := m.deps.Locker.Acquire(ctx, m.lockKey(), m.owner, m.lockTTL())
	if err != nil {
		m.log.Warn("leader lock unavailable", zap.Error(err))
		return false
	}
	if !ok {
		// Another instance already holds it, possibly this one.
		ok, err = m.deps.Locker.Refresh(ctx, m.lockKey(), m.owner, m.lockTTL())
		if err != nil {
			m.log.Warn("leader lock refresh failed", zap.Error(err))
			return false
		}
	}
	return ok
}

func (m *Manager) releaseLock() {
	if m.deps.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.deps.Locker.Release(ctx, m.lockKey(), m.owner); err != nil {
		m.log.Warn("release leader lock", zap.Error(err))
	}
}

// wait sleeps for d while still answering crash requests. It returns false
// when the loop is stopping.
func (m *Manager) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case req := <-m.crashChannel:
			req.resp <- crashResult{err: &InvalidTransitionError{Op: "force crash", From: RoundCrashed}}
		case <-m.stopChan:
			return false
		}
	}
}

// runRound plays one round. It returns false when the loop is stopping.
func (m *Manager) runRound(ctx context.Context) bool {
	// In production the client seed could be aggregated from player inputs.
	clientSeed, err := m.clientSeedFn()
	if err != nil {
		m.log.Error("generate client seed", zap.Error(err))
		return m.wait(m.cfg.PauseTime)
	}
	round, err := m.engine.Open(ctx, clientSeed)
	if err != nil {
		m.log.Error("open round", zap.Error(err))
		if errors.Is(err, ErrInvalidTransition) {
			m.abort(ctx)
		}
		return m.wait(m.cfg.PauseTime)
	}
	if err := m.engine.StartCountdown(ctx); err != nil {
		m.log.Error("start countdown", zap.Error(err))
		m.abort(ctx)
		return m.wait(m.cfg.PauseTime)
	}
	round.State = RoundCountdown

	m.saveRound(ctx, round)
	m.publish(ctx, round.ID, EventRoundOpened, round)
	m.hub.Broadcast(WSMessage{Type: "round_open", Data: map[string]interface{}{
		"round_id":    round.ID,
		"state":       round.State,
		"commitment":  round.ServerSeedHash,
		"client_seed": round.ClientSeed,
		"time_left":   m.cfg.BettingTime.Seconds(),
	}})

	bettingTimer := time.NewTimer(m.cfg.BettingTime)
	defer bettingTimer.Stop()

	for betting := true; betting; {
		select {
		case <-bettingTimer.C:
			betting = false
		case req := <-m.crashChannel:
			if m.serveCrash(ctx, req) {
				return m.wait(m.cfg.PauseTime)
			}
		case <-m.stopChan:
			return false
		}
	}

	if err := m.engine.Begin(ctx, time.Now()); err != nil {
		m.log.Error("begin round", zap.Error(err))
		m.abort(ctx)
		return m.wait(m.cfg.PauseTime)
	}
	if current, ok := m.engine.Current(); ok {
		m.saveRound(ctx, current)
	}
	m.hub.Broadcast(WSMessage{Type: "round_running", Data: map[string]interface{}{
		"round_id": round.ID,
		"state":    RoundActive,
	}})

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			snap, err := m.engine.Tick(ctx, now)
			m.relayCashouts(ctx, snap.Cashouts)
			if err != nil {
				m.log.Warn("tick failed, retrying", zap.Int64("round_id", round.ID), zap.Error(err))
				continue
			}
			if snap.State == RoundCrashed {
				m.finish(ctx, snap)
				return m.wait(m.cfg.PauseTime)
			}
			m.hub.Broadcast(WSMessage{Type: "tick", Data: snap})
			m.refreshLock(ctx)

		case req := <-m.crashChannel:
			if m.serveCrash(ctx, req) {
				return m.wait(m.cfg.PauseTime)
			}

		case <-m.stopChan:
			return false
		}
	}
}

func (m *Manager) serveCrash(ctx context.Context, req crashRequest) bool {
	snap, err := m.engine.ForceCrash(ctx, time.Now())
	req.resp <- crashResult{snap: snap, err: err}
	if err != nil {
		return false
	}
	m.finish(ctx, snap)
	return true
}

// abort cancels a round the loop could not move forward, refunding its bets.
func (m *Manager) abort(ctx context.Context) {
	snap, err := m.engine.Cancel(ctx, time.Now())
	if err != nil {
		m.log.Error("cancel round", zap.Error(err))
		return
	}
	m.finish(ctx, snap)
}

func (m *Manager) refreshLock(ctx context.Context) {
	if m.deps.Locker == nil {
		return
	}
	ok, err := m.deps.Locker.Refresh(ctx, m.lockKey(), m.owner, m.lockTTL())
	if err != nil || !ok {
		m.log.Warn("leader lock lost mid-round", zap.Bool("held", ok), zap.Error(err))
	}
}

func (m *Manager) relayCashouts(ctx context.Context, bets []Bet) {
	for _, bet := range bets {
		msg := CashoutMessage{
			UserID:     bet.UserID,
			BetID:      bet.ID,
			Multiplier: bet.CashedOutMultiplier.Decimal,
			Payout:     bet.Payout.Decimal,
			Auto:       true,
		}
		m.hub.Broadcast(WSMessage{Type: "cashout", Data: msg})
		m.publish(ctx, bet.RoundID, EventBetSettled, bet)
	}
}

// finish publishes the reveal of a crashed round.
func (m *Manager) finish(ctx context.Context, snap Snapshot) {
	round, ok := m.engine.Current()
	if !ok || round.Reveal == nil {
		return
	}
	msg := CrashMessage{
		RoundID:         round.ID,
		CrashMultiplier: snap.CrashMultiplier.Decimal,
		CrashPoint:      round.Reveal.CrashPoint,
		ServerSeed:      round.Reveal.ServerSeed,
		ServerSeedHash:  round.ServerSeedHash,
		ClientSeed:      round.ClientSeed,
		Outcome:         round.Outcome,
	}
	m.hub.Broadcast(WSMessage{Type: "crash", Data: msg})
	m.saveRound(ctx, round)
	if m.deps.Cache != nil {
		if err := m.deps.Cache.PushCrash(ctx, round.ID, msg.CrashMultiplier); err != nil {
			m.log.Warn("push crash history", zap.Error(err))
		}
	}
	m.publish(ctx, round.ID, EventRoundCrashed, msg)
	m.log.Info("round ended",
		zap.Int64("round_id", round.ID),
		zap.String("multiplier", msg.CrashMultiplier.StringFixed(2)),
		zap.String("outcome", round.Outcome))
}

func (m *Manager) saveRound(ctx context.Context, round Round) {
	if m.deps.Cache == nil {
		return
	}
	if err := m.deps.Cache.SaveRound(ctx, round); err != nil {
		m.log.Warn("cache round", zap.Int64("round_id", round.ID), zap.Error(err))
	}
}

// publish queues an event without blocking; a full queue drops it.
func (m *Manager) publish(_ context.Context, roundID int64, eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- event{key: strconv.FormatInt(roundID, 10), eventType: eventType, payload: payload}:
	default:
		metrics.EventsFailed.WithLabelValues("queue_full").Inc()
		m.log.Warn("event queue full, dropping event", zap.String("type", eventType), zap.Int64("round_id", roundID))
	}
}

// publishLoop ships queued events in order. After the game loop exits it
// flushes what is left and returns.
func (m *Manager) publishLoop() {
	for {
		select {
		case ev := <-m.events:
			m.send(ev)
		case <-m.done:
			for {
				select {
				case ev := <-m.events:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.deps.Events.Publish(ctx, ev.key, ev.eventType, ev.payload); err != nil {
		metrics.EventsFailed.WithLabelValues("publish_error").Inc()
		m.log.Warn("publish event", zap.String("type", ev.eventType), zap.Error(err))
	}
}

// ForceCrash asks the loop to end the current round now.
func (m *Manager) ForceCrash(ctx context.Context) (Snapshot, error) {
	req := crashRequest{resp: make(chan crashResult, 1)}
	select {
	case m.crashChannel <- req:
	case <-time.After(crashRequestTimeout):
		return Snapshot{}, errors.New("game loop busy")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.snap, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Manager) PlaceBet(ctx context.Context, req BetRequest) (BetResponse, error) {
	bet, balance, err := m.engine.PlaceBet(ctx, req.UserID, req.Amount, req.Currency, req.AutoCashout)
	if err != nil {
		return BetResponse{Success: false, Message: err.Error(), Balance: balance}, err
	}

	m.hub.Broadcast(WSMessage{Type: "bet_placed", Data: BetPlacedMessage{
		UserID:   bet.UserID,
		Amount:   bet.Stake,
		Currency: bet.Currency,
		BetID:    bet.ID,
	}})
	return BetResponse{
		Success: true,
		Message: "Bet placed successfully",
		Bet:     &bet,
		Balance: balance,
	}, nil
}

func (m *Manager) Cashout(ctx context.Context, req CashoutRequest) (CashoutResponse, error) {
	bet, err := m.engine.ManualCashout(ctx, req.UserID, time.Now())
	if err != nil {
		return CashoutResponse{Success: false, Message: err.Error()}, err
	}
	if bet == nil {
		return CashoutResponse{Success: false, Message: "No active bet"}, nil
	}

	balance, err := m.engine.Balance(ctx, req.UserID, bet.Currency)
	if err != nil {
		m.log.Warn("read balance after cashout", zap.Error(err))
	}
	m.hub.Broadcast(WSMessage{Type: "cashout", Data: CashoutMessage{
		UserID:     bet.UserID,
		BetID:      bet.ID,
		Multiplier: bet.CashedOutMultiplier.Decimal,
		Payout:     bet.Payout.Decimal,
	}})
	m.publish(ctx, bet.RoundID, EventBetSettled, bet)

	return CashoutResponse{
		Success:    true,
		Message:    fmt.Sprintf("Cashed out at %sx", bet.CashedOutMultiplier.Decimal.StringFixed(2)),
		Multiplier: bet.CashedOutMultiplier,
		Payout:     bet.Payout,
		Balance:    balance,
	}, nil
}

// Balance is a convenience for transports that only know the currency code.
func (m *Manager) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	cur, err := ledger.ParseCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return m.engine.Balance(ctx, userID, cur)
}
