package game

import (
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/ledger"
)

type RoundState string

const (
	RoundPending   RoundState = "pending"
	RoundCountdown RoundState = "countdown"
	RoundActive    RoundState = "active"
	RoundCrashed   RoundState = "crashed"
)

// How a round reached RoundCrashed.
const (
	OutcomeCrashed   = "crashed"
	OutcomeForced    = "forced"
	OutcomeCancelled = "cancelled"
)

type BetState string

const (
	BetPending   BetState = "pending"
	BetActive    BetState = "active"
	BetCashedOut BetState = "cashed_out"
	BetCrashed   BetState = "crashed"
	BetCancelled BetState = "cancelled"
)

func (s BetState) Terminal() bool {
	return s == BetCashedOut || s == BetCrashed || s == BetCancelled
}

type Bet struct {
	ID                  string              `json:"bet_id"`
	UserID              string              `json:"user_id"`
	RoundID             int64               `json:"round_id"`
	Stake               decimal.Decimal     `json:"stake"`
	Currency            ledger.Currency     `json:"currency"`
	AutoCashout         decimal.NullDecimal `json:"auto_cashout"`
	State               BetState            `json:"state"`
	CashedOutMultiplier decimal.NullDecimal `json:"cashed_out_multiplier"`
	Payout              decimal.NullDecimal `json:"payout"`
	PlacedAt            time.Time           `json:"placed_at"`
	SettledAt           *time.Time          `json:"settled_at,omitempty"`
}

// Reveal is only attached to a Round once it has crashed.
type Reveal struct {
	ServerSeed     string          `json:"server_seed"`
	CombinedDigest string          `json:"combined_digest"`
	CrashPoint     decimal.Decimal `json:"crash_point"`
}

// Round is the public view of a round. The secret and the committed crash
// point stay sealed until the round reaches RoundCrashed.
type Round struct {
	ID              int64               `json:"round_id"`
	Table           string              `json:"table"`
	ServerSeedHash  string              `json:"server_seed_hash"`
	ClientSeed      string              `json:"client_seed,omitempty"`
	State           RoundState          `json:"state"`
	Outcome         string              `json:"outcome,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CrashedAt       *time.Time          `json:"crashed_at,omitempty"`
	CrashMultiplier decimal.NullDecimal `json:"crash_multiplier"`
	Reveal          *Reveal             `json:"reveal,omitempty"`
}

// Snapshot is what the engine hands to the broadcast layer after each tick.
type Snapshot struct {
	RoundID          int64               `json:"round_id"`
	State            RoundState          `json:"state"`
	Multiplier       decimal.Decimal     `json:"multiplier"`
	AutoCashoutCount int                 `json:"auto_cashout_count"`
	CrashMultiplier  decimal.NullDecimal `json:"crash_multiplier"`
	ServerSeed       string              `json:"server_seed,omitempty"`
	ServerSeedHash   string              `json:"server_seed_hash,omitempty"`
	Cashouts         []Bet               `json:"-"`
}

type BetRequest struct {
	UserID      string              `json:"user_id"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	AutoCashout decimal.NullDecimal `json:"auto_cashout"`
}

type BetResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Bet     *Bet            `json:"bet,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

type CashoutRequest struct {
	UserID string `json:"user_id"`
}

type CashoutResponse struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Multiplier decimal.NullDecimal `json:"multiplier"`
	Payout     decimal.NullDecimal `json:"payout"`
	Balance    decimal.Decimal     `json:"balance"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type BetPlacedMessage struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency ledger.Currency `json:"currency"`
	BetID    string          `json:"bet_id"`
}

type CashoutMessage struct {
	UserID     string          `json:"user_id"`
	BetID      string          `json:"bet_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Auto       bool            `json:"auto"`
}

type CrashMessage struct {
	RoundID         int64           `json:"round_id"`
	CrashMultiplier decimal.Decimal `json:"crash_multiplier"`
	CrashPoint      decimal.Decimal `json:"crash_point"`
	ServerSeed      string          `json:"server_seed"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	ClientSeed      string          `json:"client_seed,omitempty"`
	Outcome         string          `json:"outcome"`
}
