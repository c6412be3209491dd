package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashgame/internal/game"
)

// GameStore persists rounds and bets in Postgres.
type GameStore struct {
	pool *pgxpool.Pool
}

func NewGameStore(pool *pgxpool.Pool) *GameStore {
	return &GameStore{pool: pool}
}

const roundColumns = `id, table_name, server_seed, server_seed_hash, client_seed, combined_digest, crash_point,
	crash_multiplier, state, outcome, created_at, started_at, crashed_at, duration_ms`

const betColumns = `id, user_id, round_id, stake, currency, auto_cashout, state,
	cashed_out_multiplier, payout, placed_at, settled_at`

func (s *GameStore) NextRoundID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('game_round_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next round id: %w", err)
	}
	return id, nil
}

func (s *GameStore) CreateRound(ctx context.Context, r game.RoundRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.Table, r.ServerSeed, r.ServerSeedHash, r.ClientSeed, r.CombinedDigest, r.CrashPoint,
		r.CrashMultiplier, string(r.State), r.Outcome, r.CreatedAt, r.StartedAt, r.CrashedAt, r.DurationMs)
	if err != nil {
		return fmt.Errorf("create round %d: %w", r.ID, err)
	}
	return nil
}

func (s *GameStore) UpdateRound(ctx context.Context, r game.RoundRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE game_rounds
		SET crash_multiplier = $2, state = $3, outcome = $4, started_at = $5, crashed_at = $6, duration_ms = $7
		WHERE id = $1
	`, r.ID, r.CrashMultiplier, string(r.State), r.Outcome, r.StartedAt, r.CrashedAt, r.DurationMs)
	if err != nil {
		return fmt.Errorf("update round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return game.ErrNotFound
	}
	return nil
}

func (s *GameStore) GetRound(ctx context.Context, id int64) (game.RoundRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM game_rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.RoundRecord{}, game.ErrNotFound
	}
	if err != nil {
		return game.RoundRecord{}, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (s *GameStore) RecentRounds(ctx context.Context, table string, limit int) ([]game.RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+`
		FROM game_rounds
		WHERE table_name = $1 AND state = $2
		ORDER BY id DESC
		LIMIT $3
	`, table, string(game.RoundCrashed), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *GameStore) UnfinishedRounds(ctx context.Context, table string) ([]game.RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+`
		FROM game_rounds
		WHERE table_name = $1 AND state <> $2
		ORDER BY id
	`, table, string(game.RoundCrashed))
	if err != nil {
		return nil, fmt.Errorf("unfinished rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *GameStore) CreateBet(ctx context.Context, b game.Bet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bets (`+betColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.UserID, b.RoundID, b.Stake, string(b.Currency), b.AutoCashout, string(b.State),
		b.CashedOutMultiplier, b.Payout, b.PlacedAt, b.SettledAt)
	if err != nil {
		return fmt.Errorf("create bet %s: %w", b.ID, err)
	}
	return nil
}

func (s *GameStore) UpdateBet(ctx context.Context, b game.Bet) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bets
		SET state = $2, cashed_out_multiplier = $3, payout = $4, settled_at = $5
		WHERE id = $1
	`, b.ID, string(b.State), b.CashedOutMultiplier, b.Payout, b.SettledAt)
	if err != nil {
		return fmt.Errorf("update bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return game.ErrNotFound
	}
	return nil
}

func (s *GameStore) ListBetsByRound(ctx context.Context, roundID int64) ([]game.Bet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY seq`, roundID)
	if err != nil {
		return nil, fmt.Errorf("bets for round %d: %w", roundID, err)
	}
	return collectBets(rows)
}

func (s *GameStore) ListBetsByUser(ctx context.Context, userID string, limit int) ([]game.Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, userID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("bets for user %s: %w", userID, err)
	}
	return collectBets(rows)
}

func scanRound(row pgx.Row) (game.RoundRecord, error) {
	var (
		r     game.RoundRecord
		state string
	)
	err := row.Scan(&r.ID, &r.Table, &r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.CombinedDigest, &r.CrashPoint,
		&r.CrashMultiplier, &state, &r.Outcome, &r.CreatedAt, &r.StartedAt, &r.CrashedAt, &r.DurationMs)
	r.State = game.RoundState(state)
	return r, err
}

func collectRounds(rows pgx.Rows) ([]game.RoundRecord, error) {
	defer rows.Close()
	var out []game.RoundRecord
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectBets(rows pgx.Rows) ([]game.Bet, error) {
	defer rows.Close()
	var out []game.Bet
	for rows.Next() {
		var (
			b        game.Bet
			currency string
			state    string
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.RoundID, &b.Stake, &currency, &b.AutoCashout, &state,
			&b.CashedOutMultiplier, &b.Payout, &b.PlacedAt, &b.SettledAt); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		b.Currency = ledgerCurrency(currency)
		b.State = game.BetState(state)
		out = append(out, b)
	}
	return out, rows.Err()
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
