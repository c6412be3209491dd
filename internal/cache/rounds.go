package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

const (
	REDIS_KEY_ROUND_PREFIX   = "crash:round:"
	REDIS_KEY_CURRENT_PREFIX = "crash:current:"
	REDIS_KEY_HISTORY_PREFIX = "crash:history:"

	roundTTL     = time.Hour
	historyLimit = 50
)

// CrashEntry is one item of a table's recent crash history.
type CrashEntry struct {
	RoundID    int64           `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// RoundCache stores public round views and the recent crash history of one
// table. Only game.Round views are written, so nothing sealed reaches Redis.
type RoundCache struct {
	client *redis.Client
	table  string
}

func NewRoundCache(client *redis.Client, table string) *RoundCache {
	return &RoundCache{client: client, table: table}
}

func (c *RoundCache) SaveRound(ctx context.Context, round game.Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, REDIS_KEY_ROUND_PREFIX+strconv.FormatInt(round.ID, 10), data, roundTTL)
	pipe.Set(ctx, REDIS_KEY_CURRENT_PREFIX+c.table, data, roundTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache round %d: %w", round.ID, err)
	}
	return nil
}

// Round returns a cached round view; ok is false on a miss.
func (c *RoundCache) Round(ctx context.Context, id int64) (game.Round, bool, error) {
	return c.get(ctx, REDIS_KEY_ROUND_PREFIX+strconv.FormatInt(id, 10))
}

func (c *RoundCache) Current(ctx context.Context) (game.Round, bool, error) {
	return c.get(ctx, REDIS_KEY_CURRENT_PREFIX+c.table)
}

func (c *RoundCache) get(ctx context.Context, key string) (game.Round, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return game.Round{}, false, nil
	}
	if err != nil {
		return game.Round{}, false, err
	}
	var round game.Round
	if err := json.Unmarshal(data, &round); err != nil {
		return game.Round{}, false, fmt.Errorf("decode cached round: %w", err)
	}
	return round, true, nil
}

func (c *RoundCache) PushCrash(ctx context.Context, roundID int64, multiplier decimal.Decimal) error {
	data, err := json.Marshal(CrashEntry{RoundID: roundID, Multiplier: multiplier})
	if err != nil {
		return err
	}
	key := REDIS_KEY_HISTORY_PREFIX + c.table
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// History returns up to limit recent crashes, newest first.
func (c *RoundCache) History(ctx context.Context, limit int) ([]CrashEntry, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	items, err := c.client.LRange(ctx, REDIS_KEY_HISTORY_PREFIX+c.table, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]CrashEntry, 0, len(items))
	for _, item := range items {
		var e CrashEntry
		if json.Unmarshal([]byte(item), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}
